package neonmoon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkMessageEmptyInput(t *testing.T) {
	segments := ChunkMessage("", 1900)
	require.Len(t, segments, 1)
	assert.Equal(t, "", segments[0])
}

func TestChunkMessageShortInput(t *testing.T) {
	segments := ChunkMessage("hello there", 1900)
	require.Len(t, segments, 1)
	assert.Equal(t, "hello there", segments[0])
}

func TestChunkMessageWordBoundary(t *testing.T) {
	// 5000 characters, no newlines: expect 3 segments, cut at spaces
	input := strings.Repeat("word ", 1000)
	require.Equal(t, 5000, len(input))

	segments := ChunkMessage(input, 1900)
	require.Len(t, segments, 3)
	for _, segment := range segments {
		assert.LessOrEqual(t, len(segment), 1900)
	}
	assert.Equal(t, " ", segments[0][len(segments[0])-1:])
	assert.Equal(t, " ", segments[1][len(segments[1])-1:])
}

func TestChunkMessagePrefersParagraphBreak(t *testing.T) {
	first := strings.Repeat("a", 80)
	second := strings.Repeat("b", 50)
	input := first + "\n\n" + second

	segments := ChunkMessage(input, 100)
	require.Len(t, segments, 2)
	assert.Equal(t, first, segments[0])
	assert.Equal(t, second, segments[1])
}

func TestChunkMessagePrefersLineBreakOverWord(t *testing.T) {
	first := "one two three " + strings.Repeat("x", 60)
	second := strings.Repeat("y", 40)
	input := first + "\n" + second

	segments := ChunkMessage(input, 100)
	require.Len(t, segments, 2)
	assert.Equal(t, first, segments[0])
	assert.Equal(t, second, segments[1])
}

func TestChunkMessageHardCut(t *testing.T) {
	// no acceptable break point at all: mid-word cuts
	input := strings.Repeat("z", 250)
	segments := ChunkMessage(input, 100)
	require.Len(t, segments, 3)
	assert.Equal(t, strings.Repeat("z", 100), segments[0])
	assert.Equal(t, strings.Repeat("z", 100), segments[1])
	assert.Equal(t, strings.Repeat("z", 50), segments[2])
}

func TestChunkMessageEarlyBreakIgnoredBelowMinFill(t *testing.T) {
	// the only space sits below the 60% fill threshold, so it's skipped in
	// favor of a hard cut
	input := "ab " + strings.Repeat("c", 197)
	segments := ChunkMessage(input, 100)
	require.Len(t, segments, 2)
	assert.Equal(t, 100, len(segments[0]))
	assert.NotEqual(t, " ", segments[0][len(segments[0])-1:])
}

func TestChunkMessageRoundTrip(t *testing.T) {
	testCases := []struct {
		name   string
		input  string
		maxLen int
	}{
		{
			name:   "paragraphs",
			input:  strings.Repeat("some words here\n\nmore words there\n\n", 100),
			maxLen: 300,
		},
		{
			name:   "lines",
			input:  strings.Repeat("a line of text that goes on\n", 150),
			maxLen: 250,
		},
		{
			name:   "words",
			input:  strings.Repeat("lorem ipsum dolor sit amet ", 200),
			maxLen: 500,
		},
		{
			name:   "unbroken",
			input:  strings.Repeat("q", 3000),
			maxLen: 700,
		},
	}
	stripWhitespace := func(s string) string {
		return strings.Map(
			func(r rune) rune {
				switch r {
				case ' ', '\n', '\t':
					return -1
				}
				return r
			},
			s,
		)
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				segments := ChunkMessage(tc.input, tc.maxLen)
				for _, segment := range segments {
					assert.LessOrEqual(t, len(segment), tc.maxLen)
				}
				rejoined := strings.Join(segments, "")
				assert.Equal(
					t,
					stripWhitespace(tc.input),
					stripWhitespace(rejoined),
				)
			},
		)
	}
}
