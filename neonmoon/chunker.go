package neonmoon

import (
	"strings"
	"unicode/utf8"
)

// chunkMinFillPercent is the minimum share of maxLen a segment must reach
// before a break point is considered acceptable. Below this, we keep
// scanning for a worse break (line, then word), and finally hard-cut.
const chunkMinFillPercent = 60

// ChunkMessage splits text into segments of at most maxLen bytes, preferring
// to break at paragraph boundaries, then line boundaries, then word
// boundaries. A mid-word hard cut only happens when no acceptable break
// point lands at or past the minimum-fill threshold.
//
// Segments cut at paragraph or line boundaries are trimmed of the boundary
// whitespace; word-boundary segments keep their trailing space. An empty
// input yields a single empty segment, so callers always have something to
// display.
func ChunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		return []string{text}
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	minFill := maxLen * chunkMinFillPercent / 100
	var segments []string

	rest := text
	for len(rest) > maxLen {
		window := rest[:maxLen+1]

		if idx := strings.LastIndex(window, "\n\n"); idx >= minFill {
			segments = append(segments, strings.TrimRight(rest[:idx], " \t\n"))
			rest = strings.TrimLeft(rest[idx:], "\n")
			continue
		}

		if idx := strings.LastIndexByte(window[:maxLen], '\n'); idx >= minFill {
			segments = append(segments, strings.TrimRight(rest[:idx], " \t\n"))
			rest = rest[idx+1:]
			continue
		}

		if idx := strings.LastIndexByte(rest[:maxLen], ' '); idx+1 >= minFill {
			// keep the space: it marks the cut as a word boundary
			segments = append(segments, rest[:idx+1])
			rest = rest[idx+1:]
			continue
		}

		cut := maxLen
		for cut > 0 && !utf8.RuneStart(rest[cut]) {
			cut--
		}
		segments = append(segments, rest[:cut])
		rest = rest[cut:]
	}

	return append(segments, rest)
}
