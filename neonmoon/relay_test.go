package neonmoon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t testing.TB, handler http.HandlerFunc) *Relay {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	config := &RelayConfig{
		BaseURL:         server.URL,
		Path:            DefaultRelayPath,
		Model:           DefaultRelayModel,
		Token:           "test-token",
		RequestTimeout:  10 * time.Second,
		FallbackMessage: DefaultRelayFallbackMessage,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newRelay(config, logger)
}

func streamHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(body))
	}
}

func collectFragments(t testing.TB, stream *Stream) []string {
	t.Helper()
	var fragments []string
	for {
		fragment, ok := stream.Next()
		if !ok {
			return fragments
		}
		fragments = append(fragments, fragment)
	}
}

func TestStreamFragments(t *testing.T) {
	relay := newTestRelay(
		t,
		streamHandler(
			"event: message\ndata: hello\n\ndata:  world\n\nevent: done\n\n",
		),
	)
	stream, err := relay.Ask(context.Background(), RelayRequest{UserID: "u1"})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	fragments := collectFragments(t, stream)
	assert.Equal(t, []string{"hello", " world"}, fragments)

	// terminated streams stay terminated
	fragment, ok := stream.Next()
	assert.False(t, ok)
	assert.Equal(t, "", fragment)
}

func TestStreamMultiLineData(t *testing.T) {
	relay := newTestRelay(
		t,
		streamHandler("data: first\ndata:  second\n\nevent: done\n\n"),
	)
	stream, err := relay.Ask(context.Background(), RelayRequest{})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	fragments := collectFragments(t, stream)
	assert.Equal(t, []string{"first\n second"}, fragments)
}

func TestStreamErrorFrameYieldsFallbackOnce(t *testing.T) {
	relay := newTestRelay(
		t,
		streamHandler(
			"data: partial answer\n\nevent: error\ndata: upstream exploded\n\ndata: never seen\n\n",
		),
	)
	stream, err := relay.Ask(context.Background(), RelayRequest{})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	fragments := collectFragments(t, stream)
	require.Len(t, fragments, 2)
	assert.Equal(t, "partial answer", fragments[0])
	assert.Equal(t, DefaultRelayFallbackMessage, fragments[1])
}

func TestStreamPartialTrailingFrameDropped(t *testing.T) {
	relay := newTestRelay(
		t,
		streamHandler("data: complete\n\ndata: truncated mid-fra"),
	)
	stream, err := relay.Ask(context.Background(), RelayRequest{})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	fragments := collectFragments(t, stream)
	assert.Equal(t, []string{"complete"}, fragments)
}

func TestStreamUnknownEventKindTreatedAsMessage(t *testing.T) {
	relay := newTestRelay(
		t,
		streamHandler("event: delta\ndata: still text\n\nevent: done\n\n"),
	)
	stream, err := relay.Ask(context.Background(), RelayRequest{})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	fragments := collectFragments(t, stream)
	assert.Equal(t, []string{"still text"}, fragments)
}

func TestStreamCollect(t *testing.T) {
	relay := newTestRelay(
		t,
		streamHandler("data: foo\n\ndata:  bar\n\ndata:  baz\n\nevent: done\n\n"),
	)
	stream, err := relay.Ask(context.Background(), RelayRequest{})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	assert.Equal(t, "foo bar baz", stream.Collect())
}

func TestAskUpstreamError(t *testing.T) {
	relay := newTestRelay(
		t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		},
	)
	stream, err := relay.Ask(context.Background(), RelayRequest{})
	require.Error(t, err)
	require.Nil(t, stream)

	upstreamErr := &UpstreamError{}
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusServiceUnavailable, upstreamErr.StatusCode)
	assert.Contains(t, upstreamErr.Body, "model overloaded")
}

func TestAskRequestBody(t *testing.T) {
	var (
		received   RelayRequest
		authHeader string
	)
	relay := newTestRelay(
		t, func(w http.ResponseWriter, r *http.Request) {
			authHeader = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			_, _ = w.Write([]byte("event: done\n\n"))
		},
	)
	stream, err := relay.Ask(
		context.Background(), RelayRequest{
			Messages: []ChatMessage{
				{Role: chatRoleUser, Content: "what's a monad?"},
			},
			UserID:          "user-123",
			UserName:        "somebody",
			ConversationID:  "chan-456",
			UseServerMemory: true,
			UserTZ:          "America/Chicago",
		},
	)
	require.NoError(t, err)
	stream.Close()

	assert.Equal(t, "Bearer test-token", authHeader)
	// empty model falls back to the configured one
	assert.Equal(t, DefaultRelayModel, received.Model)
	assert.Equal(t, "user-123", received.UserID)
	assert.Equal(t, "somebody", received.UserName)
	assert.Equal(t, "chan-456", received.ConversationID)
	assert.True(t, received.UseServerMemory)
	assert.Equal(t, "America/Chicago", received.UserTZ)
	require.Len(t, received.Messages, 1)
	assert.Equal(t, "what's a monad?", received.Messages[0].Content)
}
