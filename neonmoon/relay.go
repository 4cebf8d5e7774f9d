package neonmoon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lmittmann/tint"
)

const (
	// upstreamErrorBodyLimit caps how much of a non-2xx response body is
	// kept on an UpstreamError.
	upstreamErrorBodyLimit = 512

	frameFieldEvent = "event:"
	frameFieldData  = "data:"

	frameEventMessage = "message"
	frameEventError   = "error"
	frameEventDone    = "done"
)

// FrameKind identifies the kind of a single stream frame. The wire protocol
// carries the kind as a bare string; unknown kinds are treated as messages.
type FrameKind int

const (
	FrameMessage FrameKind = iota
	FrameError
	FrameDone
)

func (k FrameKind) String() string {
	switch k {
	case FrameError:
		return frameEventError
	case FrameDone:
		return frameEventDone
	default:
		return frameEventMessage
	}
}

// Frame is one unit of the streaming protocol: a blank-line-delimited block
// with an optional `event:` line and zero or more `data:` lines.
type Frame struct {
	Kind    FrameKind
	Payload string
}

// ChatMessage is a single role-tagged message sent to the chat backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RelayRequest is the JSON body posted to the chat backend. Identifying
// metadata is forwarded verbatim so the backend can do its own per-user
// memory and context lookups.
type RelayRequest struct {
	Model           string            `json:"model"`
	Messages        []ChatMessage     `json:"messages"`
	UserID          string            `json:"user_id"`
	UserName        string            `json:"user_name"`
	ConversationID  string            `json:"conversation_id"`
	UseServerMemory bool              `json:"use_server_memory"`
	UserTZ          string            `json:"user_tz,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// UpstreamError indicates the chat backend returned a non-2xx response
// before any streaming began.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf(
		"upstream returned %d: %s",
		e.StatusCode,
		truncate(e.Body, upstreamErrorBodyLimit),
	)
}

// Relay issues streaming chat requests to the configured backend and turns
// the response byte stream into a pull-based sequence of text fragments.
// It keeps no state between calls.
type Relay struct {
	config     *RelayConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func newRelay(config *RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		config:     config,
		httpClient: &http.Client{},
		logger:     logger.With(loggerNameKey, "relay"),
	}
}

// endpoint joins the configured base URL and path.
func (r *Relay) endpoint() (string, error) {
	base, err := url.Parse(r.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", r.config.BaseURL, err)
	}
	return base.JoinPath(r.config.Path).String(), nil
}

// Ask opens one streaming request to the chat backend. On success, the
// returned Stream yields text fragments as frames arrive; the caller must
// drain or close it. The request is bounded by the configured timeout, and
// cancelling ctx aborts the underlying network read. A Stream cannot be
// restarted - re-asking issues a fresh request.
func (r *Relay) Ask(ctx context.Context, req RelayRequest) (*Stream, error) {
	if req.Model == "" {
		req.Model = r.config.Model
	}

	target, err := r.endpoint()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error encoding relay request: %w", err)
	}

	var cancel context.CancelFunc
	if r.config.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.config.RequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		target,
		bytes.NewReader(body),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error creating relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if r.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.config.Token)
	}

	r.logger.InfoContext(
		ctx,
		"relaying chat request",
		"user_id", req.UserID,
		"conversation_id", req.ConversationID,
		"messages", len(req.Messages),
		"model", req.Model,
	)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relay request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, upstreamErrorBodyLimit))
		_ = resp.Body.Close()
		cancel()
		upstreamErr := &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
		}
		r.logger.ErrorContext(ctx, "relay request rejected", tint.Err(upstreamErr))
		return nil, upstreamErr
	}

	return &Stream{
		body:     resp.Body,
		reader:   bufio.NewReader(resp.Body),
		cancel:   cancel,
		fallback: r.config.FallbackMessage,
		logger:   r.logger,
	}, nil
}

// Stream is a pull-based sequence of text fragments produced from one
// streaming relay response. Each Next call drives network reads until a
// whole frame is buffered; nothing is read ahead of the consumer.
type Stream struct {
	body     io.ReadCloser
	reader   *bufio.Reader
	cancel   context.CancelFunc
	fallback string
	logger   *slog.Logger
	finished bool
}

// Next returns the next text fragment. The second return value is false
// once the stream has terminated (a `done` frame, stream end, or after the
// fallback fragment produced by an `error` frame). A truncated trailing
// frame is discarded without yielding anything.
func (s *Stream) Next() (string, bool) {
	if s.finished {
		return "", false
	}
	for {
		frame, err := s.readFrame()
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("stream read failed", tint.Err(err))
			}
			s.Close()
			return "", false
		}
		switch frame.Kind {
		case FrameDone:
			s.Close()
			return "", false
		case FrameError:
			s.logger.Warn("upstream sent error frame", "payload", frame.Payload)
			s.Close()
			return s.fallback, true
		default:
			if frame.Payload != "" {
				return frame.Payload, true
			}
		}
	}
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Stream) Close() {
	if s.finished {
		return
	}
	s.finished = true
	s.cancel()
	_ = s.body.Close()
}

// readFrame buffers lines until the blank line terminating a frame. It
// returns io.EOF for a partial frame truncated at stream end, which the
// caller drops silently.
func (s *Stream) readFrame() (Frame, error) {
	frame := Frame{Kind: FrameMessage}
	var data []string
	sawLine := false

	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF {
			// no terminating blank line: discard the partial frame
			return frame, io.EOF
		}
		if err != nil {
			return frame, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !sawLine {
				// stray blank line between frames
				continue
			}
			frame.Payload = strings.Join(data, "\n")
			return frame, nil
		}
		sawLine = true

		switch {
		case strings.HasPrefix(line, frameFieldEvent):
			frame.Kind = parseFrameKind(stripFieldValue(line[len(frameFieldEvent):]))
		case strings.HasPrefix(line, frameFieldData):
			data = append(data, stripFieldValue(line[len(frameFieldData):]))
		default:
			// unknown field, ignored
		}
	}
}

// stripFieldValue removes exactly one optional leading space from a field
// value. Any further whitespace is significant: leading spaces in
// natural-language deltas are token boundaries.
func stripFieldValue(v string) string {
	if strings.HasPrefix(v, " ") {
		return v[1:]
	}
	return v
}

func parseFrameKind(v string) FrameKind {
	switch v {
	case frameEventError:
		return FrameError
	case frameEventDone:
		return FrameDone
	default:
		return FrameMessage
	}
}

// Collect drains the stream and concatenates all fragments.
func (s *Stream) Collect() string {
	var sb strings.Builder
	for {
		fragment, ok := s.Next()
		if !ok {
			return sb.String()
		}
		sb.WriteString(fragment)
	}
}
