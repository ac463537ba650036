package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/comigor/rfpdesk/internal/config"
	"github.com/comigor/rfpdesk/internal/domain"
	"github.com/comigor/rfpdesk/internal/logger"
)

// ErrIncompleteStream is reported when the service closes the event stream
// before sending done or error.
var ErrIncompleteStream = errors.New("stream ended before completion")

const maxEventSize = 1 << 20

// ServiceStreamer talks to the remote conversation service, which answers
// POST /chat/stream with a text/event-stream of chunk, done and error events.
type ServiceStreamer struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *slog.Logger
}

// NewServiceStreamer creates a streamer for the service at cfg.BaseURL.
func NewServiceStreamer(cfg config.LLMConfig, client *http.Client) *ServiceStreamer {
	if client == nil {
		client = http.DefaultClient
	}
	return &ServiceStreamer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		log:     logger.With("component", "llm", "provider", config.ProviderService),
	}
}

type serviceEvent struct {
	Type      string            `json:"type"`
	Text      string            `json:"text"`
	FullText  string            `json:"full_text"`
	Citations []domain.Citation `json:"citations"`
	Message   string            `json:"message"`
}

// Stream implements Streamer.
func (s *ServiceStreamer) Stream(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		s.pump(ctx, resp.Body, out)
	}()
	return out, nil
}

func (s *ServiceStreamer) pump(ctx context.Context, body io.Reader, out chan<- domain.StreamEvent) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var data []string
	flush := func() (stop bool) {
		if len(data) == 0 {
			return false
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		return s.dispatch(ctx, payload, out)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if flush() {
				return
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if flush() {
		return
	}
	if ctx.Err() != nil {
		return
	}
	err := ErrIncompleteStream
	if scanErr := sc.Err(); scanErr != nil {
		err = fmt.Errorf("%w: %v", ErrIncompleteStream, scanErr)
	}
	s.log.Warn("service stream cut short", "error", err)
	emit(ctx, out, domain.StreamEvent{Kind: domain.EventError, Err: err})
}

// dispatch forwards one event and reports whether the stream is finished.
func (s *ServiceStreamer) dispatch(ctx context.Context, payload string, out chan<- domain.StreamEvent) bool {
	var ev serviceEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.log.Debug("skipping malformed event", "error", err)
		return false
	}
	switch ev.Type {
	case "chunk":
		if ev.Text == "" {
			return false
		}
		return !emit(ctx, out, domain.StreamEvent{Kind: domain.EventChunk, Text: ev.Text})
	case "done":
		emit(ctx, out, domain.StreamEvent{Kind: domain.EventDone, Text: ev.FullText, Citations: ev.Citations})
		return true
	case "error":
		msg := ev.Message
		if msg == "" {
			msg = "service reported an error"
		}
		emit(ctx, out, domain.StreamEvent{Kind: domain.EventError, Err: errors.New(msg)})
		return true
	default:
		s.log.Debug("skipping unknown event", "type", ev.Type)
		return false
	}
}
