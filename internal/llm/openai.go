package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/rfpdesk/internal/config"
	"github.com/comigor/rfpdesk/internal/domain"
	"github.com/comigor/rfpdesk/internal/logger"
)

const defaultSystemPrompt = "You are a helpful assistant for proposal teams. Answer questions about the solicitation accurately and concisely."

// OpenAIStreamer streams answers from an OpenAI-compatible chat completion
// endpoint. The concatenated deltas are the authoritative full text; it
// produces no citations.
type OpenAIStreamer struct {
	client       ChatClient
	model        string
	systemPrompt string
	log          *slog.Logger
}

// NewOpenAIStreamer creates a streamer over client.
func NewOpenAIStreamer(client ChatClient, cfg config.LLMConfig) *OpenAIStreamer {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &OpenAIStreamer{
		client:       client,
		model:        cfg.Model,
		systemPrompt: prompt,
		log:          logger.With("component", "llm", "provider", config.ProviderOpenAI),
	}
}

func (s *OpenAIStreamer) messages(req domain.StreamRequest) []openai.ChatCompletionMessage {
	system := s.systemPrompt
	if req.RFPID != nil {
		system += fmt.Sprintf("\n\nThe conversation concerns RFP #%d.", *req.RFPID)
	}
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}
	for _, m := range req.History {
		if !m.Displayable() || m.Content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Question})
}

// Stream implements Streamer.
func (s *OpenAIStreamer) Stream(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	stream, err := s.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: s.messages(req),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	s.log.Debug("completion stream opened", "session_id", req.SessionID)

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)
		defer stream.Close()

		var full strings.Builder
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				emit(ctx, out, domain.StreamEvent{Kind: domain.EventDone, Text: full.String()})
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("completion stream failed", "session_id", req.SessionID, "error", err)
				emit(ctx, out, domain.StreamEvent{Kind: domain.EventError, Err: err})
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			full.WriteString(delta)
			if !emit(ctx, out, domain.StreamEvent{Kind: domain.EventChunk, Text: delta}) {
				return
			}
		}
	}()
	return out, nil
}
