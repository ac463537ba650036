package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/rfpdesk/internal/domain"
)

// ChatClient is the subset of openai.Client used for streaming; it is easy to
// swap for an httptest-backed client in tests.
type ChatClient interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Streamer opens one streaming exchange. The returned channel yields chunk
// events followed by exactly one Done or Error event, then closes.
// Cancelling ctx closes the channel early without a terminal event.
type Streamer interface {
	Stream(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error)
}

// emit delivers ev unless the consumer has gone away.
func emit(ctx context.Context, out chan<- domain.StreamEvent, ev domain.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
