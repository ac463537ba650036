package llm

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/rfpdesk/internal/config"
)

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// New builds the Streamer selected by cfg.Provider.
func New(cfg config.LLMConfig) (Streamer, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return NewOpenAIStreamer(NewClient(cfg), cfg), nil
	case config.ProviderService:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm provider %q requires base_url", cfg.Provider)
		}
		return NewServiceStreamer(cfg, serviceHTTPClient(cfg.Timeout)), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q (supported: %s, %s)", cfg.Provider, config.ProviderOpenAI, config.ProviderService)
	}
}

// serviceHTTPClient bounds the wait for response headers only; a streamed
// body may stay open for as long as the answer takes.
func serviceHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}
