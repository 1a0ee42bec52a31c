// Package llm talks to chat-completion providers and turns their replies
// into support answers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Provider names a chat-completion backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderCerebras  Provider = "cerebras"
)

// Providers lists every backend this package can build.
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderAnthropic, ProviderCerebras}
}

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	for _, p := range Providers() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("llm: unknown provider %q", s)
}

// ErrMissingKey is returned when a provider is built without credentials.
var ErrMissingKey = errors.New("llm: api key missing")

// Message is one chat turn in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer performs a single chat completion.
type Completer interface {
	Complete(ctx context.Context, system string, messages []Message) (string, error)
}

// Config is what a Completer needs to reach its provider.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// NewCompleter builds the Completer for p.
func NewCompleter(p Provider, cfg Config) (Completer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", p, ErrMissingKey)
	}
	switch p {
	case ProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	case ProviderAnthropic:
		return NewAnthropicClient(cfg), nil
	case ProviderCerebras:
		return NewCerebrasClient(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", p)
	}
}
