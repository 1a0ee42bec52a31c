package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"
)

// AnthropicClient calls the Messages API.
type AnthropicClient struct {
	HTTPClient  *http.Client
	APIKey      string
	Model       string
	Endpoint    string
	MaxTokens   int
	Temperature float64
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicClient(cfg Config) *AnthropicClient {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = anthropicEndpoint
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1000 // required by the API
	}
	return &AnthropicClient{
		HTTPClient:  cfg.httpClient(),
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Endpoint:    endpoint,
		MaxTokens:   maxTokens,
		Temperature: cfg.Temperature,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, system string, history []Message) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("anthropic: %w", ErrMissingKey)
	}
	msgs := make([]Message, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		msgs = append(msgs, Message{Role: role, Content: m.Content})
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       c.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("anthropic error: status=%d body=%s", resp.StatusCode, string(raw))
	}
	var ar anthropicResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}
	if ar.Error != nil {
		return "", fmt.Errorf("anthropic: %s: %s", ar.Error.Type, ar.Error.Message)
	}
	var sb strings.Builder
	for _, part := range ar.Content {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic: empty content")
	}
	return strings.TrimSpace(sb.String()), nil
}
