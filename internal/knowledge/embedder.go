package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const (
	voyageEndpoint     = "https://api.voyageai.com/v1/embeddings"
	DefaultVoyageModel = "voyage-3-large"
	DefaultOpenAIModel = "text-embedding-3-small"
)

// VoyageEmbedder calls the Voyage AI embeddings API.
type VoyageEmbedder struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

func NewVoyageEmbedder(apiKey, model string) *VoyageEmbedder {
	if model == "" {
		model = DefaultVoyageModel
	}
	return &VoyageEmbedder{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   voyageEndpoint,
	}
}

type voyageRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (v *VoyageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v.APIKey == "" {
		return nil, fmt.Errorf("voyage api key missing")
	}
	body, err := json.Marshal(voyageRequest{Input: []string{text}, Model: v.Model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+v.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("voyage error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var vr voyageResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("voyage: decode response: %w", err)
	}
	if len(vr.Data) == 0 || len(vr.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("voyage: empty embedding")
	}
	return vr.Data[0].Embedding, nil
}

// OpenAIEmbedder uses the OpenAI embeddings endpoint through the SDK.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

func NewOpenAIEmbedder(apiKey, model string, opts ...option.RequestOption) *OpenAIEmbedder {
	if model == "" {
		model = DefaultOpenAIModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIEmbedder{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty data")
	}
	src := resp.Data[0].Embedding
	out := make([]float32, len(src))
	for i, f := range src {
		out[i] = float32(f)
	}
	return out, nil
}

// ErrNoEmbedder is returned when no embedding provider is configured.
var ErrNoEmbedder = errors.New("knowledge: no embedding provider configured")

// Chain tries each embedder in order and returns the first success.
type Chain []Embedder

func (c Chain) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(c) == 0 {
		return nil, ErrNoEmbedder
	}
	var errs []error
	for _, e := range c {
		v, err := e.Embed(ctx, text)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
