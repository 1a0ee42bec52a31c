// Package knowledge stores support documents as embeddings and retrieves the
// ones most similar to a user question.
package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/metrics"
)

// Document is one stored knowledge chunk.
type Document struct {
	ID        string    `json:"id,omitempty"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// VectorStore persists embeddings and answers nearest-neighbour queries.
type VectorStore interface {
	Insert(ctx context.Context, content string, embedding []float32) error
	Nearest(ctx context.Context, embedding []float32, k int) ([]string, error)
}

// Service ingests and retrieves knowledge. It satisfies llm.Retriever.
type Service struct {
	embedder Embedder
	store    VectorStore
	log      zerolog.Logger
}

func NewService(embedder Embedder, store VectorStore, logger zerolog.Logger) *Service {
	return &Service{embedder: embedder, store: store, log: logger}
}

// Ingest embeds and stores a document. The title, when given, is kept as the
// first paragraph.
func (s *Service) Ingest(ctx context.Context, title, content string) error {
	if strings.TrimSpace(content) == "" {
		return &conversation.ValidationError{Field: "content", Reason: "is required"}
	}
	text := content
	if title != "" {
		text = title + "\n\n" + content
	}
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return &conversation.GatewayError{Gateway: "embeddings", Err: err}
	}
	if err := s.store.Insert(ctx, text, emb); err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	metrics.DocsIngested.Inc()
	s.log.Info().Int("chars", len(text)).Int("dims", len(emb)).Msg("document ingested")
	return nil
}

// Retrieve returns up to k stored contents most similar to query.
func (s *Service) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil, nil
	}
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &conversation.GatewayError{Gateway: "embeddings", Err: err}
	}
	return s.store.Nearest(ctx, emb, k)
}
