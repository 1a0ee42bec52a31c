package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"
)

const (
	embeddingsTable = "embeddings"
	matchRPC        = "match_embeddings"
)

// SupabaseStore keeps documents in the Supabase embeddings table. Search uses
// the match_embeddings RPC and falls back to ranking every row locally.
type SupabaseStore struct {
	client *supabase.Client
	log    zerolog.Logger
}

func NewSupabaseStore(url, key string, logger zerolog.Logger) (*SupabaseStore, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_KEY required")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return &SupabaseStore{client: client, log: logger}, nil
}

type embeddingRow struct {
	ID        any       `json:"id,omitempty"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
}

func (s *SupabaseStore) Insert(_ context.Context, content string, embedding []float32) error {
	row := embeddingRow{Content: content, Embedding: embedding}
	if _, _, err := s.client.From(embeddingsTable).Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("supabase insert: %w", err)
	}
	return nil
}

func (s *SupabaseStore) Nearest(_ context.Context, embedding []float32, k int) ([]string, error) {
	raw := s.client.Rpc(matchRPC, "", map[string]any{"query_embedding": embedding, "k": k})
	if out, ok := decodeMatches(raw); ok && len(out) > 0 {
		return out, nil
	}
	s.log.Debug().Msg("match_embeddings unavailable, ranking client-side")

	var rows []embeddingRow
	if _, err := s.client.From(embeddingsTable).Select("id,content,embedding", "", false).ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("supabase select: %w", err)
	}
	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, Document{Content: r.Content, Embedding: r.Embedding})
	}
	return rankByCosine(embedding, docs, k), nil
}

// decodeMatches parses the RPC result, which is a JSON array of rows on
// success and an error object otherwise.
func decodeMatches(raw string) ([]string, bool) {
	var rows []struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Content != "" {
			out = append(out, r.Content)
		}
	}
	return out, true
}
