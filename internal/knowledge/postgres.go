package knowledge

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps documents in a pgvector-enabled embeddings table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Insert(ctx context.Context, content string, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO embeddings (content, embedding) VALUES ($1, $2::vector)`,
		content, vectorLiteral(embedding))
	return err
}

func (s *PostgresStore) Nearest(ctx context.Context, embedding []float32, k int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content FROM embeddings ORDER BY embedding <-> $1::vector LIMIT $2`,
		vectorLiteral(embedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		if content != "" {
			out = append(out, content)
		}
	}
	return out, rows.Err()
}

// vectorLiteral renders v in pgvector's text form, e.g. [0.1,0.2].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
