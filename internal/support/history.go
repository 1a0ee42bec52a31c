package support

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chadiek/support-desk/internal/conversation"
)

// ErrNotFound is returned for unknown conversations.
var ErrNotFound = errors.New("support: conversation not found")

// Conversation is the server-side history of one chat.
type Conversation struct {
	ID        string                 `json:"conversation_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Messages  []conversation.Message `json:"messages"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// HistoryStore persists conversations.
type HistoryStore interface {
	Load(ctx context.Context, id string) (*Conversation, error)
	Save(ctx context.Context, c *Conversation) error
}

// MemoryHistory keeps conversations in process memory.
type MemoryHistory struct {
	mu    sync.RWMutex
	convs map[string][]byte
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{convs: make(map[string][]byte)}
}

func (m *MemoryHistory) Load(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	data, ok := m.convs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save stores an encoded copy so callers cannot mutate stored state.
func (m *MemoryHistory) Save(_ context.Context, c *Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.convs[c.ID] = data
	m.mu.Unlock()
	return nil
}

const conversationTTL = 24 * time.Hour

// RedisHistory stores each conversation as a JSON value with a TTL.
type RedisHistory struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisHistory connects to redisURL and verifies the connection.
func NewRedisHistory(ctx context.Context, redisURL string) (*RedisHistory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisHistory{client: client, ttl: conversationTTL}, nil
}

// NewRedisHistoryWithClient wraps an existing client.
func NewRedisHistoryWithClient(client *redis.Client, ttl time.Duration) *RedisHistory {
	if ttl <= 0 {
		ttl = conversationTTL
	}
	return &RedisHistory{client: client, ttl: ttl}
}

func (r *RedisHistory) Close() error {
	return r.client.Close()
}

func (r *RedisHistory) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func conversationKey(id string) string {
	return fmt.Sprintf("conversation:%s", id)
}

func (r *RedisHistory) Load(ctx context.Context, id string) (*Conversation, error) {
	data, err := r.client.Get(ctx, conversationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *RedisHistory) Save(ctx context.Context, c *Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, conversationKey(c.ID), data, r.ttl).Err()
}
