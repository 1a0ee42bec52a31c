// Package support answers chat messages with the configured LLM provider
// and keeps the server-side conversation history.
package support

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/llm"
)

// NotConfiguredReply is sent when no provider has credentials.
const NotConfiguredReply = "I'm sorry, the AI service is not configured properly. Please check the server configuration."

// ErrProviderUnavailable is returned when switching to a provider without credentials.
var ErrProviderUnavailable = errors.New("support: provider not configured")

// SendInput is a user chat message.
type SendInput struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// Reply is the assistant's answer to a SendInput.
type Reply struct {
	Message                conversation.Message `json:"message"`
	ConversationID         string               `json:"conversation_id"`
	ShouldRequestVisualAid bool                 `json:"should_request_screen_share"`
	Confidence             float64              `json:"confidence_score"`
	Fallback               bool                 `json:"fallback,omitempty"`
}

// Responder produces an answer for a user turn. *llm.Agent implements it.
type Responder interface {
	Provider() llm.Provider
	Model() string
	Respond(ctx context.Context, req llm.Request) llm.Response
}

// Service routes messages to the current provider.
type Service struct {
	history HistoryStore
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	agents  map[llm.Provider]Responder
	current llm.Provider
}

// NewService registers the given agents; current is used until switched.
func NewService(history HistoryStore, current llm.Provider, logger zerolog.Logger, agents ...Responder) *Service {
	if history == nil {
		history = NewMemoryHistory()
	}
	s := &Service{
		history: history,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
		agents:  make(map[llm.Provider]Responder, len(agents)),
		current: current,
	}
	for _, a := range agents {
		s.agents[a.Provider()] = a
	}
	return s
}

// Send appends the user message to its conversation, asks the current
// provider and stores the reply. A missing or unknown conversation id starts
// a new conversation.
func (s *Service) Send(ctx context.Context, in SendInput) (*Reply, error) {
	if in.Message == "" {
		return nil, &conversation.ValidationError{Field: "message", Reason: "is required"}
	}
	conv, err := s.loadOrCreate(ctx, in)
	if err != nil {
		return nil, err
	}
	prior := toTurns(conv.Messages)

	userMsg := conversation.NewMessage(conversation.SenderUser, in.Message, nil)
	conv.Messages = append(conv.Messages, userMsg)
	conv.UpdatedAt = s.now()

	s.mu.RLock()
	agent := s.agents[s.current]
	s.mu.RUnlock()

	var reply *Reply
	if agent == nil {
		msg := conversation.NewMessage(conversation.SenderAssistant, NotConfiguredReply,
			map[string]any{"error": "No AI agent configured"})
		reply = &Reply{Message: msg, ConversationID: conv.ID}
	} else {
		resp := agent.Respond(ctx, llm.Request{History: prior, Message: in.Message})
		meta := map[string]any{
			"model":           resp.Model,
			"provider":        string(agent.Provider()),
			"confusion_level": resp.Confidence,
		}
		if resp.Fallback {
			meta["fallback"] = true
			if resp.Err != nil {
				meta["error"] = resp.Err.Error()
			}
		}
		reply = &Reply{
			Message:                conversation.NewMessage(conversation.SenderAssistant, resp.Text, meta),
			ConversationID:         conv.ID,
			ShouldRequestVisualAid: resp.ShouldRequestVisualAid,
			Confidence:             resp.Confidence,
			Fallback:               resp.Fallback,
		}
	}

	conv.Messages = append(conv.Messages, reply.Message)
	conv.UpdatedAt = s.now()
	if err := s.history.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return reply, nil
}

func (s *Service) loadOrCreate(ctx context.Context, in SendInput) (*Conversation, error) {
	if in.ConversationID != "" {
		conv, err := s.history.Load(ctx, in.ConversationID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("load conversation %s: %w", in.ConversationID, err)
		}
	}
	now := s.now()
	return &Conversation{ID: uuid.NewString(), UserID: in.UserID, CreatedAt: now, UpdatedAt: now}, nil
}

// Conversation returns the stored history for id.
func (s *Service) Conversation(ctx context.Context, id string) (*Conversation, error) {
	return s.history.Load(ctx, id)
}

// SwitchProvider makes p the current provider.
func (s *Service) SwitchProvider(p llm.Provider) error {
	if _, err := llm.ParseProvider(string(p)); err != nil {
		return &conversation.ValidationError{Field: "provider", Reason: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[p]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderUnavailable, p)
	}
	s.current = p
	s.log.Info().Str("provider", string(p)).Msg("switched ai provider")
	return nil
}

func (s *Service) CurrentProvider() llm.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Configured reports whether the current provider has an agent.
func (s *Service) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[s.current]
	return ok
}

func (s *Service) SupportedProviders() []llm.Provider {
	return llm.Providers()
}

func toTurns(msgs []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: string(m.Sender), Content: m.Text})
	}
	return out
}
