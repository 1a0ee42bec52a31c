package conversation

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant
}

// Message is one entry of a conversation. Messages are immutable once
// appended; the store hands out copies.
type Message struct {
	ID        string         `json:"id"`
	Sender    Sender         `json:"sender"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a message with a fresh id and the current time.
func NewMessage(sender Sender, text string, metadata map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

func (m Message) clone() Message {
	if m.Metadata != nil {
		m.Metadata = maps.Clone(m.Metadata)
	}
	return m
}

func validate(m Message) error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if !m.Sender.Valid() {
		return &ValidationError{Field: "sender", Reason: fmt.Sprintf("unknown sender %q", m.Sender)}
	}
	return nil
}
