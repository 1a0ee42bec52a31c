// Package conversation holds the ordered message log of a support session.
package conversation

import (
	"fmt"
	"sync"

	"github.com/chadiek/support-desk/internal/events"
	"github.com/chadiek/support-desk/internal/metrics"
)

// Store is the append-only message sequence of one session. Insertion order
// is the conversation order. Every successful Append publishes
// events.TopicArrival; Reset publishes events.TopicReset.
type Store struct {
	bus *events.Bus

	mu   sync.RWMutex
	msgs []Message
	ids  map[string]struct{}
}

// NewStore creates an empty store publishing on bus. bus may be nil.
func NewStore(bus *events.Bus) *Store {
	return &Store{bus: bus, ids: make(map[string]struct{})}
}

// Append adds msg to the end of the sequence.
func (s *Store) Append(msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	msg = msg.clone()

	s.mu.Lock()
	if _, dup := s.ids[msg.ID]; dup {
		s.mu.Unlock()
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("message %q already exists", msg.ID)}
	}
	s.msgs = append(s.msgs, msg)
	s.ids[msg.ID] = struct{}{}
	s.mu.Unlock()

	metrics.MessagesAppended.WithLabelValues(string(msg.Sender)).Inc()
	if s.bus != nil {
		s.bus.Publish(events.TopicArrival, msg.clone())
	}
	return nil
}

// All returns a copy of the sequence in insertion order.
func (s *Store) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.clone()
	}
	return out
}

// Get returns the message with id, if present.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ids[id]; !ok {
		return Message{}, false
	}
	for _, m := range s.msgs {
		if m.ID == id {
			return m.clone(), true
		}
	}
	return Message{}, false
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Reset replaces the whole sequence, e.g. when prior history is loaded.
// Readers observe either the old or the new contents, never a mix. The
// replacement is rejected as a whole if it is malformed.
func (s *Store) Reset(msgs []Message) error {
	next := make([]Message, 0, len(msgs))
	ids := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if err := validate(m); err != nil {
			return err
		}
		if _, dup := ids[m.ID]; dup {
			return &ValidationError{Field: "id", Reason: fmt.Sprintf("message %q appears twice", m.ID)}
		}
		ids[m.ID] = struct{}{}
		next = append(next, m.clone())
	}

	payload := make([]Message, len(next))
	for i, m := range next {
		payload[i] = m.clone()
	}

	s.mu.Lock()
	s.msgs = next
	s.ids = ids
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.TopicReset, payload)
	}
	return nil
}
