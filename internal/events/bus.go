// Package events is the in-process publish/subscribe channel a support
// session uses to decouple producers (chat replies, screen captures,
// dictation) from consumers (the message store, autoplay, the browser socket).
package events

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/metrics"
)

// Topic names a delivery channel on the bus.
type Topic string

const (
	// TopicIncoming carries a conversation.Message that should be appended.
	TopicIncoming Topic = "message.incoming"
	// TopicArrival carries a conversation.Message that was appended.
	TopicArrival Topic = "message.arrival"
	// TopicReset carries the []conversation.Message that replaced the store.
	TopicReset Topic = "message.reset"
	// TopicPlayback carries agent.PlaybackEvent.
	TopicPlayback Topic = "playback.state"
	// TopicCapture carries capture.StateEvent.
	TopicCapture Topic = "capture.state"
	// TopicShareRequested carries a ShareRequest.
	TopicShareRequested Topic = "share.requested"
	// TopicDraft carries a Draft.
	TopicDraft Topic = "dictation.draft"
	// TopicGatewayStatus carries a GatewayStatus.
	TopicGatewayStatus Topic = "gateway.status"
)

// ShareRequest asks the browser to start screen sharing.
type ShareRequest struct {
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// Draft is recognized speech too short to submit on its own.
type Draft struct {
	Text string `json:"text"`
}

// GatewayStatus reports whether the conversation gateway is reachable.
type GatewayStatus struct {
	Offline bool   `json:"offline"`
	Reason  string `json:"reason,omitempty"`
}

// Handler receives a published payload.
type Handler func(payload any)

// Token identifies a subscription for Unsubscribe.
type Token uint64

type subscription struct {
	token   Token
	handler Handler
}

// Bus delivers payloads synchronously to every handler subscribed to a topic,
// in subscription order.
type Bus struct {
	log zerolog.Logger

	mu     sync.Mutex
	next   Token
	topics map[Topic][]subscription
	owner  map[Token]Topic
}

// NewBus constructs an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		log:    logger,
		topics: make(map[Topic][]subscription),
		owner:  make(map[Token]Topic),
	}
}

// Subscribe registers handler on topic and returns its token.
func (b *Bus) Subscribe(topic Topic, handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	tok := b.next
	b.topics[topic] = append(b.topics[topic], subscription{token: tok, handler: handler})
	b.owner[tok] = topic
	return tok
}

// Unsubscribe removes the subscription. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	topic, ok := b.owner[tok]
	if !ok {
		return
	}
	delete(b.owner, tok)
	subs := b.topics[topic]
	// Build a new slice so in-progress snapshots are untouched.
	kept := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.token != tok {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.topics, topic)
		return
	}
	b.topics[topic] = kept
}

// Publish delivers payload to the handlers subscribed at the moment of the
// call. A panicking handler is logged and skipped; it never reaches the
// publisher and never stops delivery to later handlers.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	snapshot := b.topics[topic]
	b.mu.Unlock()

	for _, s := range snapshot {
		b.deliver(topic, s, payload)
	}
}

func (b *Bus) deliver(topic Topic, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.WithLabelValues(string(topic)).Inc()
			b.log.Error().
				Str("topic", string(topic)).
				Uint64("subscription", uint64(s.token)).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler failed")
		}
	}()
	s.handler(payload)
}

// Subscribers reports how many handlers are registered on topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// On subscribes a handler that only sees payloads of type T.
func On[T any](b *Bus, topic Topic, fn func(T)) Token {
	return b.Subscribe(topic, func(payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	})
}
