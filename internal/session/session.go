// Package session wires the per-browser pieces together: the event bus, the
// message log, autoplay narration and screen capture.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/agent"
	"github.com/chadiek/support-desk/internal/capture"
	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/events"
	"github.com/chadiek/support-desk/internal/metrics"
	"github.com/chadiek/support-desk/internal/support"
)

const (
	// Greeting opens every session and is never narrated.
	Greeting = "Hi! I'm your support assistant. How can I help you today?"
	// OfflineReply stands in for the assistant when the gateway is unreachable.
	OfflineReply = "I'm having trouble reaching the support service right now. Please try again in a moment."
	// MinDictationChars is the recognized-speech length that is submitted without confirmation.
	MinDictationChars = 10
)

// Gateway answers user chat messages.
type Gateway interface {
	Send(ctx context.Context, in support.SendInput) (*support.Reply, error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Gateway          Gateway
	TTS              agent.TTS
	Ingestor         capture.Ingestor
	Logger           zerolog.Logger
	CaptureInterval  time.Duration
	NarrationTimeout time.Duration
}

// Session is one browser support session.
type Session struct {
	id       string
	bus      *events.Bus
	store    *conversation.Store
	autoplay *agent.Autoplay
	capture  *capture.Scheduler
	gateway  Gateway
	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	sub      events.Token

	// turn serializes Send so each exchange sees the previous one's
	// conversation id and its two messages stay adjacent.
	turn sync.Mutex

	mu             sync.Mutex
	frames         *capture.FrameBuffer
	defaultSink    agent.PCM48kSink
	conversationID string
	offline        bool
	closed         bool
}

// New builds a session and appends the greeting.
func New(id string, deps Deps) *Session {
	log := deps.Logger.With().Str("session", id).Logger()
	tts := deps.TTS
	if tts == nil {
		tts = agent.NoTTS{}
	}
	ingestor := deps.Ingestor
	if ingestor == nil {
		ingestor = capture.IngestorFunc(func(context.Context, []byte) (capture.Extraction, error) {
			return capture.Extraction{}, errors.New("screen ingestion not configured")
		})
	}

	bus := events.NewBus(log.With().Str("component", "bus").Logger())
	store := conversation.NewStore(bus)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		bus:     bus,
		store:   store,
		gateway: deps.Gateway,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.sub = events.On(bus, events.TopicIncoming, s.onIncoming)
	s.autoplay = agent.NewAutoplay(store, tts, nil, bus,
		log.With().Str("component", "autoplay").Logger(),
		agent.WithTimeout(deps.NarrationTimeout))
	s.capture = capture.NewScheduler(ingestor, bus,
		log.With().Str("component", "capture").Logger(), deps.CaptureInterval)

	greeting := conversation.NewMessage(conversation.SenderAssistant, Greeting, nil)
	s.autoplay.MarkPlayed(greeting.ID)
	s.publish(events.TopicIncoming, greeting)
	return s
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Bus() *events.Bus            { return s.bus }
func (s *Session) Store() *conversation.Store  { return s.store }
func (s *Session) Autoplay() *agent.Autoplay   { return s.autoplay }
func (s *Session) Capture() *capture.Scheduler { return s.capture }

// Messages returns a snapshot of the conversation.
func (s *Session) Messages() []conversation.Message {
	return s.store.All()
}

func (s *Session) onIncoming(m conversation.Message) {
	if err := s.store.Append(m); err != nil {
		s.log.Warn().Err(err).Str("message_id", m.ID).Msg("message rejected")
	}
}

// Send posts a user message and publishes the assistant's reply. Gateway
// failures never reach the caller: the offline reply is published instead
// and the session is flagged offline. A fallback reply also flags it.
// Concurrent calls run one at a time.
func (s *Session) Send(ctx context.Context, text string) (conversation.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Message{}, &conversation.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if s.gateway == nil {
		return conversation.Message{}, errors.New("session: no conversation gateway")
	}
	s.turn.Lock()
	defer s.turn.Unlock()

	s.publish(events.TopicIncoming, conversation.NewMessage(conversation.SenderUser, text, nil))

	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()

	reply, err := s.gateway.Send(ctx, support.SendInput{Message: text, ConversationID: convID, UserID: s.id})
	if err != nil {
		gerr := &conversation.GatewayError{Gateway: "conversation", Err: err}
		s.log.Warn().Err(gerr).Msg("conversation gateway failed, replying offline")
		metrics.GatewayFallbacks.WithLabelValues("offline").Inc()
		s.setOffline(true, err.Error())
		msg := conversation.NewMessage(conversation.SenderAssistant, OfflineReply, map[string]any{"fallback": true, "offline": true})
		s.publish(events.TopicIncoming, msg)
		return msg, nil
	}

	s.mu.Lock()
	if reply.ConversationID != "" {
		s.conversationID = reply.ConversationID
	}
	s.mu.Unlock()
	if reply.Fallback {
		// The provider failed and the gateway answered with its canned text.
		s.log.Warn().Str("conversation_id", reply.ConversationID).Msg("conversation gateway degraded")
		metrics.GatewayFallbacks.WithLabelValues("degraded").Inc()
		s.setOffline(true, "assistant unavailable")
	} else {
		s.setOffline(false, "")
	}

	s.publish(events.TopicIncoming, reply.Message)
	if reply.ShouldRequestVisualAid && !s.capture.Active() {
		s.publish(events.TopicShareRequested, events.ShareRequest{Reason: "visual_aid", Confidence: reply.Confidence})
	}
	return reply.Message, nil
}

// Dictate handles recognized speech. Text longer than MinDictationChars is
// sent; shorter text is published as a draft for the user to confirm.
func (s *Session) Dictate(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= MinDictationChars {
		s.publish(events.TopicDraft, events.Draft{Text: text})
		return nil
	}
	_, err := s.Send(ctx, text)
	return err
}

// SetAutoplay turns narration on or off.
func (s *Session) SetAutoplay(on bool) {
	if on {
		s.autoplay.Enable()
		return
	}
	s.autoplay.Disable()
}

// SetSink routes narration audio, e.g. to a WebRTC track. nil restores the
// sink installed with SetDefaultSink.
func (s *Session) SetSink(sink agent.PCM48kSink) {
	if sink == nil {
		s.mu.Lock()
		sink = s.defaultSink
		s.mu.Unlock()
	}
	s.autoplay.SetSink(sink)
}

// SetDefaultSink installs the sink used whenever no other one is attached.
func (s *Session) SetDefaultSink(sink agent.PCM48kSink) {
	s.mu.Lock()
	s.defaultSink = sink
	s.mu.Unlock()
	s.autoplay.SetSink(sink)
}

// StartSharing begins periodic capture of frames pushed with PushFrame.
func (s *Session) StartSharing(channel string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s closed", s.id)
	}
	frames := capture.NewFrameBuffer()
	s.mu.Unlock()

	if err := s.capture.Start(s.ctx, channel, frames); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = frames
	s.mu.Unlock()
	return nil
}

// PushFrame stores the latest screen frame. Frames outside a sharing
// session are dropped.
func (s *Session) PushFrame(frame []byte) {
	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()
	if frames != nil {
		frames.Put(frame)
	}
}

// EndSharing reports that the browser stopped the screen stream.
func (s *Session) EndSharing() {
	s.mu.Lock()
	frames := s.frames
	s.frames = nil
	s.mu.Unlock()
	if frames != nil {
		frames.End()
	}
}

// StopSharing stops capture at the user's request.
func (s *Session) StopSharing() {
	s.capture.Stop()
	s.EndSharing()
}

// Sharing reports whether screen capture is running.
func (s *Session) Sharing() bool {
	return s.capture.Active()
}

// LoadHistory replaces the conversation with prior messages. Loaded
// assistant messages are never narrated.
func (s *Session) LoadHistory(msgs []conversation.Message) error {
	var ids []string
	for _, m := range msgs {
		if m.Sender == conversation.SenderAssistant {
			ids = append(ids, m.ID)
		}
	}
	s.autoplay.MarkPlayed(ids...)
	return s.store.Reset(msgs)
}

// ConversationID is the gateway conversation this session continues.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SetConversationID continues an existing gateway conversation.
func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// Offline reports whether the last gateway call failed.
func (s *Session) Offline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// Close stops capture and narration and releases bus subscriptions.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.StopSharing()
	s.autoplay.Close()
	s.cancel()
	s.bus.Unsubscribe(s.sub)
	s.log.Info().Msg("session closed")
}

func (s *Session) setOffline(offline bool, reason string) {
	s.mu.Lock()
	changed := s.offline != offline
	s.offline = offline
	s.mu.Unlock()
	if changed {
		s.publish(events.TopicGatewayStatus, events.GatewayStatus{Offline: offline, Reason: reason})
	}
}

func (s *Session) publish(topic events.Topic, payload any) {
	s.bus.Publish(topic, payload)
}
