// Package agent narrates assistant replies out loud, one at a time and in
// conversation order, while autoplay is enabled.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/events"
	"github.com/chadiek/support-desk/internal/metrics"
)

// DefaultNarrationTimeout bounds the synthesis of a single message.
const DefaultNarrationTimeout = 60 * time.Second

// State is the externally visible playback state.
type State int

const (
	StateStopped State = iota // autoplay disabled
	StateIdle                 // enabled, nothing left to narrate
	StatePlaying              // enabled, narrating PlaybackEvent.MessageID
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	default:
		return "stopped"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PlaybackEvent is published on events.TopicPlayback whenever the state or
// the message being narrated changes.
type PlaybackEvent struct {
	State     State  `json:"state"`
	MessageID string `json:"message_id,omitempty"`
}

// PlaybackState is a point-in-time copy of the narration bookkeeping.
type PlaybackState struct {
	Active           bool                `json:"active"`
	CurrentMessageID string              `json:"current_message_id,omitempty"`
	PlayedIDs        map[string]struct{} `json:"-"`
}

// Option customizes an Autoplay.
type Option func(*Autoplay)

// WithTimeout overrides DefaultNarrationTimeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Autoplay) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// Autoplay narrates each assistant message at most once. Only one synthesis
// request is outstanding at any time; results that complete after autoplay
// was switched off are dropped.
type Autoplay struct {
	source  MessageSource
	tts     TTS
	bus     *events.Bus
	log     zerolog.Logger
	timeout time.Duration
	sub     events.Token

	mu       sync.Mutex
	sink     PCM48kSink
	active   bool
	closed   bool
	played   map[string]struct{}
	current  string
	inflight bool
	gen      uint64
	cancel   context.CancelFunc
	last     PlaybackEvent
}

// NewAutoplay builds a stopped Autoplay reading from source and listening
// for arrivals on bus.
func NewAutoplay(source MessageSource, tts TTS, sink PCM48kSink, bus *events.Bus, logger zerolog.Logger, opts ...Option) *Autoplay {
	if sink == nil {
		sink = nopSink{}
	}
	a := &Autoplay{
		source:  source,
		tts:     tts,
		bus:     bus,
		log:     logger,
		timeout: DefaultNarrationTimeout,
		sink:    sink,
		played:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if bus != nil {
		a.sub = events.On(bus, events.TopicArrival, a.onArrival)
	}
	return a
}

// Enable switches autoplay on and starts narrating the earliest unplayed
// assistant message, if any.
func (a *Autoplay) Enable() {
	a.mu.Lock()
	if a.closed || a.active {
		a.mu.Unlock()
		return
	}
	a.active = true
	a.advanceLocked()
	ev, changed := a.eventLocked()
	a.mu.Unlock()
	a.publish(ev, changed)
}

// Disable switches autoplay off. The message being narrated counts as
// played and is never narrated again; buffered audio is discarded.
func (a *Autoplay) Disable() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	a.stopLocked()
	sink := a.sink
	ev, changed := a.eventLocked()
	a.mu.Unlock()

	sink.Reset()
	a.publish(ev, changed)
}

// Enabled reports whether autoplay is on.
func (a *Autoplay) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// State returns the current playback state.
func (a *Autoplay) State() State {
	return a.Snapshot().State
}

// Snapshot returns the current state and the message being narrated.
func (a *Autoplay) Snapshot() PlaybackEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

// PlaybackState returns a copy of the playback bookkeeping. PlayedIDs only
// ever grows within a session.
func (a *Autoplay) PlaybackState() PlaybackState {
	a.mu.Lock()
	defer a.mu.Unlock()
	played := make(map[string]struct{}, len(a.played))
	for id := range a.played {
		played[id] = struct{}{}
	}
	return PlaybackState{Active: a.active, CurrentMessageID: a.current, PlayedIDs: played}
}

// MarkPlayed records messages that must never be narrated, such as the
// greeting or loaded history.
func (a *Autoplay) MarkPlayed(ids ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.played[id] = struct{}{}
	}
}

// Played reports whether id has been narrated or marked played.
func (a *Autoplay) Played(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.played[id]
	return ok
}

// SetSink swaps the audio destination, e.g. when a WebRTC peer connects.
// nil installs a sink that discards audio.
func (a *Autoplay) SetSink(s PCM48kSink) {
	if s == nil {
		s = nopSink{}
	}
	a.mu.Lock()
	old := a.sink
	a.sink = s
	a.mu.Unlock()
	old.Reset()
}

// Close stops narration and detaches from the bus.
func (a *Autoplay) Close() {
	a.Disable()
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	if a.bus != nil {
		a.bus.Unsubscribe(a.sub)
	}
}

func (a *Autoplay) onArrival(m conversation.Message) {
	if m.Sender != conversation.SenderAssistant {
		return
	}
	a.mu.Lock()
	a.advanceLocked()
	ev, changed := a.eventLocked()
	a.mu.Unlock()
	a.publish(ev, changed)
}

// advanceLocked starts narrating the next unplayed assistant message when
// autoplay is on and nothing is in flight.
func (a *Autoplay) advanceLocked() {
	if !a.active || a.inflight {
		return
	}
	next, ok := a.nextLocked()
	if !ok {
		a.current = ""
		return
	}
	a.gen++
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	a.current = next.ID
	a.inflight = true
	a.cancel = cancel
	go a.narrate(ctx, a.gen, next)
}

func (a *Autoplay) nextLocked() (conversation.Message, bool) {
	for _, m := range a.source.All() {
		if m.Sender != conversation.SenderAssistant {
			continue
		}
		if _, done := a.played[m.ID]; done {
			continue
		}
		return m, true
	}
	return conversation.Message{}, false
}

// stopLocked abandons the current narration. The goroutine keeps inflight
// set until it returns so a re-enable cannot overlap it.
func (a *Autoplay) stopLocked() {
	if a.inflight && a.current != "" {
		a.played[a.current] = struct{}{}
	}
	a.gen++
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.current = ""
}

func (a *Autoplay) narrate(ctx context.Context, gen uint64, m conversation.Message) {
	log := a.log.With().Str("message_id", m.ID).Logger()
	log.Debug().Msg("narration started")
	err := a.speak(ctx, gen, m.Text)
	a.finish(gen, m.ID, err)
}

func (a *Autoplay) speak(ctx context.Context, gen uint64, text string) error {
	for _, chunk := range chunkReply(CleanForSpeech(text)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		pcmCh, errCh := a.tts.StreamPCM48k(ctx, chunk)
		for pcmCh != nil || errCh != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case b, ok := <-pcmCh:
				if !ok {
					pcmCh = nil
					continue
				}
				a.write(gen, b)
			case err, ok := <-errCh:
				if !ok {
					errCh = nil
					continue
				}
				if err != nil {
					return err
				}
			}
		}
	}
	a.mu.Lock()
	if gen == a.gen {
		a.sink.FlushTail()
	}
	a.mu.Unlock()
	return nil
}

// write forwards audio only while gen is still the live generation.
func (a *Autoplay) write(gen uint64, pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || len(pcm) == 0 {
		return
	}
	a.sink.WritePCM(pcm)
}

func (a *Autoplay) finish(gen uint64, id string, err error) {
	a.mu.Lock()
	stale := gen != a.gen
	a.played[id] = struct{}{}
	a.inflight = false
	if !stale {
		a.current = ""
		if a.cancel != nil {
			a.cancel()
			a.cancel = nil
		}
	}
	a.advanceLocked()
	ev, changed := a.eventLocked()
	a.mu.Unlock()

	outcome := "ok"
	switch {
	case stale:
		outcome = "interrupted"
		a.log.Debug().Str("message_id", id).Msg("narration interrupted")
	case err != nil:
		outcome = "failed"
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn().Str("message_id", id).Dur("timeout", a.timeout).Msg("narration timed out")
		} else {
			a.log.Warn().Err(err).Str("message_id", id).Msg("narration failed")
		}
	default:
		a.log.Debug().Str("message_id", id).Msg("narration finished")
	}
	metrics.NarrationsTotal.WithLabelValues(outcome).Inc()
	a.publish(ev, changed)
}

func (a *Autoplay) stateLocked() PlaybackEvent {
	switch {
	case !a.active:
		return PlaybackEvent{State: StateStopped}
	case a.current != "":
		return PlaybackEvent{State: StatePlaying, MessageID: a.current}
	default:
		return PlaybackEvent{State: StateIdle}
	}
}

// eventLocked returns the current state and whether it differs from the
// last one published.
func (a *Autoplay) eventLocked() (PlaybackEvent, bool) {
	ev := a.stateLocked()
	if ev == a.last {
		return ev, false
	}
	a.last = ev
	return ev, true
}

func (a *Autoplay) publish(ev PlaybackEvent, changed bool) {
	if !changed || a.bus == nil {
		return
	}
	a.bus.Publish(events.TopicPlayback, ev)
}
