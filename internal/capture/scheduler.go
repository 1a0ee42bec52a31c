// Package capture periodically turns the shared screen into conversation
// context: every tick grabs a frame, runs it through OCR ingestion and
// publishes the result as a user message.
package capture

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/events"
	"github.com/chadiek/support-desk/internal/metrics"
)

// DefaultInterval is the capture period.
const DefaultInterval = 10 * time.Second

// cycleTimeout bounds one acquire+ingest cycle. Stop does not shorten it.
const cycleTimeout = 60 * time.Second

// ScreenshotPlaceholder is the message text used when OCR found no text.
const ScreenshotPlaceholder = "[Screenshot captured]"

var channelRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ErrAlreadyActive is returned by Start while a capture session is running.
var ErrAlreadyActive = errors.New("capture: already sharing")

// StateEvent is published on events.TopicCapture when sharing starts or stops.
type StateEvent struct {
	Active  bool   `json:"active"`
	Channel string `json:"channel,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Scheduler runs at most one capture cycle at a time. Cycles that complete
// after Stop are discarded.
type Scheduler struct {
	ingestor Ingestor
	bus      *events.Bus
	log      zerolog.Logger
	interval time.Duration

	inflight atomic.Bool

	// gate orders a cycle's liveness check and publish against Stop.
	gate sync.RWMutex

	mu      sync.Mutex
	active  bool
	channel string
	started time.Time
	gen     uint64
	cancel  context.CancelFunc
}

// Session describes the current sharing session.
type Session struct {
	Channel   string    `json:"channel"`
	StartedAt time.Time `json:"started_at"`
	Active    bool      `json:"active"`
}

// NewScheduler builds an idle scheduler. A zero interval means DefaultInterval.
func NewScheduler(ingestor Ingestor, bus *events.Bus, logger zerolog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{ingestor: ingestor, bus: bus, log: logger, interval: interval}
}

// ValidChannel reports whether name is an acceptable sharing channel name.
func ValidChannel(name string) bool {
	return channelRE.MatchString(name)
}

// Start begins periodic capture from source. The first capture happens one
// interval after Start.
func (s *Scheduler) Start(ctx context.Context, channel string, source FrameSource) error {
	if !ValidChannel(channel) {
		return &conversation.ValidationError{Field: "channel", Reason: fmt.Sprintf("%q must match %s", channel, channelRE.String())}
	}
	if source == nil {
		return &conversation.ValidationError{Field: "source", Reason: "must not be nil"}
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	s.active = true
	s.channel = channel
	s.started = time.Now()
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info().Str("channel", channel).Dur("interval", s.interval).Msg("screen capture started")
	s.publish(events.TopicCapture, StateEvent{Active: true, Channel: channel})

	go s.run(runCtx, gen, channel, source)
	return nil
}

// Stop ends the capture session. A cycle already in flight may complete but
// its result is discarded. Stop must not be called from a message.incoming
// handler.
func (s *Scheduler) Stop() {
	s.stop(0, "stopped")
}

// Active reports whether a capture session is running.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Session returns the current session; Active is false when idle.
func (s *Scheduler) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return Session{}
	}
	return Session{Channel: s.channel, StartedAt: s.started, Active: true}
}

// Channel returns the running session's channel name.
func (s *Scheduler) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// stop ends the session identified by gen; gen 0 matches any session.
func (s *Scheduler) stop(gen uint64, reason string) {
	s.gate.Lock()
	s.mu.Lock()
	if !s.active || (gen != 0 && gen != s.gen) {
		s.mu.Unlock()
		s.gate.Unlock()
		return
	}
	channel := s.channel
	s.active = false
	s.channel = ""
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.gate.Unlock()

	s.log.Info().Str("channel", channel).Str("reason", reason).Msg("screen capture stopped")
	s.publish(events.TopicCapture, StateEvent{Active: false, Channel: channel, Reason: reason})
}

func (s *Scheduler) run(ctx context.Context, gen uint64, channel string, source FrameSource) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stop(gen, "cancelled")
			return
		case <-source.Done():
			s.stop(gen, "source ended")
			return
		case <-ticker.C:
			s.tick(ctx, gen, channel, source)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, gen uint64, channel string, source FrameSource) {
	if !s.inflight.CompareAndSwap(false, true) {
		metrics.CaptureTicks.WithLabelValues("skipped").Inc()
		s.log.Debug().Str("channel", channel).Msg("capture still in flight, skipping tick")
		return
	}
	// Stop cancels ctx; an upload already started runs to completion and
	// the generation check discards its result.
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cycleTimeout)
	go func() {
		defer s.inflight.Store(false)
		defer cancel()
		s.cycle(cycleCtx, gen, channel, source)
	}()
}

func (s *Scheduler) cycle(ctx context.Context, gen uint64, channel string, source FrameSource) {
	frame, err := source.AcquireFrame(ctx)
	if errors.Is(err, ErrNoFrame) {
		metrics.CaptureTicks.WithLabelValues("skipped").Inc()
		return
	}
	if err != nil {
		s.fail(channel, "acquire", err)
		return
	}
	ext, err := s.ingestor.Submit(ctx, frame)
	if err != nil {
		s.fail(channel, "ingest", &conversation.GatewayError{Gateway: "capture", Err: err})
		return
	}
	msg := contextMessage(channel, ext)

	s.gate.RLock()
	defer s.gate.RUnlock()
	s.mu.Lock()
	live := s.active && s.gen == gen
	s.mu.Unlock()
	if !live {
		metrics.CaptureTicks.WithLabelValues("discarded").Inc()
		s.log.Debug().Str("channel", channel).Msg("capture finished after stop, discarded")
		return
	}
	s.publish(events.TopicIncoming, msg)
	metrics.CaptureTicks.WithLabelValues("published").Inc()
}

func (s *Scheduler) fail(channel, stage string, err error) {
	metrics.CaptureTicks.WithLabelValues("failed").Inc()
	if errors.Is(err, context.Canceled) {
		return
	}
	s.log.Warn().Err(err).Str("channel", channel).Str("stage", stage).Msg("capture cycle failed")
}

func (s *Scheduler) publish(topic events.Topic, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func contextMessage(channel string, ext Extraction) conversation.Message {
	meta := map[string]any{"source": "screen_capture", "channel": channel}
	if ext.ImageURL != "" {
		meta["image_url"] = ext.ImageURL
	}
	text := strings.TrimSpace(ext.Text)
	if text == "" {
		text = ScreenshotPlaceholder
	} else {
		meta["ocr"] = true
	}
	return conversation.NewMessage(conversation.SenderUser, text, meta)
}
