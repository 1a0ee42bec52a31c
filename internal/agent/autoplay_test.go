package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/events"
)

type ttsCall struct {
	text string
	ctx  context.Context
	pcm  chan []byte
	err  chan error
}

func (c *ttsCall) succeed(pcm []byte) {
	if pcm != nil {
		c.pcm <- pcm
	}
	close(c.pcm)
	close(c.err)
}

func (c *ttsCall) fail(err error) {
	close(c.pcm)
	c.err <- err
	close(c.err)
}

type fakeTTS struct {
	calls chan *ttsCall
}

func newFakeTTS() *fakeTTS { return &fakeTTS{calls: make(chan *ttsCall, 16)} }

func (f *fakeTTS) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	c := &ttsCall{text: text, ctx: ctx, pcm: make(chan []byte, 4), err: make(chan error, 1)}
	f.calls <- c
	return c.pcm, c.err
}

func (f *fakeTTS) next(t *testing.T) *ttsCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a synthesis request")
		return nil
	}
}

func (f *fakeTTS) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected synthesis request for %q", c.text)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeSink struct {
	mu      sync.Mutex
	writes  [][]byte
	flushes int
	resets  int
}

func (s *fakeSink) WritePCM(pcm []byte) {
	s.mu.Lock()
	s.writes = append(s.writes, pcm)
	s.mu.Unlock()
}

func (s *fakeSink) FlushTail() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *fakeSink) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *fakeSink) counts() (writes, flushes, resets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes), s.flushes, s.resets
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assistant(id, text string) conversation.Message {
	return conversation.Message{ID: id, Sender: conversation.SenderAssistant, Text: text, Timestamp: time.Now()}
}

func user(id, text string) conversation.Message {
	return conversation.Message{ID: id, Sender: conversation.SenderUser, Text: text, Timestamp: time.Now()}
}

type fixture struct {
	bus   *events.Bus
	store *conversation.Store
	tts   *fakeTTS
	sink  *fakeSink
	ap    *Autoplay
}

func newFixture(t *testing.T, msgs ...conversation.Message) *fixture {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	store := conversation.NewStore(bus)
	for _, m := range msgs {
		if err := store.Append(m); err != nil {
			t.Fatalf("append %s: %v", m.ID, err)
		}
	}
	f := &fixture{bus: bus, store: store, tts: newFakeTTS(), sink: &fakeSink{}}
	f.ap = NewAutoplay(store, f.tts, f.sink, bus, zerolog.Nop())
	t.Cleanup(f.ap.Close)
	return f
}

func TestAutoplay_NarratesInOrderSkippingPlayed(t *testing.T) {
	f := newFixture(t,
		assistant("m1", "first"),
		user("u1", "question"),
		assistant("m2", "second"),
		assistant("m3", "third"),
	)
	f.ap.MarkPlayed("m2")
	f.ap.Enable()

	c := f.tts.next(t)
	if c.text != "first." {
		t.Fatalf("expected first message, got %q", c.text)
	}
	if got := f.ap.Snapshot(); got.State != StatePlaying || got.MessageID != "m1" {
		t.Fatalf("unexpected state %+v", got)
	}
	c.succeed([]byte{1, 2})

	c = f.tts.next(t)
	if c.text != "third." {
		t.Fatalf("expected third message, got %q", c.text)
	}
	c.succeed([]byte{3, 4})

	waitFor(t, "idle", func() bool { return f.ap.State() == StateIdle })
	f.tts.none(t)
	if w, fl, _ := f.sink.counts(); w != 2 || fl != 2 {
		t.Fatalf("expected 2 writes and 2 flushes, got %d and %d", w, fl)
	}
}

func TestAutoplay_StartsOnArrivalWhenIdle(t *testing.T) {
	f := newFixture(t, user("u1", "hi"))
	f.ap.Enable()
	if f.ap.State() != StateIdle {
		t.Fatalf("expected idle, got %v", f.ap.State())
	}
	f.tts.none(t)

	if err := f.store.Append(assistant("m1", "Answer")); err != nil {
		t.Fatalf("append: %v", err)
	}
	c := f.tts.next(t)
	if c.text != "Answer." {
		t.Fatalf("unexpected text %q", c.text)
	}
	if got := f.ap.Snapshot(); got.State != StatePlaying || got.MessageID != "m1" {
		t.Fatalf("unexpected state %+v", got)
	}
	c.succeed(nil)
	waitFor(t, "idle", func() bool { return f.ap.State() == StateIdle })
}

func TestAutoplay_ArrivalWhileStoppedIsNotNarrated(t *testing.T) {
	f := newFixture(t)
	_ = f.store.Append(assistant("m1", "quiet"))
	f.tts.none(t)
	if f.ap.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", f.ap.State())
	}
}

func TestAutoplay_OneRequestInFlight(t *testing.T) {
	f := newFixture(t, assistant("m1", "one"))
	f.ap.Enable()
	c1 := f.tts.next(t)

	_ = f.store.Append(assistant("m2", "two"))
	f.tts.none(t)

	c1.succeed(nil)
	c2 := f.tts.next(t)
	if c2.text != "two." {
		t.Fatalf("unexpected text %q", c2.text)
	}
	c2.succeed(nil)
}

func TestAutoplay_FailureStillAdvances(t *testing.T) {
	f := newFixture(t, assistant("m1", "broken"), assistant("m2", "fine"))
	f.ap.Enable()
	f.tts.next(t).fail(errors.New("synthesis unavailable"))

	c := f.tts.next(t)
	if c.text != "fine." {
		t.Fatalf("unexpected text %q", c.text)
	}
	if !f.ap.Played("m1") {
		t.Fatalf("failed message should count as played")
	}
	c.succeed(nil)
	waitFor(t, "idle", func() bool { return f.ap.State() == StateIdle })
}

func TestAutoplay_LateResultAfterDisableIsDropped(t *testing.T) {
	f := newFixture(t, assistant("m1", "slow"), assistant("m2", "next"))
	f.ap.Enable()
	c := f.tts.next(t)

	f.ap.Disable()
	if f.ap.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", f.ap.State())
	}
	if _, _, resets := f.sink.counts(); resets != 1 {
		t.Fatalf("expected sink reset on disable, got %d", resets)
	}
	if c.ctx.Err() == nil {
		t.Fatalf("expected in-flight request to be cancelled")
	}

	c.succeed([]byte{9, 9, 9})
	f.tts.none(t)
	if w, fl, _ := f.sink.counts(); w != 0 || fl != 0 {
		t.Fatalf("late audio reached the sink: %d writes %d flushes", w, fl)
	}
	if !f.ap.Played("m1") {
		t.Fatalf("interrupted message should count as played")
	}

	f.ap.Enable()
	c = f.tts.next(t)
	if c.text != "next." {
		t.Fatalf("expected m2 after re-enable, got %q", c.text)
	}
	c.succeed(nil)
}

func TestAutoplay_ReenableWhileStaleRequestPendingDoesNotOverlap(t *testing.T) {
	f := newFixture(t, assistant("m1", "one"), assistant("m2", "two"))
	f.ap.Enable()
	stale := f.tts.next(t)

	// cancellation is observed only once the fake channels close
	f.ap.Disable()
	f.ap.Enable()
	stale.succeed(nil)

	c := f.tts.next(t)
	if c.text != "two." {
		t.Fatalf("unexpected text %q", c.text)
	}
	c.succeed(nil)
	f.tts.none(t)
}

func TestAutoplay_AtMostOnceAcrossToggles(t *testing.T) {
	var msgs []conversation.Message
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		msgs = append(msgs, assistant(id, id))
	}
	f := newFixture(t, msgs...)

	seen := map[string]int{}
	for i := 0; i < 5; i++ {
		f.ap.Enable()
		c := f.tts.next(t)
		seen[c.text]++
		f.ap.Disable()
		c.succeed(nil)
	}
	f.tts.none(t)
	for text, n := range seen {
		if n != 1 {
			t.Fatalf("%q narrated %d times", text, n)
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct narrations, got %v", seen)
	}
}

func TestAutoplay_PublishesPlaybackEvents(t *testing.T) {
	f := newFixture(t, assistant("m1", "hello"))
	var mu sync.Mutex
	var got []PlaybackEvent
	events.On(f.bus, events.TopicPlayback, func(ev PlaybackEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	f.ap.Enable()
	f.tts.next(t).succeed(nil)
	waitFor(t, "idle event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].State == StateIdle
	})
	f.ap.Disable()

	mu.Lock()
	defer mu.Unlock()
	want := []PlaybackEvent{
		{State: StatePlaying, MessageID: "m1"},
		{State: StateIdle},
		{State: StateStopped},
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected events %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestAutoplay_SetSinkRedirectsAudio(t *testing.T) {
	f := newFixture(t, assistant("m1", "hello"))
	other := &fakeSink{}
	f.ap.SetSink(other)
	f.ap.Enable()
	f.tts.next(t).succeed([]byte{1})
	waitFor(t, "idle", func() bool { return f.ap.State() == StateIdle })
	if w, _, _ := other.counts(); w != 1 {
		t.Fatalf("expected audio on the new sink, got %d writes", w)
	}
	if w, _, _ := f.sink.counts(); w != 0 {
		t.Fatalf("old sink still received audio")
	}
}

func TestAutoplay_MultiSentenceReplyStreamsEachChunk(t *testing.T) {
	f := newFixture(t, assistant("m1", "First step. Second step!"))
	f.ap.Enable()
	c := f.tts.next(t)
	if c.text != "First step." {
		t.Fatalf("unexpected first chunk %q", c.text)
	}
	c.succeed([]byte{1})
	c = f.tts.next(t)
	if c.text != "Second step!" {
		t.Fatalf("unexpected second chunk %q", c.text)
	}
	c.succeed([]byte{2})
	waitFor(t, "idle", func() bool { return f.ap.State() == StateIdle })
	if _, fl, _ := f.sink.counts(); fl != 1 {
		t.Fatalf("expected one tail flush per message, got %d", fl)
	}
}

func TestAutoplay_PlaybackStateCopiesPlayedSet(t *testing.T) {
	f := newFixture(t, assistant("m1", "first"))
	f.ap.MarkPlayed("m0")
	f.ap.Enable()

	c := f.tts.next(t)
	st := f.ap.PlaybackState()
	if !st.Active || st.CurrentMessageID != "m1" {
		t.Fatalf("unexpected playback state %+v", st)
	}
	st.PlayedIDs["m1"] = struct{}{}
	if f.ap.Played("m1") {
		t.Fatalf("mutating the returned set leaked into autoplay")
	}
	c.succeed([]byte{1})

	waitFor(t, "idle", func() bool { return f.ap.State() == StateIdle })
	st = f.ap.PlaybackState()
	if st.CurrentMessageID != "" || len(st.PlayedIDs) != 2 {
		t.Fatalf("expected m0 and m1 played with nothing current, got %+v", st)
	}
}
