package conversation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/events"
)

func msg(id string, sender Sender, text string) Message {
	return Message{ID: id, Sender: sender, Text: text, Timestamp: time.Unix(0, 0)}
}

func TestStore_AllPreservesInsertionOrder(t *testing.T) {
	s := NewStore(nil)
	for i := 0; i < 20; i++ {
		sender := SenderUser
		if i%3 == 0 {
			sender = SenderAssistant
		}
		if err := s.Append(msg(fmt.Sprintf("m%02d", i), sender, "x")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	all := s.All()
	if len(all) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(all))
	}
	for i, m := range all {
		if want := fmt.Sprintf("m%02d", i); m.ID != want {
			t.Fatalf("position %d: got %s want %s", i, m.ID, want)
		}
	}
}

func TestStore_SnapshotsAreIndependent(t *testing.T) {
	s := NewStore(nil)
	m := msg("a", SenderAssistant, "hello")
	m.Metadata = map[string]any{"k": "v"}
	if err := s.Append(m); err != nil {
		t.Fatalf("append: %v", err)
	}
	// caller mutation after append does not leak in
	m.Metadata["k"] = "changed"

	snap := s.All()
	if err := s.Append(msg("b", SenderUser, "next")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("earlier snapshot grew to %d", len(snap))
	}
	snap[0].Text = "mutated"
	snap[0].Metadata["k"] = "mutated"

	again := s.All()
	if again[0].Text != "hello" || again[0].Metadata["k"] != "v" {
		t.Fatalf("store content changed through a snapshot: %+v", again[0])
	}
}

func TestStore_DuplicateIDRejected(t *testing.T) {
	s := NewStore(nil)
	if err := s.Append(msg("dup", SenderUser, "one")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	err := s.Append(msg("dup", SenderUser, "two"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	all := s.All()
	if len(all) != 1 || all[0].Text != "one" {
		t.Fatalf("expected exactly the first copy, got %+v", all)
	}
}

func TestStore_RejectsMalformed(t *testing.T) {
	s := NewStore(nil)
	cases := []Message{
		{ID: "", Sender: SenderUser},
		{ID: "x", Sender: "robot"},
	}
	for _, m := range cases {
		var verr *ValidationError
		if err := s.Append(m); !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError for %+v, got %v", m, err)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("malformed messages were stored")
	}
}

func TestStore_AppendPublishesArrival(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	s := NewStore(bus)
	var arrived []Message
	events.On(bus, events.TopicArrival, func(m Message) {
		arrived = append(arrived, m)
		// handlers may read the store while being notified
		if s.Len() == 0 {
			t.Errorf("store not updated before arrival was published")
		}
	})
	_ = s.Append(msg("a", SenderAssistant, "hi"))
	_ = s.Append(msg("a", SenderAssistant, "again"))
	if len(arrived) != 1 || arrived[0].ID != "a" {
		t.Fatalf("expected one arrival for a, got %+v", arrived)
	}
}

func TestStore_ResetReplacesAtomically(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	s := NewStore(bus)
	_ = s.Append(msg("old", SenderUser, "old"))

	var resetTo []Message
	events.On(bus, events.TopicReset, func(m []Message) { resetTo = m })

	err := s.Reset([]Message{msg("h1", SenderUser, "q"), msg("h2", SenderAssistant, "a")})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	all := s.All()
	if len(all) != 2 || all[0].ID != "h1" || all[1].ID != "h2" {
		t.Fatalf("unexpected contents after reset: %+v", all)
	}
	if len(resetTo) != 2 {
		t.Fatalf("expected reset event with 2 messages, got %d", len(resetTo))
	}
	// old id is free again
	if err := s.Append(msg("old", SenderUser, "reused")); err != nil {
		t.Fatalf("append after reset: %v", err)
	}
}

func TestStore_ResetRejectsDuplicatesWithoutChanging(t *testing.T) {
	s := NewStore(nil)
	_ = s.Append(msg("keep", SenderUser, "keep"))
	err := s.Reset([]Message{msg("x", SenderUser, ""), msg("x", SenderAssistant, "")})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if all := s.All(); len(all) != 1 || all[0].ID != "keep" {
		t.Fatalf("store changed on rejected reset: %+v", all)
	}
}

func TestStore_ResetPayloadIsExactlyTheReplacement(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	s := NewStore(bus)
	var (
		mu  sync.Mutex
		bad []Message
	)
	events.On(bus, events.TopicReset, func(got []Message) {
		if len(got) != 2 || got[0].ID != "h1" || got[1].ID != "h2" {
			mu.Lock()
			bad = got
			mu.Unlock()
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Append(msg(fmt.Sprintf("live-%d", i), SenderUser, "x"))
		}
	}()
	for i := 0; i < 200; i++ {
		if err := s.Reset([]Message{msg("h1", SenderUser, "q"), msg("h2", SenderAssistant, "a")}); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if bad != nil {
		t.Fatalf("reset event carried messages appended afterwards: %+v", bad)
	}
}
