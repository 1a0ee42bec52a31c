package events

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus(zerolog.Nop())
	var got []int
	b.Subscribe(TopicArrival, func(any) { got = append(got, 1) })
	b.Subscribe(TopicArrival, func(any) { got = append(got, 2) })
	b.Subscribe(TopicArrival, func(any) { got = append(got, 3) })
	b.Subscribe(TopicReset, func(any) { got = append(got, 99) })

	b.Publish(TopicArrival, "x")
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	b := NewBus(zerolog.Nop())
	var second any
	b.Subscribe(TopicArrival, func(any) { panic("boom") })
	b.Subscribe(TopicArrival, func(p any) { second = p })

	b.Publish(TopicArrival, "payload")
	if second != "payload" {
		t.Fatalf("expected second subscriber to receive payload, got %v", second)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(zerolog.Nop())
	calls := 0
	tok := b.Subscribe(TopicDraft, func(any) { calls++ })
	b.Publish(TopicDraft, nil)
	b.Unsubscribe(tok)
	b.Publish(TopicDraft, nil)
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if n := b.Subscribers(TopicDraft); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
	// unknown token is a no-op
	b.Unsubscribe(tok)
}

func TestBus_SubscriptionChangesDuringDeliveryAffectNextPassOnly(t *testing.T) {
	b := NewBus(zerolog.Nop())
	var lateCalls, victimCalls int
	var victim Token
	b.Subscribe(TopicArrival, func(any) {
		b.Subscribe(TopicArrival, func(any) { lateCalls++ })
		b.Unsubscribe(victim)
	})
	victim = b.Subscribe(TopicArrival, func(any) { victimCalls++ })

	b.Publish(TopicArrival, nil)
	if lateCalls != 0 {
		t.Fatalf("handler added mid-delivery must not run in the same pass, ran %d", lateCalls)
	}
	if victimCalls != 1 {
		t.Fatalf("handler removed mid-delivery must still run in the same pass, ran %d", victimCalls)
	}

	b.Publish(TopicArrival, nil)
	if victimCalls != 1 {
		t.Fatalf("removed handler ran again: %d", victimCalls)
	}
	if lateCalls != 1 {
		t.Fatalf("expected late handler on second pass, got %d", lateCalls)
	}
}

func TestOn_FiltersPayloadType(t *testing.T) {
	b := NewBus(zerolog.Nop())
	var drafts []Draft
	On(b, TopicDraft, func(d Draft) { drafts = append(drafts, d) })
	b.Publish(TopicDraft, "not a draft")
	b.Publish(TopicDraft, Draft{Text: "hello"})
	if len(drafts) != 1 || drafts[0].Text != "hello" {
		t.Fatalf("unexpected drafts: %+v", drafts)
	}
}
