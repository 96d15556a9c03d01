package events

import "testing"

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(EventGoCue)
	other := b.Subscribe(EventBeatTick)

	b.Publish(EventGoCue, Payload{"segment_id": "s1"})

	select {
	case p := <-sub:
		if p["segment_id"] != "s1" {
			t.Fatalf("payload = %v", p)
		}
	default:
		t.Fatal("subscriber did not receive event")
	}
	select {
	case <-other:
		t.Fatal("unrelated subscriber received event")
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := NewBus()
	sub := b.SubscribeBuffered(EventBeatTick, 1)
	b.Publish(EventBeatTick, Payload{"beat": 1})
	b.Publish(EventBeatTick, Payload{"beat": 2})
	if got := (<-sub)["beat"]; got != 1 {
		t.Fatalf("beat = %v, want 1", got)
	}
	select {
	case <-sub:
		t.Fatal("full subscriber should have dropped the second event")
	default:
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(EventTrackEnded)
	b.Unsubscribe(EventTrackEnded, sub)
	if _, ok := <-sub; ok {
		t.Fatal("expected closed channel")
	}
	// A second unsubscribe must not panic on a double close.
	b.Unsubscribe(EventTrackEnded, sub)
	b.Publish(EventTrackEnded, Payload{})
}

func TestAllEventTypesUnique(t *testing.T) {
	seen := make(map[EventType]bool)
	for _, et := range AllEventTypes() {
		if et == "" || seen[et] {
			t.Fatalf("bad or duplicate event type %q", et)
		}
		seen[et] = true
	}
}

func TestTapSeesEveryType(t *testing.T) {
	b := NewBus()
	tap := b.Tap(4)
	b.Publish(EventBeatTick, Payload{"beat": int64(3)})
	b.Publish(EventGoCue, Payload{"segment_id": "s2"})

	first, second := <-tap, <-tap
	if first.Type != EventBeatTick || second.Type != EventGoCue {
		t.Fatalf("tap order = %s, %s", first.Type, second.Type)
	}
	if second.Payload["segment_id"] != "s2" {
		t.Fatalf("payload = %v", second.Payload)
	}

	b.Untap(tap)
	if _, ok := <-tap; ok {
		t.Fatal("expected closed tap")
	}
	b.Untap(tap)
	b.Publish(EventBeatTick, Payload{})
}
