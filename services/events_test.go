package services

import "testing"

func TestEventHubDelivery(t *testing.T) {
	h := NewEventHub()
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(1)
	if h.Subscribers() != 2 {
		t.Fatalf("subscribers %d", h.Subscribers())
	}

	h.Publish(Event{Type: EventLegend, Version: 3})
	h.Publish(Event{Type: EventTiles})
	if ev := <-a; ev.Type != EventLegend || ev.Version != 3 {
		t.Fatalf("got %+v", ev)
	}
	if ev := <-a; ev.Type != EventTiles {
		t.Fatalf("got %+v", ev)
	}
	// b 的缓冲只有1，第二个事件被丢弃
	if ev := <-b; ev.Type != EventLegend {
		t.Fatalf("got %+v", ev)
	}
	select {
	case ev := <-b:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed")
	}
	h.Publish(Event{Type: EventSave})
	cancelB()
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers %d", h.Subscribers())
	}
}
