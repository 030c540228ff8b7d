package events

import (
	"testing"
	"time"
)

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		eventType Type
		pattern   string
		want      bool
	}{
		{RouteRegistered, "*", true},
		{RouteRegistered, "route.*", true},
		{RouteRegistered, "route.registered", true},
		{RouteRegistered, "route.unregistered", false},
		{RouteRegistered, "ratelimit.*", false},
		{RateLimitHit, "ratelimit.*", true},
		{RequestSuccess, "request.*", true},
		{RequestSuccess, "", false},
		// Prefix must end at a segment boundary.
		{Type("routes.custom"), "route.*", false},
	}
	for _, tt := range tests {
		if got := matchesPattern(tt.eventType, tt.pattern); got != tt.want {
			t.Errorf("matchesPattern(%q, %q) = %v, want %v", tt.eventType, tt.pattern, got, tt.want)
		}
	}
}

func collect(t *testing.T, ch <-chan *Event, n int) []*Event {
	t.Helper()
	var got []*Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("received %d of %d events", len(got), n)
		}
	}
	return got
}

func TestDelivery(t *testing.T) {
	b := NewBus(16)
	defer b.Close()

	all := make(chan *Event, 16)
	routeOnly := make(chan *Event, 16)
	b.Subscribe("*", func(e *Event) { all <- e })
	b.Subscribe("route.*", func(e *Event) { routeOnly <- e })

	b.Emit(NewEvent(RouteRegistered, "r1", nil))
	b.Emit(NewEvent(RequestSuccess, "r1", map[string]interface{}{"status": 200}))

	got := collect(t, all, 2)
	if got[0].Type != RouteRegistered || got[1].Type != RequestSuccess {
		t.Fatalf("delivery order = %v, %v", got[0].Type, got[1].Type)
	}
	if got[0].RouteID != "r1" {
		t.Fatalf("route id = %q", got[0].RouteID)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}

	routed := collect(t, routeOnly, 1)
	if routed[0].Type != RouteRegistered {
		t.Fatalf("filtered subscriber got %v", routed[0].Type)
	}
	select {
	case e := <-routeOnly:
		t.Fatalf("filtered subscriber got extra event %v", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	b := NewBus(1)
	// Stall the worker so the queue fills.
	block := make(chan struct{})
	b.Subscribe("*", func(*Event) { <-block })
	defer close(block)
	defer b.Close()

	for i := 0; i < 50; i++ {
		b.Emit(NewEvent(RequestSuccess, "r1", nil))
	}

	emitted, dropped := b.Stats()
	if emitted != 50 {
		t.Fatalf("emitted = %d, want 50", emitted)
	}
	if dropped == 0 {
		t.Fatal("expected drops with a stalled worker")
	}
}

func TestCloseIdempotent(t *testing.T) {
	b := NewBus(1)
	b.Close()
	b.Close()
}
