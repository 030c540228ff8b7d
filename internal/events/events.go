package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Type represents an event type.
type Type string

const (
	RouteRegistered   Type = "route.registered"
	RouteUnregistered Type = "route.unregistered"
	RouteUpdated      Type = "route.updated"
	RateLimitHit      Type = "ratelimit.hit"
	RequestSuccess    Type = "request.success"
	RequestError      Type = "request.error"
	HealthChanged     Type = "health.changed"
)

// Event represents an in-process notification payload.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RouteID   string                 `json:"route_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates a new Event with the current timestamp.
func NewEvent(typ Type, routeID string, data map[string]interface{}) *Event {
	return &Event{
		Type:      typ,
		Timestamp: time.Now(),
		RouteID:   routeID,
		Data:      data,
	}
}

// matchesPattern checks if an event type matches a subscription pattern.
// Supports exact match and wildcard prefix (e.g., "route.*" matches
// "route.registered"). "*" matches everything.
func matchesPattern(eventType Type, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(string(eventType), prefix+".")
	}
	return string(eventType) == pattern
}

type subscription struct {
	pattern string
	fn      func(*Event)
}

// Bus delivers events to subscribers from a single worker goroutine.
// Emit never blocks the caller: if the queue is full the event is dropped
// and the dropped counter incremented.
type Bus struct {
	queue   chan *Event
	subs    []subscription
	mu      sync.RWMutex
	done    chan struct{}
	closed  sync.Once
	emitted atomic.Int64
	dropped atomic.Int64
}

// NewBus creates a new event bus and starts its delivery worker.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	b := &Bus{
		queue: make(chan *Event, queueSize),
		done:  make(chan struct{}),
	}
	go b.worker()
	return b
}

// Subscribe registers a callback for events whose type matches pattern.
// Callbacks run on the bus worker goroutine and must not block.
func (b *Bus) Subscribe(pattern string, fn func(*Event)) {
	b.mu.Lock()
	b.subs = append(b.subs, subscription{pattern: pattern, fn: fn})
	b.mu.Unlock()
}

// Emit queues an event for delivery.
func (b *Bus) Emit(event *Event) {
	b.emitted.Add(1)
	select {
	case b.queue <- event:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bus) worker() {
	for {
		select {
		case <-b.done:
			return
		case e := <-b.queue:
			b.mu.RLock()
			subs := b.subs
			b.mu.RUnlock()
			for _, s := range subs {
				if matchesPattern(e.Type, s.pattern) {
					s.fn(e)
				}
			}
		}
	}
}

// Close stops the delivery worker. Queued but undelivered events are dropped.
func (b *Bus) Close() {
	b.closed.Do(func() { close(b.done) })
}

// Stats returns the emitted and dropped counters.
func (b *Bus) Stats() (emitted, dropped int64) {
	return b.emitted.Load(), b.dropped.Load()
}
