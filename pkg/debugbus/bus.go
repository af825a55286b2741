// Package debugbus is an optional tap that publishes lifecycle, state,
// action and room events to external observers.
//
// A disabled bus costs a single atomic load per publish. Observers never
// write back into the engine; a slow subscriber loses events instead of
// stalling the publisher.
package debugbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a debug event.
type EventType string

const (
	EventConnectionOpen     EventType = "connection_open"
	EventConnectionClose    EventType = "connection_close"
	EventComponentMount     EventType = "component_mount"
	EventComponentUnmount   EventType = "component_unmount"
	EventComponentRehydrate EventType = "component_rehydrate"
	EventActionCall         EventType = "action_call"
	EventActionResult       EventType = "action_result"
	EventActionError        EventType = "action_error"
	EventStateChange        EventType = "state_change"
	EventRoomCreated        EventType = "room_created"
	EventRoomDestroyed      EventType = "room_destroyed"
	EventRoomJoin           EventType = "room_join"
	EventRoomLeave          EventType = "room_leave"
	EventRoomEmit           EventType = "room_emit"
	EventUploadStart        EventType = "upload_start"
	EventUploadComplete     EventType = "upload_complete"
	EventUploadCancel       EventType = "upload_cancel"
)

// Event is a single published observation.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   int64          `json:"timestamp"`
	Type        EventType      `json:"type"`
	ComponentID string         `json:"componentId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Config configures a Bus.
type Config struct {
	// Enabled turns publishing on at construction time.
	Enabled bool

	// History is the number of recent events retained for Recent.
	// Default: 256.
	History int
}

// DefaultConfig returns a disabled bus configuration.
func DefaultConfig() *Config {
	return &Config{History: 256}
}

// Bus fans debug events out to subscribers.
type Bus struct {
	enabled atomic.Bool
	dropped atomic.Uint64

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	ring   []Event
	next   int
	filled bool
	closed bool
}

// New creates a Bus. A nil config uses DefaultConfig.
func New(cfg *Config) *Bus {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	history := cfg.History
	if history <= 0 {
		history = 256
	}
	b := &Bus{
		subs: make(map[*Subscription]struct{}),
		ring: make([]Event, history),
	}
	b.enabled.Store(cfg.Enabled)
	return b
}

// Enabled reports whether events are being published. Safe on a nil Bus.
func (b *Bus) Enabled() bool {
	return b != nil && b.enabled.Load()
}

// SetEnabled toggles publishing at runtime.
func (b *Bus) SetEnabled(on bool) {
	b.enabled.Store(on)
}

// Publish records e and delivers it to every subscriber. Missing ID and
// Timestamp fields are filled in.
func (b *Bus) Publish(e Event) {
	if !b.Enabled() {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.filled = true
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(e, &b.dropped)
	}
}

// Emit is shorthand for Publish that skips building the event when the bus
// is disabled.
func (b *Bus) Emit(t EventType, componentID string, data map[string]any) {
	if !b.Enabled() {
		return
	}
	b.Publish(Event{Type: t, ComponentID: componentID, Data: data})
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := b.next
	if b.filled {
		size = len(b.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	start := b.next - n
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.done = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close disables the bus and closes every subscription. Safe on a nil Bus.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.enabled.Store(false)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

// Subscription receives published events on C.
type Subscription struct {
	bus *Bus
	ch  chan Event

	mu      sync.Mutex
	done    bool
	dropped uint64
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.close()
}

func (s *Subscription) deliver(e Event, total *atomic.Uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
		total.Add(1)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}
