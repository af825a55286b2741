// Package room implements shared, multi-subscriber state with typed
// pub/sub, a registry with TTL and auto-destroy policies, and a broadcaster
// that bridges rooms to live connections.
package room

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vango-dev/livesync/pkg/state"
)

// EventName names a room event.
type EventName string

// Reserved system events.
const (
	EventCreated          EventName = "created"
	EventDestroyed        EventName = "destroyed"
	EventSubscriberJoined EventName = "subscriber-joined"
	EventSubscriberLeft   EventName = "subscriber-left"
	EventStateChanged     EventName = "state-changed"
	EventError            EventName = "error"
)

// IsReserved reports whether name is a system event that user code may not
// emit.
func IsReserved(name EventName) bool {
	switch name {
	case EventCreated, EventDestroyed, EventSubscriberJoined, EventSubscriberLeft, EventStateChanged, EventError:
		return true
	}
	return false
}

// DestroyReason explains why a room was destroyed.
type DestroyReason string

const (
	ReasonManual DestroyReason = "manual"
	ReasonEmpty  DestroyReason = "empty"
	ReasonTTL    DestroyReason = "ttl"
)

// ErrRoomDestroyed is returned when joining a room that has been destroyed.
var ErrRoomDestroyed = errors.New("room: destroyed")

// Handler receives event data. A returned error or a panic is reported as
// an EventError and does not stop delivery to other handlers.
type Handler func(data any) error

// ErrorEvent is the data of an EventError.
type ErrorEvent struct {
	Event        EventName
	SubscriberID string
	Err          error
}

// DestroyedEvent is the data of an EventDestroyed.
type DestroyedEvent struct {
	Reason DestroyReason
}

type subscription struct {
	seq          uint64
	subscriberID string
	event        EventName
	fn           Handler
}

// Room is a named shared state with an event bus.
type Room struct {
	id        string
	createdAt time.Time
	logger    *slog.Logger

	mu         sync.Mutex
	state      map[string]any
	members    map[string]struct{}
	subs       []*subscription
	nextSeq    uint64
	destroyed  bool
	emptyTimer *time.Timer
	emptyGen   uint64
	ttlTimer   *time.Timer
	onEmpty    func(*Room, uint64)
}

func newRoom(id string, initial map[string]any, logger *slog.Logger) *Room {
	st := make(map[string]any, len(initial))
	maps.Copy(st, initial)
	return &Room{
		id:        id,
		createdAt: time.Now(),
		logger:    logger.With("room_id", id),
		state:     st,
		members:   make(map[string]struct{}),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// CreatedAt returns the creation time.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Destroyed reports whether the room has been destroyed.
func (r *Room) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// State returns a copy of the room state.
func (r *Room) State() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.state))
	maps.Copy(out, r.state)
	return out
}

// Get returns one state value.
func (r *Room) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state[key]
	return v, ok
}

// SetState merges partial into the room state and emits EventStateChanged
// with the changed keys. It returns the delta, or nil if nothing changed.
func (r *Room) SetState(partial map[string]any) state.Delta {
	r.mu.Lock()
	delta := make(state.Delta)
	for k, v := range partial {
		if old, ok := r.state[k]; ok && state.Equal(old, v) {
			continue
		}
		r.state[k] = v
		delta[k] = v
	}
	r.mu.Unlock()

	if len(delta) == 0 {
		return nil
	}
	r.Emit(EventStateChanged, delta)
	return delta
}

// Join adds a subscriber. It reports whether the subscriber is new and
// cancels any pending empty-room destroy.
func (r *Room) Join(subscriberID string) (bool, error) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return false, ErrRoomDestroyed
	}
	if _, ok := r.members[subscriberID]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.members[subscriberID] = struct{}{}
	r.cancelEmptyLocked()
	r.mu.Unlock()

	r.Emit(EventSubscriberJoined, subscriberID)
	return true, nil
}

// Leave removes a subscriber and its handlers. When the last subscriber
// leaves, the empty trigger fires.
func (r *Room) Leave(subscriberID string) bool {
	r.mu.Lock()
	if _, ok := r.members[subscriberID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.members, subscriberID)
	r.subs = removeSubscriber(r.subs, subscriberID)
	empty := len(r.members) == 0 && !r.destroyed
	var gen uint64
	if empty {
		r.emptyGen++
		gen = r.emptyGen
	}
	onEmpty := r.onEmpty
	r.mu.Unlock()

	r.Emit(EventSubscriberLeft, subscriberID)
	if empty && onEmpty != nil {
		onEmpty(r, gen)
	}
	return true
}

// SubscriberCount returns the number of subscribers.
func (r *Room) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Subscribers returns the subscriber ids.
func (r *Room) Subscribers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// On registers fn for event on behalf of subscriberID. Handlers run in
// registration order. The returned func removes the registration.
func (r *Room) On(subscriberID string, event EventName, fn Handler) (off func()) {
	r.mu.Lock()
	r.nextSeq++
	sub := &subscription{seq: r.nextSeq, subscriberID: subscriberID, event: event, fn: fn}
	if !r.destroyed {
		r.subs = append(r.subs, sub)
	}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		for i, s := range r.subs {
			if s == sub {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
	}
}

// Emit invokes every handler registered for event synchronously, in
// subscription order. It returns the number of handlers that succeeded.
func (r *Room) Emit(event EventName, data any) int {
	r.mu.Lock()
	targets := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.event == event {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	ok := 0
	for _, s := range targets {
		if err := r.invoke(s, data); err != nil {
			r.logger.Warn("room handler failed", "event", event, "subscriber", s.subscriberID, "error", err)
			if event != EventError {
				r.Emit(EventError, ErrorEvent{Event: event, SubscriberID: s.subscriberID, Err: err})
			}
			continue
		}
		ok++
	}
	return ok
}

func (r *Room) invoke(s *subscription, data any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("room handler panic", "event", s.event, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("room: handler panic: %v", p)
		}
	}()
	return s.fn(data)
}

func (r *Room) cancelEmptyLocked() {
	r.emptyGen++
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
		r.emptyTimer = nil
	}
}

// markDestroyed flips the room to destroyed. It returns false if it was
// already destroyed. The caller must hold no room lock.
func (r *Room) markDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return false
	}
	r.destroyed = true
	r.cancelEmptyLocked()
	if r.ttlTimer != nil {
		r.ttlTimer.Stop()
		r.ttlTimer = nil
	}
	return true
}

// finish emits EventDestroyed and drops every handler and subscriber.
func (r *Room) finish(reason DestroyReason) {
	r.Emit(EventDestroyed, DestroyedEvent{Reason: reason})
	r.mu.Lock()
	r.subs = nil
	r.members = make(map[string]struct{})
	r.mu.Unlock()
}

func removeSubscriber(subs []*subscription, subscriberID string) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.subscriberID != subscriberID {
			out = append(out, s)
		}
	}
	for i := len(out); i < len(subs); i++ {
		subs[i] = nil
	}
	return out
}
