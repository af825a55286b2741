package room

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vango-dev/livesync/pkg/debugbus"
)

// ErrRoomExists is returned by Create when the id is taken.
var ErrRoomExists = errors.New("room: already exists")

// Options are the opt-in lifecycle policies of a room.
type Options struct {
	// TTL destroys the room this long after creation. Zero disables.
	TTL time.Duration

	// AutoDestroy destroys the room once it has been empty for
	// DestroyGrace.
	AutoDestroy bool

	// DestroyGrace is the delay between the last subscriber leaving and
	// destruction. A subscriber joining within it cancels the destroy.
	DestroyGrace time.Duration

	// InitialState seeds a newly created room.
	InitialState map[string]any
}

// SystemConfig configures a System.
type SystemConfig struct {
	// Defaults apply to rooms created without explicit options.
	Defaults Options

	Logger *slog.Logger
	Bus    *debugbus.Bus
}

// DefaultSystemConfig returns auto-destroying rooms with a 30s grace.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		Defaults: Options{AutoDestroy: true, DestroyGrace: 30 * time.Second},
	}
}

// Stats is a point-in-time view of the system.
type Stats struct {
	Rooms       int `json:"rooms"`
	Subscribers int `json:"subscribers"`
	Created     int `json:"created"`
	Destroyed   int `json:"destroyed"`
}

// System is the registry of rooms keyed by id.
type System struct {
	defaults Options
	logger   *slog.Logger
	bus      *debugbus.Bus

	mu        sync.RWMutex
	rooms     map[string]*Room
	created   int
	destroyed int
	closed    bool
}

// NewSystem creates a room registry. A nil config uses DefaultSystemConfig.
func NewSystem(cfg *SystemConfig) *System {
	if cfg == nil {
		cfg = DefaultSystemConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &System{
		defaults: cfg.Defaults,
		logger:   logger.With("component", "rooms"),
		bus:      cfg.Bus,
		rooms:    make(map[string]*Room),
	}
}

// Get returns the room with id.
func (s *System) Get(id string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

// GetOrCreate returns the room with id, creating it with opts (or the
// system defaults when opts is nil) if needed. created reports whether a
// new room was made.
func (s *System) GetOrCreate(id string, opts *Options) (r *Room, created bool) {
	s.mu.RLock()
	r, ok := s.rooms[id]
	s.mu.RUnlock()
	if ok {
		return r, false
	}

	s.mu.Lock()
	if r, ok := s.rooms[id]; ok {
		s.mu.Unlock()
		return r, false
	}
	r = s.createLocked(id, opts)
	s.mu.Unlock()

	s.announce(r)
	return r, true
}

// Create makes a new room and fails if id is taken.
func (s *System) Create(id string, opts *Options) (*Room, error) {
	s.mu.Lock()
	if _, ok := s.rooms[id]; ok {
		s.mu.Unlock()
		return nil, ErrRoomExists
	}
	r := s.createLocked(id, opts)
	s.mu.Unlock()

	s.announce(r)
	return r, nil
}

func (s *System) createLocked(id string, opts *Options) *Room {
	o := s.defaults
	if opts != nil {
		o = *opts
	}
	r := newRoom(id, o.InitialState, s.logger)
	if o.AutoDestroy {
		grace := o.DestroyGrace
		r.onEmpty = func(room *Room, gen uint64) { s.scheduleEmpty(room, gen, grace) }
	}
	if o.TTL > 0 {
		r.ttlTimer = time.AfterFunc(o.TTL, func() { s.destroy(r, ReasonTTL) })
	}
	s.rooms[id] = r
	s.created++
	return r
}

func (s *System) announce(r *Room) {
	s.logger.Info("room created", "room_id", r.id)
	s.bus.Emit(debugbus.EventRoomCreated, "", map[string]any{"room": r.id})
	r.Emit(EventCreated, r.id)
}

func (s *System) scheduleEmpty(r *Room, gen uint64, grace time.Duration) {
	if grace <= 0 {
		s.destroyIfEmpty(r, gen)
		return
	}
	r.mu.Lock()
	if r.destroyed || r.emptyGen != gen {
		r.mu.Unlock()
		return
	}
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
	}
	r.emptyTimer = time.AfterFunc(grace, func() { s.destroyIfEmpty(r, gen) })
	r.mu.Unlock()
}

func (s *System) destroyIfEmpty(r *Room, gen uint64) {
	s.mu.Lock()
	r.mu.Lock()
	stale := r.destroyed || r.emptyGen != gen || len(r.members) > 0
	r.mu.Unlock()
	if stale {
		s.mu.Unlock()
		return
	}
	s.removeLocked(r)
	s.mu.Unlock()

	s.finish(r, ReasonEmpty)
}

// Destroy removes the room with id. It reports whether a room was removed.
func (s *System) Destroy(id string) bool {
	s.mu.RLock()
	r, ok := s.rooms[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.destroy(r, ReasonManual)
}

func (s *System) destroy(r *Room, reason DestroyReason) bool {
	s.mu.Lock()
	if s.rooms[r.id] != r || r.Destroyed() {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(r)
	s.mu.Unlock()

	s.finish(r, reason)
	return true
}

// removeLocked marks r destroyed and unregisters it. s.mu must be held.
func (s *System) removeLocked(r *Room) {
	if r.markDestroyed() {
		if s.rooms[r.id] == r {
			delete(s.rooms, r.id)
		}
		s.destroyed++
	}
}

func (s *System) finish(r *Room, reason DestroyReason) {
	s.logger.Info("room destroyed", "room_id", r.id, "reason", reason)
	s.bus.Emit(debugbus.EventRoomDestroyed, "", map[string]any{"room": r.id, "reason": string(reason)})
	r.finish(reason)
}

// List returns the ids of all rooms, sorted.
func (s *System) List() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of live rooms.
func (s *System) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Stats returns counters for the system.
func (s *System) Stats() Stats {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	st := Stats{Rooms: len(s.rooms), Created: s.created, Destroyed: s.destroyed}
	s.mu.RUnlock()

	for _, r := range rooms {
		st.Subscribers += r.SubscriberCount()
	}
	return st
}

// Close destroys every room.
func (s *System) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var doomed []*Room
	for _, r := range s.rooms {
		doomed = append(doomed, r)
	}
	for _, r := range doomed {
		s.removeLocked(r)
	}
	s.mu.Unlock()

	for _, r := range doomed {
		s.finish(r, ReasonManual)
	}
}
