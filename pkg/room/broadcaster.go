package room

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/vango-dev/livesync/pkg/debugbus"
	"github.com/vango-dev/livesync/pkg/protocol"
)

// Sender delivers a message to one connection.
type Sender interface {
	Send(connectionID string, msg *protocol.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(connectionID string, msg *protocol.Message) error

// Send calls f.
func (f SenderFunc) Send(connectionID string, msg *protocol.Message) error {
	return f(connectionID, msg)
}

const broadcasterSubscriber = "$broadcaster"

type member struct {
	userID     string
	components map[string]struct{}
}

// roster is the set of connections in one room instance. A room id can be
// reused after destruction, so a roster is tied to the *Room it was built
// for.
type roster struct {
	room *Room

	mu      sync.RWMutex
	members map[string]*member
	closed  bool
}

// holds reports whether connectionID is a member and whether componentID
// is registered under it. A nil roster holds nothing.
func (ro *roster) holds(connectionID, componentID string) (joined, registered bool) {
	if ro == nil {
		return false, false
	}
	ro.mu.RLock()
	defer ro.mu.RUnlock()
	m, ok := ro.members[connectionID]
	if !ok {
		return false, false
	}
	_, registered = m.components[componentID]
	return true, registered
}

// RoomDestroyedFunc is told which components were members of a room when it
// was destroyed.
type RoomDestroyedFunc func(roomID string, componentIDs []string)

// Broadcaster bridges rooms to connections. It keeps membership in both
// directions: room to connections and connection to rooms.
type Broadcaster struct {
	system *System
	sender Sender
	logger *slog.Logger
	bus    *debugbus.Bus

	mu          sync.RWMutex
	rosters     map[string]*roster
	byConn      map[string]map[string]struct{}
	onDestroyed []RoomDestroyedFunc
}

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	Logger *slog.Logger
	Bus    *debugbus.Bus
}

// NewBroadcaster creates a broadcaster over system that delivers through
// sender.
func NewBroadcaster(system *System, sender Sender, cfg BroadcasterConfig) *Broadcaster {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		system:  system,
		sender:  sender,
		logger:  logger.With("component", "broadcaster"),
		bus:     cfg.Bus,
		rosters: make(map[string]*roster),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// System returns the underlying room registry.
func (b *Broadcaster) System() *System { return b.system }

// OnRoomDestroyed registers fn to run after a room is destroyed and its
// member connections have been told.
func (b *Broadcaster) OnRoomDestroyed(fn RoomDestroyedFunc) {
	b.mu.Lock()
	b.onDestroyed = append(b.onDestroyed, fn)
	b.mu.Unlock()
}

// JoinRequest describes a join.
type JoinRequest struct {
	ConnectionID string
	UserID       string
	ComponentID  string
	RoomID       string
	InitialState map[string]any
}

// Join adds the connection (and optionally a component on it) to a room,
// creating the room if needed, and sends a ROOM_STATE sync message to the
// joining connection only.
func (b *Broadcaster) Join(req JoinRequest) (*Room, error) {
	var (
		r     *Room
		ro    *roster
		fresh bool
	)
	for attempt := 0; ; attempt++ {
		var opts *Options
		if req.InitialState != nil {
			o := b.system.defaults
			o.InitialState = req.InitialState
			opts = &o
		}
		room, _ := b.system.GetOrCreate(req.RoomID, opts)
		_, err := room.Join(req.ConnectionID)
		if err == nil {
			ro, fresh, err = b.enroll(room, req)
		}
		if err != nil {
			// Lost a race with destruction; the next GetOrCreate makes a new room.
			if attempt < 3 {
				continue
			}
			return nil, err
		}
		r = room
		break
	}

	if fresh {
		r.On(broadcasterSubscriber, EventDestroyed, func(data any) error {
			b.roomDestroyed(r, ro, data)
			return nil
		})
		// Destroyed before the handler was registered.
		if r.Destroyed() {
			b.roomDestroyed(r, ro, DestroyedEvent{Reason: ReasonManual})
			return nil, ErrRoomDestroyed
		}
	}

	syncMsg := protocol.MustMessage(protocol.TypeRoomState, protocol.RoomStatePayload{State: r.State()})
	syncMsg.Room = req.RoomID
	syncMsg.ComponentID = req.ComponentID
	if err := b.sender.Send(req.ConnectionID, syncMsg); err != nil {
		b.logger.Warn("room state sync failed", "room_id", req.RoomID, "connection_id", req.ConnectionID, "error", err)
	}

	b.bus.Emit(debugbus.EventRoomJoin, req.ComponentID, map[string]any{
		"room":       req.RoomID,
		"connection": req.ConnectionID,
	})
	return r, nil
}

// enroll records the membership of req in the roster of r, replacing a
// roster left behind by an earlier room with the same id. fresh reports
// whether the roster was created.
func (b *Broadcaster) enroll(r *Room, req JoinRequest) (ro *roster, fresh bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ro, ok := b.rosters[req.RoomID]
	if !ok || ro.room != r {
		ro = &roster{room: r, members: make(map[string]*member)}
		b.rosters[req.RoomID] = ro
		fresh = true
	}

	ro.mu.Lock()
	if ro.closed {
		ro.mu.Unlock()
		return nil, false, ErrRoomDestroyed
	}
	m, ok := ro.members[req.ConnectionID]
	if !ok {
		m = &member{userID: req.UserID, components: make(map[string]struct{})}
		ro.members[req.ConnectionID] = m
	}
	if req.UserID != "" {
		m.userID = req.UserID
	}
	if req.ComponentID != "" {
		m.components[req.ComponentID] = struct{}{}
	}
	ro.mu.Unlock()

	rooms, ok := b.byConn[req.ConnectionID]
	if !ok {
		rooms = make(map[string]struct{})
		b.byConn[req.ConnectionID] = rooms
	}
	rooms[req.RoomID] = struct{}{}
	return ro, fresh, nil
}

// Leave removes a component's membership. When componentID is empty, or the
// connection has no other component in the room, the connection leaves the
// room entirely.
func (b *Broadcaster) Leave(connectionID, roomID, componentID string) bool {
	b.mu.RLock()
	ro, ok := b.rosters[roomID]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	ro.mu.Lock()
	m, ok := ro.members[connectionID]
	if !ok {
		ro.mu.Unlock()
		return false
	}
	if componentID != "" {
		delete(m.components, componentID)
		if len(m.components) > 0 {
			ro.mu.Unlock()
			return true
		}
	}
	delete(ro.members, connectionID)
	ro.mu.Unlock()

	b.mu.Lock()
	if rooms, ok := b.byConn[connectionID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(b.byConn, connectionID)
		}
	}
	b.mu.Unlock()

	ro.room.Leave(connectionID)
	b.bus.Emit(debugbus.EventRoomLeave, componentID, map[string]any{
		"room":       roomID,
		"connection": connectionID,
	})
	return true
}

// LeaveAll removes the connection from every room it joined.
func (b *Broadcaster) LeaveAll(connectionID string) int {
	n := 0
	for _, roomID := range b.RoomsOf(connectionID) {
		if b.Leave(connectionID, roomID, "") {
			n++
		}
	}
	return n
}

// Broadcast emits event on the room and sends a ROOM_EVENT to every member
// connection except those in exclude. It returns the number of connections
// the message was sent to. Reserved system events are refused.
func (b *Broadcaster) Broadcast(roomID, event string, data any, exclude ...string) (int, error) {
	if err := checkEvent(event); err != nil {
		return 0, err
	}
	r, ok := b.system.Get(roomID)
	if !ok {
		return 0, protocol.Errorf(protocol.CodeRoomNotFound, "room %q not found", roomID)
	}
	r.Emit(EventName(event), data)

	msg, err := roomEvent(roomID, event, data)
	if err != nil {
		return 0, err
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	n := b.fanOut(roomID, msg, func(connID string, _ *member) bool {
		_, excluded := skip[connID]
		return !excluded
	})
	b.bus.Emit(debugbus.EventRoomEmit, "", map[string]any{"room": roomID, "event": event, "recipients": n})
	return n, nil
}

// SendToUser sends a ROOM_EVENT to every connection of userID in the room.
func (b *Broadcaster) SendToUser(userID, roomID, event string, data any) (int, error) {
	if err := checkEvent(event); err != nil {
		return 0, err
	}
	if _, ok := b.system.Get(roomID); !ok {
		return 0, protocol.Errorf(protocol.CodeRoomNotFound, "room %q not found", roomID)
	}
	msg, err := roomEvent(roomID, event, data)
	if err != nil {
		return 0, err
	}
	return b.fanOut(roomID, msg, func(_ string, m *member) bool {
		return m.userID == userID
	}), nil
}

// SetState merges partial into the room state and sends the changed keys
// to every member. It returns the delta.
func (b *Broadcaster) SetState(roomID string, partial map[string]any) (map[string]any, error) {
	r, ok := b.system.Get(roomID)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeRoomNotFound, "room %q not found", roomID)
	}
	delta := r.SetState(partial)
	if len(delta) == 0 {
		return nil, nil
	}
	msg := protocol.MustMessage(protocol.TypeRoomState, protocol.RoomStatePayload{State: delta, Partial: true})
	msg.Room = roomID
	b.fanOut(roomID, msg, nil)
	return delta, nil
}

// Members returns the connection ids in a room, sorted.
func (b *Broadcaster) Members(roomID string) []string {
	b.mu.RLock()
	ro, ok := b.rosters[roomID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	ro.mu.RLock()
	out := make([]string, 0, len(ro.members))
	for id := range ro.members {
		out = append(out, id)
	}
	ro.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RoomsOf returns the rooms a connection has joined, sorted.
func (b *Broadcaster) RoomsOf(connectionID string) []string {
	b.mu.RLock()
	rooms := b.byConn[connectionID]
	out := make([]string, 0, len(rooms))
	for id := range rooms {
		out = append(out, id)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (b *Broadcaster) fanOut(roomID string, msg *protocol.Message, keep func(string, *member) bool) int {
	b.mu.RLock()
	ro, ok := b.rosters[roomID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	ro.mu.RLock()
	targets := make([]string, 0, len(ro.members))
	for id, m := range ro.members {
		if keep == nil || keep(id, m) {
			targets = append(targets, id)
		}
	}
	ro.mu.RUnlock()

	sent := 0
	for _, id := range targets {
		if err := b.sender.Send(id, msg); err != nil {
			b.logger.Debug("room send failed", "room_id", roomID, "connection_id", id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (b *Broadcaster) roomDestroyed(r *Room, ro *roster, data any) {
	reason := ReasonManual
	if ev, ok := data.(DestroyedEvent); ok {
		reason = ev.Reason
	}

	b.mu.Lock()
	ro.mu.Lock()
	if ro.closed {
		ro.mu.Unlock()
		b.mu.Unlock()
		return
	}
	ro.closed = true
	members := ro.members
	ro.members = make(map[string]*member)
	ro.mu.Unlock()

	// A newer room may already hold the id; its members stay untouched.
	current := b.rosters[r.id]
	if current == ro {
		delete(b.rosters, r.id)
		current = nil
	}
	var (
		targets    []string
		components []string
	)
	for connID, m := range members {
		for cid := range m.components {
			if _, rejoined := current.holds(connID, cid); !rejoined {
				components = append(components, cid)
			}
		}
		if rejoined, _ := current.holds(connID, ""); rejoined {
			continue
		}
		targets = append(targets, connID)
		if rooms, ok := b.byConn[connID]; ok {
			delete(rooms, r.id)
			if len(rooms) == 0 {
				delete(b.byConn, connID)
			}
		}
	}
	hooks := append([]RoomDestroyedFunc(nil), b.onDestroyed...)
	b.mu.Unlock()

	if msg, err := roomEvent(r.id, string(EventDestroyed), map[string]any{"reason": reason}); err == nil {
		for _, id := range targets {
			_ = b.sender.Send(id, msg)
		}
	}

	if len(components) == 0 {
		return
	}
	sort.Strings(components)
	for _, fn := range hooks {
		fn(r.id, components)
	}
}

func checkEvent(event string) error {
	if event == "" {
		return protocol.NewError(protocol.CodeProtocol, "event name is required")
	}
	if IsReserved(EventName(event)) {
		return protocol.Errorf(protocol.CodeProtocol, "event %q is reserved", event)
	}
	return nil
}

func roomEvent(roomID, event string, data any) (*protocol.Message, error) {
	var raw json.RawMessage
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		raw = d
	default:
		encoded, err := json.Marshal(d)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeProtocol, "room event data: %v", err)
		}
		raw = encoded
	}
	msg, err := protocol.NewMessage(protocol.TypeRoomEvent, protocol.RoomEventPayload{Event: event, Data: raw})
	if err != nil {
		return nil, err
	}
	msg.Room = roomID
	return msg, nil
}
