package component

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/livesync/pkg/auth"
	"github.com/vango-dev/livesync/pkg/debugbus"
	"github.com/vango-dev/livesync/pkg/protocol"
	"github.com/vango-dev/livesync/pkg/room"
	"github.com/vango-dev/livesync/pkg/state"
)

var (
	// ErrDuplicateType is returned when registering a type twice.
	ErrDuplicateType = errors.New("component: type already registered")

	// ErrInvalidDefinition is returned for a definition without a name.
	ErrInvalidDefinition = errors.New("component: definition has no name")
)

// Sender delivers a message to a connection.
type Sender interface {
	Send(connectionID string, msg *protocol.Message) error
}

// RoomBinder is the slice of the room broadcaster the registry needs.
type RoomBinder interface {
	Join(req room.JoinRequest) (*room.Room, error)
	Leave(connectionID, roomID, componentID string) bool
	Broadcast(roomID, event string, data any, exclude ...string) (int, error)
	OnRoomDestroyed(fn room.RoomDestroyedFunc)
}

// DispatchObserver is told about every finished dispatch.
type DispatchObserver func(componentType, action string, code protocol.ErrorCode, elapsed time.Duration)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Secret signs state snapshots. Empty generates a per-process secret.
	Secret []byte

	// Freshness bounds the age of a snapshot accepted by Rehydrate.
	// Default: 24h.
	Freshness time.Duration

	Sender Sender
	Rooms  RoomBinder
	Bus    *debugbus.Bus
	Logger *slog.Logger

	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer

	// OnDispatch observes dispatch outcomes (metrics).
	OnDispatch DispatchObserver
}

// MountRequest describes a mount.
type MountRequest struct {
	ConnectionID string
	Type         string
	State        map[string]any
	Room         string
	UserID       string
	Auth         *auth.Context
}

// MountResult is returned by Mount.
type MountResult struct {
	ComponentID  string
	InitialState map[string]any
	SignedState  string
	Room         string
}

// RehydrateRequest describes a rehydration.
type RehydrateRequest struct {
	ConnectionID string
	Type         string
	SignedState  string
	Auth         *auth.Context
}

// RehydrateResult is returned by Rehydrate.
type RehydrateResult struct {
	ComponentID    string
	OldComponentID string
	State          map[string]any
	SignedState    string
	Room           string
}

// Result is the outcome of Dispatch. Callers branch on OK.
type Result struct {
	OK      bool
	Value   any
	Code    protocol.ErrorCode
	Err     error
	Elapsed time.Duration
}

// Failed builds a failed Result from err.
func Failed(err error) Result {
	return Result{Code: protocol.CodeOf(err), Err: err}
}

type mountKey struct {
	connectionID string
	typeName     string
}

// mountGate tracks a failed mount. retry is set when auth changes from
// denied to granted and is consumed by the next attempt.
type mountGate struct {
	retry bool
}

// Registry owns component definitions and instances.
type Registry struct {
	signer     *Signer
	sender     Sender
	rooms      RoomBinder
	bus        *debugbus.Bus
	logger     *slog.Logger
	tracer     trace.Tracer
	onDispatch DispatchObserver

	defsMu sync.RWMutex
	defs   map[string]*Definition

	mu         sync.RWMutex
	instances  map[string]*Instance
	byConn     map[string]map[string]struct{}
	tombstones map[string]struct{}
	gates      map[mountKey]*mountGate
}

// NewRegistry creates a registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/vango-dev/livesync/pkg/component")
	}
	r := &Registry{
		signer:     NewSigner(cfg.Secret, cfg.Freshness),
		sender:     cfg.Sender,
		rooms:      cfg.Rooms,
		bus:        cfg.Bus,
		logger:     logger.With("component", "registry"),
		tracer:     tracer,
		onDispatch: cfg.OnDispatch,
		defs:       make(map[string]*Definition),
		instances:  make(map[string]*Instance),
		byConn:     make(map[string]map[string]struct{}),
		tombstones: make(map[string]struct{}),
		gates:      make(map[mountKey]*mountGate),
	}
	if r.rooms != nil {
		r.rooms.OnRoomDestroyed(r.roomDestroyed)
	}
	return r
}

// Signer returns the snapshot signer.
func (r *Registry) Signer() *Signer { return r.signer }

// Register adds a component type.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return ErrInvalidDefinition
	}
	r.defsMu.Lock()
	defer r.defsMu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(defs ...*Definition) {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Definition returns a registered type.
func (r *Registry) Definition(name string) (*Definition, bool) {
	r.defsMu.RLock()
	defer r.defsMu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.defsMu.RLock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	r.defsMu.RUnlock()
	sort.Strings(out)
	return out
}

// Get returns a live instance. Invalidated ids are never returned.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Count returns the number of live instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// ComponentsOf returns the ids of instances owned by a connection, sorted.
func (r *Registry) ComponentsOf(connectionID string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byConn[connectionID]))
	for id := range r.byConn[connectionID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Invalidated reports whether id was unmounted or superseded.
func (r *Registry) Invalidated(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tombstones[id]
	return ok
}

// Mount creates a new instance of req.Type for a connection.
func (r *Registry) Mount(ctx context.Context, req MountRequest) (*MountResult, error) {
	def, ok := r.Definition(req.Type)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeTypeNotFound, "component type %q not registered", req.Type)
	}
	key := mountKey{req.ConnectionID, req.Type}
	if err := r.passGate(key); err != nil {
		return nil, err
	}
	if err := authorize(def, req.Auth); err != nil {
		r.closeGate(key)
		return nil, err
	}

	userID := req.UserID
	if userID == "" {
		userID = req.Auth.UserID()
	}
	inst, err := r.create(ctx, def, req.ConnectionID, userID, req.Auth, state.Merge(def.InitialState, req.State), req.Room, PhaseMounting)
	if err != nil {
		r.closeGate(key)
		return nil, err
	}
	r.openGate(key)

	signed, err := r.Snapshot(inst.id)
	if err != nil {
		r.logger.Warn("snapshot failed", "component_id", inst.id, "error", err)
	}
	r.logger.Info("component mounted", "component_id", inst.id, "type", def.Name, "connection_id", req.ConnectionID)
	r.bus.Emit(debugbus.EventComponentMount, inst.id, map[string]any{
		"type":       def.Name,
		"connection": req.ConnectionID,
		"room":       req.Room,
		"state":      inst.state.Snapshot(),
	})
	return &MountResult{
		ComponentID:  inst.id,
		InitialState: inst.state.Snapshot(),
		SignedState:  signed,
		Room:         req.Room,
	}, nil
}

// Rehydrate restores a component from a signed snapshot into a freshly
// minted instance. The snapshot's component id is invalidated, except that
// a live instance owned by another connection and user is left running.
func (r *Registry) Rehydrate(ctx context.Context, req RehydrateRequest) (*RehydrateResult, error) {
	snap, err := r.signer.Verify(req.SignedState)
	if err != nil {
		r.bus.Emit(debugbus.EventComponentRehydrate, "", map[string]any{"error": err.Error()})
		return nil, err
	}
	if req.Type != "" && req.Type != snap.Type {
		return nil, protocol.Errorf(protocol.CodeRehydrationInvalid, "snapshot is for %q, not %q", snap.Type, req.Type)
	}
	def, ok := r.Definition(snap.Type)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeTypeNotFound, "component type %q not registered", snap.Type)
	}
	if snap.UserID != "" && snap.UserID != req.Auth.UserID() {
		return nil, protocol.NewError(protocol.CodeRehydrationInvalid, "snapshot bound to a different user")
	}
	key := mountKey{req.ConnectionID, snap.Type}
	if err := r.passGate(key); err != nil {
		return nil, err
	}
	if err := authorize(def, req.Auth); err != nil {
		r.closeGate(key)
		return nil, err
	}

	// The old id is retired here unless it is still live under someone else;
	// an anonymous blob is no proof of owning another connection's component.
	if snap.ComponentID != "" {
		if old, live := r.Get(snap.ComponentID); live && !mayRetire(old, req) {
			r.logger.Debug("snapshot source still live elsewhere", "component_id", snap.ComponentID, "owner", old.connectionID)
		} else {
			r.Unmount(snap.ComponentID)
			r.mu.Lock()
			r.tombstones[snap.ComponentID] = struct{}{}
			r.mu.Unlock()
		}
	}

	userID := snap.UserID
	if userID == "" {
		userID = req.Auth.UserID()
	}
	restored := state.Merge(def.InitialState, snap.State)
	inst, err := r.create(ctx, def, req.ConnectionID, userID, req.Auth, restored, snap.Room, PhaseRehydrating)
	if err != nil {
		r.closeGate(key)
		return nil, err
	}
	r.openGate(key)

	signed, err := r.Snapshot(inst.id)
	if err != nil {
		r.logger.Warn("snapshot failed", "component_id", inst.id, "error", err)
	}
	r.logger.Info("component rehydrated", "component_id", inst.id, "old_component_id", snap.ComponentID, "type", def.Name)
	r.bus.Emit(debugbus.EventComponentRehydrate, inst.id, map[string]any{
		"type":   def.Name,
		"oldId":  snap.ComponentID,
		"room":   snap.Room,
		"ageSec": time.Since(snap.IssuedAt).Seconds(),
	})
	return &RehydrateResult{
		ComponentID:    inst.id,
		OldComponentID: snap.ComponentID,
		State:          inst.state.Snapshot(),
		SignedState:    signed,
		Room:           snap.Room,
	}, nil
}

// mayRetire reports whether a rehydration may unmount the live instance its
// snapshot came from: the same connection, or the same authenticated user.
func mayRetire(old *Instance, req RehydrateRequest) bool {
	if old.connectionID == req.ConnectionID {
		return true
	}
	return old.userID != "" && old.userID == req.Auth.UserID()
}

// create runs the shared mount path. phase is the transitional phase the
// instance starts in.
func (r *Registry) create(ctx context.Context, def *Definition, connID, userID string, ac *auth.Context, initial map[string]any, roomID string, phase Phase) (*Instance, error) {
	inst := &Instance{
		id:           r.allocateID(),
		def:          def,
		connectionID: connID,
		userID:       userID,
		createdAt:    time.Now(),
		private:      state.NewPrivate(),
		phase:        phase,
		auth:         ac,
		rooms:        make(map[string]struct{}),
	}
	inst.state = state.New(initial, r.deltaEmitter(inst))

	actx := &ActionContext{ctx: ctx, inst: inst, reg: r}
	if roomID != "" {
		if err := r.joinRoom(inst, roomID, nil); err != nil {
			r.discard(inst)
			return nil, protocol.Errorf(protocol.CodeMountFailed, "join room %q: %v", roomID, err)
		}
	}
	if def.OnMount != nil {
		if err := safeMount(def.OnMount, actx); err != nil {
			r.logger.Warn("mount hook failed", "type", def.Name, "connection_id", connID, "error", err)
			r.discard(inst)
			return nil, protocol.Errorf(protocol.CodeMountFailed, "%s mount: %v", def.Name, err)
		}
	}

	r.mu.Lock()
	r.instances[inst.id] = inst
	owned, ok := r.byConn[connID]
	if !ok {
		owned = make(map[string]struct{})
		r.byConn[connID] = owned
	}
	owned[inst.id] = struct{}{}
	r.mu.Unlock()

	inst.setPhase(PhaseMounted)
	return inst, nil
}

// discard tears down a half-built instance and burns its id.
func (r *Registry) discard(inst *Instance) {
	for _, roomID := range inst.Rooms() {
		r.leaveRoom(inst, roomID)
	}
	inst.private.Clear()
	inst.setPhase(PhaseDestroyed)
	r.mu.Lock()
	r.tombstones[inst.id] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) allocateID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for {
		id := newID()
		if _, live := r.instances[id]; live {
			continue
		}
		if _, dead := r.tombstones[id]; dead {
			continue
		}
		return id
	}
}

// Unmount destroys an instance. Unknown or already-unmounted ids are a
// no-op; it reports whether anything was destroyed.
func (r *Registry) Unmount(id string) bool {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.instances, id)
	if owned := r.byConn[inst.connectionID]; owned != nil {
		delete(owned, id)
		if len(owned) == 0 {
			delete(r.byConn, inst.connectionID)
		}
	}
	r.tombstones[id] = struct{}{}
	r.mu.Unlock()

	if inst.def.OnUnmount != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("unmount hook panic", "component_id", id, "panic", p, "stack", string(debug.Stack()))
				}
			}()
			inst.def.OnUnmount(inst)
		}()
	}
	for _, roomID := range inst.Rooms() {
		r.leaveRoom(inst, roomID)
	}
	inst.private.Clear()
	inst.state.SetEmitter(nil)
	inst.setPhase(PhaseDestroyed)

	r.logger.Debug("component unmounted", "component_id", id, "type", inst.def.Name)
	r.bus.Emit(debugbus.EventComponentUnmount, id, map[string]any{"type": inst.def.Name})
	return true
}

// UnmountConnection destroys every instance owned by a connection and
// forgets its mount gates.
func (r *Registry) UnmountConnection(connectionID string) int {
	ids := r.ComponentsOf(connectionID)
	n := 0
	for _, id := range ids {
		if r.Unmount(id) {
			n++
		}
	}
	r.mu.Lock()
	for k := range r.gates {
		if k.connectionID == connectionID {
			delete(r.gates, k)
		}
	}
	r.mu.Unlock()
	return n
}

// AuthChanged attaches a new auth context to every instance of a
// connection. A transition to authenticated grants one retry to each mount
// that previously failed on that connection.
func (r *Registry) AuthChanged(connectionID string, ac *auth.Context) {
	for _, id := range r.ComponentsOf(connectionID) {
		if inst, ok := r.Get(id); ok {
			inst.setAuth(ac)
		}
	}
	if !ac.IsAuthenticated() {
		return
	}
	r.mu.Lock()
	for k, g := range r.gates {
		if k.connectionID == connectionID {
			g.retry = true
		}
	}
	r.mu.Unlock()
}

// Snapshot signs the current state of an instance for later rehydration.
func (r *Registry) Snapshot(id string) (string, error) {
	inst, ok := r.Get(id)
	if !ok {
		return "", protocol.Errorf(protocol.CodeComponentNotFound, "component %q not found", id)
	}
	return r.signer.Sign(Snapshot{
		Type:        inst.def.Name,
		ComponentID: inst.id,
		State:       inst.state.Snapshot(),
		Room:        inst.primaryRoom(),
		UserID:      inst.userID,
	})
}

// Close unmounts every instance.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Unmount(id)
	}
}

// passGate refuses a mount whose previous attempt failed, unless a retry
// was granted. A granted retry is consumed.
func (r *Registry) passGate(key mountKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[key]
	if !ok {
		return nil
	}
	if g.retry {
		g.retry = false
		return nil
	}
	return protocol.Errorf(protocol.CodeMountFailed, "previous %s mount failed; retry requires an auth change", key.typeName)
}

func (r *Registry) closeGate(key mountKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gates[key]; ok {
		g.retry = false
		return
	}
	r.gates[key] = &mountGate{}
}

func (r *Registry) openGate(key mountKey) {
	r.mu.Lock()
	delete(r.gates, key)
	r.mu.Unlock()
}

func (r *Registry) joinRoom(inst *Instance, roomID string, initial map[string]any) error {
	if inst.InRoom(roomID) {
		return nil
	}
	if r.rooms == nil {
		return protocol.NewError(protocol.CodeRoomNotFound, "no room system configured")
	}
	// Recorded first so a destroy racing the join can take it back out.
	inst.addRoom(roomID)
	_, err := r.rooms.Join(room.JoinRequest{
		ConnectionID: inst.connectionID,
		UserID:       inst.userID,
		ComponentID:  inst.id,
		RoomID:       roomID,
		InitialState: initial,
	})
	if err != nil {
		inst.removeRoom(roomID)
		return err
	}
	return nil
}

func (r *Registry) leaveRoom(inst *Instance, roomID string) {
	if !inst.removeRoom(roomID) || r.rooms == nil {
		return
	}
	r.rooms.Leave(inst.connectionID, roomID, inst.id)
}

// roomDestroyed drops a destroyed room from its member components and runs
// their OnRoomDestroyed hooks.
func (r *Registry) roomDestroyed(roomID string, componentIDs []string) {
	for _, id := range componentIDs {
		inst, ok := r.Get(id)
		if !ok || !inst.removeRoom(roomID) {
			continue
		}
		r.bus.Emit(debugbus.EventRoomLeave, id, map[string]any{"room": roomID, "reason": "destroyed"})
		if inst.def.OnRoomDestroyed == nil {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("room destroyed hook panic", "component_id", id, "room_id", roomID, "panic", p, "stack", string(debug.Stack()))
				}
			}()
			inst.def.OnRoomDestroyed(&ActionContext{ctx: context.Background(), inst: inst, reg: r}, roomID)
		}()
	}
}

// JoinRoom adds a live component to a room on behalf of its connection.
// initial seeds the room only if this join creates it.
func (r *Registry) JoinRoom(connectionID, componentID, roomID string, initial map[string]any) error {
	inst, err := r.Owned(connectionID, componentID)
	if err != nil {
		return err
	}
	return r.joinRoom(inst, roomID, initial)
}

// LeaveRoom removes a live component from a room.
func (r *Registry) LeaveRoom(connectionID, componentID, roomID string) error {
	inst, err := r.Owned(connectionID, componentID)
	if err != nil {
		return err
	}
	if !inst.InRoom(roomID) {
		return protocol.Errorf(protocol.CodeRoomNotFound, "component not in room %q", roomID)
	}
	r.leaveRoom(inst, roomID)
	return nil
}

// Owned returns the instance if it is live and owned by connectionID.
func (r *Registry) Owned(connectionID, componentID string) (*Instance, error) {
	inst, ok := r.Get(componentID)
	if !ok || inst.connectionID != connectionID {
		return nil, protocol.Errorf(protocol.CodeComponentNotFound, "component %q not found", componentID)
	}
	return inst, nil
}

func (r *Registry) deltaEmitter(inst *Instance) state.Emitter {
	return func(d state.Delta) {
		if inst.Phase() != PhaseDestroyed {
			r.bus.Emit(debugbus.EventStateChange, inst.id, map[string]any{"delta": map[string]any(d)})
		}
		if r.sender == nil || inst.Phase() != PhaseMounted {
			return
		}
		msg, err := protocol.NewMessage(protocol.TypeStateDelta, protocol.StateDeltaPayload{Delta: d})
		if err != nil {
			r.logger.Warn("delta encode failed", "component_id", inst.id, "error", err)
			return
		}
		msg.ComponentID = inst.id
		if err := r.sender.Send(inst.connectionID, msg); err != nil {
			r.logger.Debug("delta send failed", "component_id", inst.id, "error", err)
		}
	}
}

func authorize(def *Definition, ac *auth.Context) error {
	needsAuth := def.RequireAuth || len(def.RequiredRoles) > 0 || len(def.RequiredPermissions) > 0
	if !needsAuth {
		return nil
	}
	if !ac.IsAuthenticated() {
		return protocol.Errorf(protocol.CodeMountDenied, "%s requires authentication", def.Name)
	}
	if len(def.RequiredRoles) > 0 && !ac.HasAnyRole(def.RequiredRoles...) {
		return protocol.Errorf(protocol.CodeMountDenied, "%s requires one of roles %v", def.Name, def.RequiredRoles)
	}
	if !ac.HasAllPermissions(def.RequiredPermissions...) {
		return protocol.Errorf(protocol.CodeMountDenied, "%s requires permissions %v", def.Name, def.RequiredPermissions)
	}
	return nil
}

func safeMount(fn MountFunc, ctx *ActionContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}
