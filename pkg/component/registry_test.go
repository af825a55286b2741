package component

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/livesync/pkg/auth"
	"github.com/vango-dev/livesync/pkg/debugbus"
	"github.com/vango-dev/livesync/pkg/protocol"
	"github.com/vango-dev/livesync/pkg/room"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type outbox struct {
	mu   sync.Mutex
	msgs map[string][]*protocol.Message
}

func newOutbox() *outbox { return &outbox{msgs: make(map[string][]*protocol.Message)} }

func (o *outbox) Send(connID string, msg *protocol.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs[connID] = append(o.msgs[connID], msg)
	return nil
}

func (o *outbox) of(connID string, t protocol.MessageType) []*protocol.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*protocol.Message
	for _, m := range o.msgs[connID] {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func counterDef() *Definition {
	return &Definition{
		Name:          "Counter",
		InitialState:  map[string]any{"count": 0, "step": 1},
		PublicActions: []string{"increment", "fail", "explode", "setState"},
		Actions: map[string]ActionFunc{
			"increment": func(ctx *ActionContext, _ json.RawMessage) (any, error) {
				n, _ := ctx.State().Get("count")
				next := n.(int) + 1
				ctx.Set("count", next)
				return next, nil
			},
			"fail": func(*ActionContext, json.RawMessage) (any, error) {
				return nil, errors.New("nope")
			},
			"explode": func(*ActionContext, json.RawMessage) (any, error) {
				panic("kaboom")
			},
			"setState": func(*ActionContext, json.RawMessage) (any, error) {
				return "should never run", nil
			},
			"_secret": func(*ActionContext, json.RawMessage) (any, error) {
				return "leak", nil
			},
		},
	}
}

type fixture struct {
	reg   *Registry
	out   *outbox
	bcast *room.Broadcaster
	bus   *debugbus.Bus
}

func newFixture(t *testing.T, defs ...*Definition) *fixture {
	t.Helper()
	out := newOutbox()
	bus := debugbus.New(&debugbus.Config{Enabled: true, History: 512})
	bcast := room.NewBroadcaster(room.NewSystem(&room.SystemConfig{Logger: testLogger()}), out, room.BroadcasterConfig{Logger: testLogger()})
	reg := NewRegistry(RegistryConfig{
		Secret: []byte("test-secret"),
		Sender: out,
		Rooms:  bcast,
		Bus:    bus,
		Logger: testLogger(),
	})
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	return &fixture{reg: reg, out: out, bcast: bcast, bus: bus}
}

func TestMountMergesOverrideState(t *testing.T) {
	f := newFixture(t, counterDef())
	res, err := f.reg.Mount(context.Background(), MountRequest{
		ConnectionID: "c1",
		Type:         "Counter",
		State:        map[string]any{"count": 10},
	})
	require.NoError(t, err)
	assert.Len(t, res.ComponentID, 32)
	assert.Equal(t, map[string]any{"count": 10, "step": 1}, res.InitialState)
	assert.NotEmpty(t, res.SignedState)

	inst, ok := f.reg.Get(res.ComponentID)
	require.True(t, ok)
	assert.Equal(t, PhaseMounted, inst.Phase())
	assert.Equal(t, []string{res.ComponentID}, f.reg.ComponentsOf("c1"))
}

func TestMountUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Nope"})
	assert.ErrorIs(t, err, protocol.ErrTypeNotFound)
}

func TestMountIDsAreUnique(t *testing.T) {
	f := newFixture(t, counterDef())
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		res, err := f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Counter"})
		require.NoError(t, err)
		require.False(t, seen[res.ComponentID])
		seen[res.ComponentID] = true
	}
}

func TestMountDeniedThenRetryAfterAuthChange(t *testing.T) {
	def := counterDef()
	def.Name = "Secure"
	def.RequireAuth = true
	f := newFixture(t, def)
	ctx := context.Background()

	_, err := f.reg.Mount(ctx, MountRequest{ConnectionID: "c1", Type: "Secure", Auth: auth.Anonymous()})
	assert.ErrorIs(t, err, protocol.ErrMountDenied)

	_, err = f.reg.Mount(ctx, MountRequest{ConnectionID: "c1", Type: "Secure", Auth: auth.Anonymous()})
	assert.ErrorIs(t, err, protocol.ErrMountFailed, "no silent retry")

	// A different connection is unaffected by c1's gate.
	_, err = f.reg.Mount(ctx, MountRequest{ConnectionID: "c2", Type: "Secure", Auth: auth.Anonymous()})
	assert.ErrorIs(t, err, protocol.ErrMountDenied)

	ac := auth.NewContext(&auth.User{ID: "u1"})
	f.reg.AuthChanged("c1", ac)
	res, err := f.reg.Mount(ctx, MountRequest{ConnectionID: "c1", Type: "Secure", Auth: ac})
	require.NoError(t, err)
	inst, _ := f.reg.Get(res.ComponentID)
	assert.Equal(t, "u1", inst.UserID())
}

func TestAuthChangeGrantsOnlyOneRetry(t *testing.T) {
	def := counterDef()
	def.Name = "Flaky"
	def.OnMount = func(*ActionContext) error { return errors.New("db down") }
	f := newFixture(t, def)
	ctx := context.Background()

	_, err := f.reg.Mount(ctx, MountRequest{ConnectionID: "c1", Type: "Flaky"})
	assert.ErrorIs(t, err, protocol.ErrMountFailed)

	ac := auth.NewContext(&auth.User{ID: "u1"})
	f.reg.AuthChanged("c1", ac)
	_, err = f.reg.Mount(ctx, MountRequest{ConnectionID: "c1", Type: "Flaky", Auth: ac})
	assert.ErrorIs(t, err, protocol.ErrMountFailed)
	assert.Contains(t, err.Error(), "db down")

	_, err = f.reg.Mount(ctx, MountRequest{ConnectionID: "c1", Type: "Flaky", Auth: ac})
	require.ErrorIs(t, err, protocol.ErrMountFailed)
	assert.Contains(t, err.Error(), "retry requires an auth change")
}

func TestMountRequiresRolesAndPermissions(t *testing.T) {
	def := counterDef()
	def.Name = "Admin"
	def.RequiredRoles = []string{"admin"}
	def.RequiredPermissions = []string{"stats:read"}
	f := newFixture(t, def)

	user := auth.NewContext(&auth.User{ID: "u", Roles: []string{"user"}})
	_, err := f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Admin", Auth: user})
	assert.ErrorIs(t, err, protocol.ErrMountDenied)

	admin := auth.NewContext(&auth.User{ID: "a", Roles: []string{"admin"}, Permissions: []string{"stats:*"}})
	_, err = f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c2", Type: "Admin", Auth: admin})
	assert.NoError(t, err)
}

func TestUnmountIsIdempotentAndInvalidates(t *testing.T) {
	unmounted := 0
	def := counterDef()
	def.OnUnmount = func(*Instance) { unmounted++ }
	f := newFixture(t, def)

	res, err := f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Counter"})
	require.NoError(t, err)
	inst, _ := f.reg.Get(res.ComponentID)
	inst.Private().Set("conn", "handle")

	assert.True(t, f.reg.Unmount(res.ComponentID))
	assert.False(t, f.reg.Unmount(res.ComponentID))
	assert.False(t, f.reg.Unmount("never-existed"))
	assert.Equal(t, 1, unmounted)
	assert.Equal(t, PhaseDestroyed, inst.Phase())
	assert.Equal(t, 0, inst.Private().Len())
	assert.True(t, f.reg.Invalidated(res.ComponentID))

	r := f.reg.Dispatch(context.Background(), "c1", res.ComponentID, "increment", nil)
	assert.False(t, r.OK)
	assert.Equal(t, protocol.CodeComponentNotFound, r.Code)
}

func TestDispatchSuccessEmitsDelta(t *testing.T) {
	f := newFixture(t, counterDef())
	res, err := f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Counter"})
	require.NoError(t, err)

	r := f.reg.Dispatch(context.Background(), "c1", res.ComponentID, "increment", nil)
	require.True(t, r.OK, "err: %v", r.Err)
	assert.Equal(t, 1, r.Value)

	deltas := f.out.of("c1", protocol.TypeStateDelta)
	require.Len(t, deltas, 1)
	assert.Equal(t, res.ComponentID, deltas[0].ComponentID)
	var p protocol.StateDeltaPayload
	require.NoError(t, deltas[0].DecodePayload(&p))
	assert.EqualValues(t, 1, p.Delta["count"])
}

func TestDispatchDenyByDefault(t *testing.T) {
	def := &Definition{
		Name:         "Closed",
		InitialState: map[string]any{},
		Actions: map[string]ActionFunc{
			"real": func(*ActionContext, json.RawMessage) (any, error) { return "ran", nil },
		},
	}
	f := newFixture(t, def)
	res, err := f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Closed"})
	require.NoError(t, err)

	for _, name := range []string{"real", "setState", "mount", "_x", "#y", "", "anything"} {
		r := f.reg.Dispatch(context.Background(), "c1", res.ComponentID, name, nil)
		assert.False(t, r.OK, name)
		assert.Equal(t, protocol.CodeActionNotCallable, r.Code, name)
	}
}

func TestDispatchRejectsReservedAndPrivateEvenIfListed(t *testing.T) {
	def := counterDef()
	def.PublicActions = append(def.PublicActions, "_secret")
	f := newFixture(t, def)
	res, _ := f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Counter"})

	for _, name := range []string{"setState", "_secret"} {
		r := f.reg.Dispatch(context.Background(), "c1", res.ComponentID, name, nil)
		assert.Equal(t, protocol.CodeActionNotCallable, r.Code, name)
	}
}

func TestDispatchFailuresAreResults(t *testing.T) {
	f := newFixture(t, counterDef())
	res, _ := f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Counter"})

	r := f.reg.Dispatch(context.Background(), "c1", res.ComponentID, "fail", nil)
	assert.False(t, r.OK)
	assert.Equal(t, protocol.CodeActionFailed, r.Code)

	r = f.reg.Dispatch(context.Background(), "c1", res.ComponentID, "explode", nil)
	assert.False(t, r.OK)
	assert.Equal(t, protocol.CodeActionFailed, r.Code)
	assert.Contains(t, r.Err.Error(), "kaboom")

	r = f.reg.Dispatch(context.Background(), "other-conn", res.ComponentID, "increment", nil)
	assert.Equal(t, protocol.CodeComponentNotFound, r.Code)

	var types []debugbus.EventType
	for _, e := range f.bus.Recent(0) {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, debugbus.EventActionCall)
	assert.Contains(t, types, debugbus.EventActionError)
}

func TestTypedAction(t *testing.T) {
	def := &Definition{
		Name:          "Adder",
		InitialState:  map[string]any{"total": 0},
		PublicActions: []string{"add"},
		Actions: map[string]ActionFunc{
			"add": Action(func(ctx *ActionContext, in struct{ N int }) (any, error) {
				v, _ := ctx.State().Get("total")
				ctx.Set("total", v.(int)+in.N)
				return v.(int) + in.N, nil
			}),
		},
	}
	f := newFixture(t, def)
	res, _ := f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Adder"})

	r := f.reg.Dispatch(context.Background(), "c1", res.ComponentID, "add", json.RawMessage(`{"N":5}`))
	require.True(t, r.OK)
	assert.Equal(t, 5, r.Value)

	r = f.reg.Dispatch(context.Background(), "c1", res.ComponentID, "add", json.RawMessage(`"bad"`))
	assert.Equal(t, protocol.CodeProtocol, r.Code)
}

func TestRehydrateMintsNewIDAndInvalidatesOld(t *testing.T) {
	f := newFixture(t, counterDef())
	ctx := context.Background()
	res, _ := f.reg.Mount(ctx, MountRequest{ConnectionID: "c1", Type: "Counter", Room: "lobby"})
	f.reg.Dispatch(ctx, "c1", res.ComponentID, "increment", nil)
	blob, err := f.reg.Snapshot(res.ComponentID)
	require.NoError(t, err)

	f.reg.UnmountConnection("c1")

	rh, err := f.reg.Rehydrate(ctx, RehydrateRequest{ConnectionID: "c2", SignedState: blob})
	require.NoError(t, err)
	assert.NotEqual(t, res.ComponentID, rh.ComponentID)
	assert.Equal(t, res.ComponentID, rh.OldComponentID)
	assert.EqualValues(t, 1, rh.State["count"])
	assert.Equal(t, "lobby", rh.Room)
	assert.Equal(t, []string{"c2"}, f.bcast.Members("lobby"))

	r := f.reg.Dispatch(ctx, "c1", res.ComponentID, "increment", nil)
	assert.Equal(t, protocol.CodeComponentNotFound, r.Code)
}

func TestRehydrateWhileOldStillLive(t *testing.T) {
	f := newFixture(t, counterDef())
	ctx := context.Background()
	res, _ := f.reg.Mount(ctx, MountRequest{ConnectionID: "c1", Type: "Counter"})

	rh, err := f.reg.Rehydrate(ctx, RehydrateRequest{ConnectionID: "c1", SignedState: res.SignedState})
	require.NoError(t, err)
	_, live := f.reg.Get(res.ComponentID)
	assert.False(t, live)
	assert.Equal(t, 1, f.reg.Count())

	// Replaying the same snapshot is allowed to mint again but never revives the old id.
	_, ok := f.reg.Get(rh.ComponentID)
	assert.True(t, ok)
}

func TestRehydrateNeverRetiresForeignComponent(t *testing.T) {
	f := newFixture(t, counterDef())
	ctx := context.Background()

	anon, _ := f.reg.Mount(ctx, MountRequest{ConnectionID: "c1", Type: "Counter"})
	_, err := f.reg.Rehydrate(ctx, RehydrateRequest{ConnectionID: "c2", SignedState: anon.SignedState})
	require.NoError(t, err)
	_, live := f.reg.Get(anon.ComponentID)
	assert.True(t, live, "anonymous snapshot must not unmount another connection's component")
	r := f.reg.Dispatch(ctx, "c1", anon.ComponentID, "increment", nil)
	assert.True(t, r.OK)

	u1 := auth.NewContext(&auth.User{ID: "u1"})
	owned, _ := f.reg.Mount(ctx, MountRequest{ConnectionID: "c3", Type: "Counter", Auth: u1})
	_, err = f.reg.Rehydrate(ctx, RehydrateRequest{ConnectionID: "c4", SignedState: owned.SignedState, Auth: u1})
	require.NoError(t, err)
	_, live = f.reg.Get(owned.ComponentID)
	assert.False(t, live, "same user takes over from an old connection")
	assert.True(t, f.reg.Invalidated(owned.ComponentID))
}

func TestRehydrateExpiredRegardlessOfSignature(t *testing.T) {
	f := newFixture(t, counterDef())
	old := time.Now().Add(-25 * time.Hour)

	valid, err := f.reg.Signer().Sign(Snapshot{Type: "Counter", State: map[string]any{"count": 1}, IssuedAt: old})
	require.NoError(t, err)
	forged, err := NewSigner([]byte("wrong"), 0).Sign(Snapshot{Type: "Counter", IssuedAt: old})
	require.NoError(t, err)

	for _, blob := range []string{valid, forged} {
		_, err := f.reg.Rehydrate(context.Background(), RehydrateRequest{ConnectionID: "c1", SignedState: blob})
		assert.ErrorIs(t, err, protocol.ErrRehydrationExpired)
	}
}

func TestRehydrateInvalid(t *testing.T) {
	f := newFixture(t, counterDef())
	ctx := context.Background()

	forged, err := NewSigner([]byte("wrong"), 0).Sign(Snapshot{Type: "Counter"})
	require.NoError(t, err)
	for _, blob := range []string{"", "garbage", forged} {
		_, err := f.reg.Rehydrate(ctx, RehydrateRequest{ConnectionID: "c1", SignedState: blob})
		assert.ErrorIs(t, err, protocol.ErrRehydrationInvalid, blob)
	}

	bound, err := f.reg.Signer().Sign(Snapshot{Type: "Counter", UserID: "alice"})
	require.NoError(t, err)
	_, err = f.reg.Rehydrate(ctx, RehydrateRequest{
		ConnectionID: "c1",
		SignedState:  bound,
		Auth:         auth.NewContext(&auth.User{ID: "mallory"}),
	})
	assert.ErrorIs(t, err, protocol.ErrRehydrationInvalid)

	_, err = f.reg.Rehydrate(ctx, RehydrateRequest{ConnectionID: "c1", SignedState: bound, Type: "Other"})
	assert.ErrorIs(t, err, protocol.ErrRehydrationInvalid)
}

func TestBroadcastFromActionExcludesOwnConnection(t *testing.T) {
	def := &Definition{
		Name:          "Chat",
		InitialState:  map[string]any{},
		PublicActions: []string{"say"},
		Actions: map[string]ActionFunc{
			"say": func(ctx *ActionContext, p json.RawMessage) (any, error) {
				return ctx.Broadcast("message", p)
			},
		},
	}
	f := newFixture(t, def)
	ctx := context.Background()
	a, _ := f.reg.Mount(ctx, MountRequest{ConnectionID: "a", Type: "Chat", Room: "general"})
	_, _ = f.reg.Mount(ctx, MountRequest{ConnectionID: "b", Type: "Chat", Room: "general"})

	r := f.reg.Dispatch(ctx, "a", a.ComponentID, "say", json.RawMessage(`{"text":"hi"}`))
	require.True(t, r.OK)
	assert.Equal(t, 1, r.Value)
	assert.Empty(t, f.out.of("a", protocol.TypeRoomEvent))
	assert.Len(t, f.out.of("b", protocol.TypeRoomEvent), 1)
}

func TestUnmountLeavesRooms(t *testing.T) {
	f := newFixture(t, counterDef())
	res, _ := f.reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Counter", Room: "r"})
	assert.Equal(t, []string{"c1"}, f.bcast.Members("r"))
	f.reg.Unmount(res.ComponentID)
	assert.Empty(t, f.bcast.Members("r"))
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, counterDef())
	assert.ErrorIs(t, f.reg.Register(counterDef()), ErrDuplicateType)
	assert.ErrorIs(t, f.reg.Register(&Definition{}), ErrInvalidDefinition)
	assert.Equal(t, []string{"Counter"}, f.reg.Types())
}

func TestExpiredRoomIsDroppedFromComponents(t *testing.T) {
	out := newOutbox()
	system := room.NewSystem(&room.SystemConfig{
		Defaults: room.Options{TTL: 30 * time.Millisecond},
		Logger:   testLogger(),
	})
	bcast := room.NewBroadcaster(system, out, room.BroadcasterConfig{Logger: testLogger()})
	reg := NewRegistry(RegistryConfig{Secret: []byte("test-secret"), Sender: out, Rooms: bcast, Logger: testLogger()})

	var mu sync.Mutex
	var gone []string
	require.NoError(t, reg.Register(&Definition{
		Name:          "Chatter",
		PublicActions: []string{"say"},
		Actions: map[string]ActionFunc{
			"say": func(ctx *ActionContext, _ json.RawMessage) (any, error) {
				return ctx.Broadcast("said", nil)
			},
		},
		OnRoomDestroyed: func(ctx *ActionContext, roomID string) {
			mu.Lock()
			defer mu.Unlock()
			gone = append(gone, roomID)
		},
	}))

	res, err := reg.Mount(context.Background(), MountRequest{ConnectionID: "c1", Type: "Chatter", Room: "ttlroom"})
	require.NoError(t, err)
	inst, _ := reg.Get(res.ComponentID)
	require.Equal(t, []string{"ttlroom"}, inst.Rooms())

	require.Eventually(t, func() bool { return len(inst.Rooms()) == 0 }, time.Second, 5*time.Millisecond)
	_, exists := system.Get("ttlroom")
	assert.False(t, exists)
	mu.Lock()
	assert.Equal(t, []string{"ttlroom"}, gone)
	mu.Unlock()

	r := reg.Dispatch(context.Background(), "c1", res.ComponentID, "say", nil)
	require.True(t, r.OK, "dispatch failed: %v", r.Err)
	assert.Equal(t, 0, r.Value)

	signed, err := reg.Snapshot(res.ComponentID)
	require.NoError(t, err)
	snap, err := reg.Signer().Verify(signed)
	require.NoError(t, err)
	assert.Empty(t, snap.Room)
}
