package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/livesync/pkg/component"
	"github.com/vango-dev/livesync/pkg/protocol"
	"github.com/vango-dev/livesync/pkg/server"
	"github.com/vango-dev/livesync/pkg/upload"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func counterDef() *component.Definition {
	return &component.Definition{
		Name:          "Counter",
		InitialState:  map[string]any{"count": 0},
		PublicActions: []string{"add"},
		Actions: map[string]component.ActionFunc{
			"add": component.Action(func(ctx *component.ActionContext, in struct{ By int }) (any, error) {
				n, _ := ctx.State().Get("count")
				var cur int
				switch v := n.(type) {
				case int:
					cur = v
				case float64:
					cur = int(v)
				}
				ctx.Set("count", cur+in.By)
				return cur + in.By, nil
			}),
		},
	}
}

type harness struct {
	srv *server.Server
	ts  *httptest.Server
	url string
}

func newHarness(t *testing.T, cfg *server.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = server.DefaultConfig()
	}
	s := server.New(cfg.WithRehydrationSecret([]byte("client-test")))
	require.NoError(t, s.Register(counterDef()))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		ts.Close()
	})
	return &harness{
		srv: s,
		ts:  ts,
		url: "ws" + strings.TrimPrefix(ts.URL, "http") + server.PathWebSocket,
	}
}

func (h *harness) dial(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = testLogger()
	cfg.RequestTimeout = 2 * time.Second
	c, err := Dial(context.Background(), h.url, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialReceivesConnectionID(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	assert.NotEmpty(t, c.ConnectionID())
	assert.False(t, c.Authenticated())
	assert.Eventually(t, func() bool { return h.srv.Manager().Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestMountCallAndDelta(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)
	ctx := context.Background()

	deltas := make(chan map[string]any, 4)
	c.On(protocol.TypeStateDelta, func(msg *protocol.Message) {
		var p protocol.StateDeltaPayload
		if msg.DecodePayload(&p) == nil {
			deltas <- p.Delta
		}
	})

	res, err := c.Mount(ctx, "Counter", map[string]any{"count": 5}, "")
	require.NoError(t, err)
	assert.Equal(t, float64(5), res.InitialState["count"])

	ar, err := c.Call(ctx, res.ComponentID, "add", map[string]int{"By": 3})
	require.NoError(t, err)
	require.True(t, ar.Success, ar.Error)
	assert.JSONEq(t, "8", string(ar.Result))

	select {
	case d := <-deltas:
		assert.Equal(t, map[string]any{"count": float64(8)}, d)
	case <-time.After(2 * time.Second):
		t.Fatal("no STATE_DELTA")
	}

	ar, err = c.Call(ctx, res.ComponentID, "missing", nil)
	require.NoError(t, err)
	assert.False(t, ar.Success)
	assert.Equal(t, protocol.CodeActionNotCallable, ar.Code)

	require.NoError(t, c.Unmount(ctx, res.ComponentID))
	assert.NoError(t, c.Unmount(ctx, res.ComponentID), "unmount is idempotent")
	assert.ErrorIs(t, c.Unmount(ctx, "never-mounted"), protocol.ErrComponentNotFound)

	ar, err = c.Call(ctx, res.ComponentID, "add", map[string]int{"By": 1})
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeComponentNotFound, ar.Code)
}

func TestRehydrateAcrossConnections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := h.dial(t)
	res, err := first.Mount(ctx, "Counter", nil, "")
	require.NoError(t, err)
	_, err = first.Call(ctx, res.ComponentID, "add", map[string]int{"By": 2})
	require.NoError(t, err)
	signed, err := h.srv.Manager().Registry().Snapshot(res.ComponentID)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := h.dial(t)
	rr, err := second.Rehydrate(ctx, "Counter", signed)
	require.NoError(t, err)
	assert.Equal(t, res.ComponentID, rr.OldComponentID)
	assert.NotEqual(t, res.ComponentID, rr.ComponentID)
	assert.Equal(t, float64(2), rr.State["count"])

	_, err = second.Rehydrate(ctx, "Counter", "not-a-snapshot")
	assert.ErrorIs(t, err, protocol.ErrRehydrationInvalid)
}

func TestRoomEventsReachOtherMembers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.dial(t)
	b := h.dial(t)

	events := make(chan protocol.RoomEventPayload, 4)
	b.Subscribe("listener", func(msg *protocol.Message) {
		var p protocol.RoomEventPayload
		if msg.DecodePayload(&p) == nil {
			events <- p
		}
	})
	echoed := make(chan struct{}, 1)
	a.On(protocol.TypeRoomEvent, func(*protocol.Message) { echoed <- struct{}{} })

	require.NoError(t, a.JoinRoom(ctx, "", "lobby", map[string]any{"topic": "go"}))
	require.NoError(t, b.JoinRoom(ctx, "", "lobby", nil))

	n, err := a.Emit(ctx, "lobby", "hello", map[string]string{"from": "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case ev := <-events:
		assert.Equal(t, "hello", ev.Event)
		assert.JSONEq(t, `{"from":"a"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("b did not receive the room event")
	}
	select {
	case <-echoed:
		t.Fatal("sender received its own event")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.LeaveRoom(ctx, "", "lobby"))
	n, err = a.Emit(ctx, "lobby", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = b.Emit(ctx, "lobby", "hello", nil)
	assert.ErrorIs(t, err, protocol.ErrRoomNotFound)
}

func TestRoomStateSync(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.dial(t)
	b := h.dial(t)

	states := make(chan protocol.RoomStatePayload, 8)
	b.On(protocol.TypeRoomState, func(msg *protocol.Message) {
		var p protocol.RoomStatePayload
		if msg.DecodePayload(&p) == nil {
			states <- p
		}
	})

	require.NoError(t, a.JoinRoom(ctx, "", "board", map[string]any{"title": "todo"}))
	require.NoError(t, b.JoinRoom(ctx, "", "board", nil))

	full := <-states
	assert.False(t, full.Partial)
	assert.Equal(t, "todo", full.State["title"])

	require.NoError(t, a.SetRoomState(ctx, "board", map[string]any{"title": "done"}))
	select {
	case p := <-states:
		assert.True(t, p.Partial)
		assert.Equal(t, map[string]any{"title": "done"}, p.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no partial ROOM_STATE")
	}
}

func TestUploadRoundTrip(t *testing.T) {
	for _, enc := range []upload.Encoding{upload.EncodingBinary, upload.EncodingBase64} {
		h := newHarness(t, nil)
		c := h.dial(t)
		ctx := context.Background()

		res, err := c.Mount(ctx, "Counter", nil, "")
		require.NoError(t, err)

		data := make([]byte, 300_000)
		_, err = rand.Read(data)
		require.NoError(t, err)

		var last protocol.UploadProgressPayload
		cfg := upload.DefaultUploaderConfig()
		cfg.Encoding = enc
		cfg.Sizer = &upload.SizerConfig{Initial: 32 * 1024, Min: 16 * 1024, Max: 128 * 1024, TargetLatency: time.Second, AdjustmentFactor: 2}
		cfg.OnProgress = func(p protocol.UploadProgressPayload) { last = p }

		out, err := c.Upload(ctx, res.ComponentID, upload.FileSpec{
			Name:   "random.bin",
			Type:   "application/octet-stream",
			Size:   int64(len(data)),
			Reader: bytes.NewReader(data),
		}, cfg)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), out.Size)
		assert.Greater(t, out.Chunks, 1)
		assert.Equal(t, float64(100), last.Progress)

		resp, err := http.Get(h.ts.URL + out.FileURL)
		require.NoError(t, err)
		got, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "stored bytes differ (encoding %d)", enc)
	}
}

func TestCloseFailsPendingAndLaterRequests(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	require.NoError(t, c.Close())
	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrClosed)

	_, err := c.Mount(context.Background(), "Counter", nil, "")
	assert.Error(t, err)
}

func TestServerShutdownEndsClient(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	require.NoError(t, h.srv.Shutdown(context.Background()))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not notified of shutdown")
	}
	_, err := c.Call(context.Background(), "x", "add", nil)
	assert.Error(t, err)
}

func TestHeartbeatIsAnswered(t *testing.T) {
	cc := server.DefaultConnectionConfig()
	cc.HeartbeatInterval = 20 * time.Millisecond
	cc.RequestTimeout = time.Second
	h := newHarness(t, server.DefaultConfig().WithConnectionConfig(cc))
	c := h.dial(t)

	pings := make(chan struct{}, 8)
	c.On(protocol.TypeComponentPing, func(*protocol.Message) {
		select {
		case pings <- struct{}{}:
		default:
		}
	})
	_, err := c.Mount(context.Background(), "Counter", nil, "")
	require.NoError(t, err)

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no COMPONENT_PING received")
	}

	conn, ok := h.srv.Manager().Get(c.ConnectionID())
	require.True(t, ok)
	assert.Eventually(t, func() bool { return conn.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEmitMarshalsData(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	_, err := c.Emit(context.Background(), "lobby", "bad", make(chan int))
	var jerr *json.UnsupportedTypeError
	assert.ErrorAs(t, err, &jerr)
}
