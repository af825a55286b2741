package server

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/livesync/pkg/auth"
	"github.com/vango-dev/livesync/pkg/component"
	"github.com/vango-dev/livesync/pkg/debugbus"
	"github.com/vango-dev/livesync/pkg/protocol"
	"github.com/vango-dev/livesync/pkg/room"
	"github.com/vango-dev/livesync/pkg/upload"
)

// ManagerStats is a point-in-time view of the manager.
type ManagerStats struct {
	Active      int `json:"active"`
	TotalOpened int `json:"totalOpened"`
	TotalClosed int `json:"totalClosed"`
	Peak        int `json:"peak"`
	Components  int `json:"components"`
	Rooms       int `json:"rooms"`
	Uploads     int `json:"uploads"`
}

// Manager owns live connections and routes their messages to the
// component registry, the room broadcaster and the upload manager.
type Manager struct {
	cfg      *Config
	logger   *slog.Logger
	metrics  *Metrics
	bus      *debugbus.Bus
	provider auth.Provider

	registry *component.Registry
	rooms    *room.Broadcaster
	uploads  *upload.Manager

	mu          sync.RWMutex
	conns       map[string]*Connection
	totalOpened int
	totalClosed int
	peak        int
	closed      bool
}

// managerDeps are the collaborators wired by New.
type managerDeps struct {
	logger  *slog.Logger
	metrics *Metrics
	bus     *debugbus.Bus
	store   upload.Store
}

func newManager(cfg *Config, deps managerDeps) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   deps.logger.With("component", "connections"),
		metrics:  deps.metrics,
		bus:      deps.bus,
		provider: cfg.AuthProvider,
		conns:    make(map[string]*Connection),
	}

	roomCfg := room.DefaultSystemConfig()
	if cfg.Rooms != nil {
		roomCfg.Defaults = *cfg.Rooms
	}
	roomCfg.Logger = deps.logger
	roomCfg.Bus = deps.bus
	m.rooms = room.NewBroadcaster(room.NewSystem(roomCfg), m, room.BroadcasterConfig{
		Logger: deps.logger,
		Bus:    deps.bus,
	})

	m.registry = component.NewRegistry(component.RegistryConfig{
		Secret:     cfg.RehydrationSecret,
		Freshness:  cfg.RehydrationFreshness,
		Sender:     m,
		Rooms:      m.rooms,
		Bus:        deps.bus,
		Logger:     deps.logger,
		OnDispatch: deps.metrics.observeDispatch,
	})

	upCfg := upload.DefaultManagerConfig()
	if cfg.Uploads != nil {
		c := *cfg.Uploads
		upCfg = &c
	}
	upCfg.Logger = deps.logger
	upCfg.Bus = deps.bus
	upCfg.OnChunk = deps.metrics.uploadChunk
	upCfg.OnFinish = deps.metrics.uploadFinished
	m.uploads = upload.NewManager(deps.store, upCfg)
	return m
}

// Registry returns the component registry.
func (m *Manager) Registry() *component.Registry { return m.registry }

// Rooms returns the room broadcaster.
func (m *Manager) Rooms() *room.Broadcaster { return m.rooms }

// Uploads returns the upload session manager.
func (m *Manager) Uploads() *upload.Manager { return m.uploads }

// OnConnect registers a new transport and sends CONNECTION_ESTABLISHED.
// The caller runs the connection with Serve.
func (m *Manager) OnConnect(ws *websocket.Conn, ac *auth.Context) (*Connection, error) {
	c := newConnection(m, ws, ac)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrServerClosed
	}
	if m.cfg.MaxConnections > 0 && len(m.conns) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return nil, ErrMaxConnectionsReached
	}
	m.conns[c.id] = c
	m.totalOpened++
	if len(m.conns) > m.peak {
		m.peak = len(m.conns)
	}
	m.mu.Unlock()

	m.metrics.connectionOpened()
	ac = c.Auth()
	m.logger.Info("connection opened", "connection_id", c.id, "user_id", ac.UserID())
	m.bus.Emit(debugbus.EventConnectionOpen, "", map[string]any{
		"connection":    c.id,
		"authenticated": ac.IsAuthenticated(),
	})

	hello := protocol.MustMessage(protocol.TypeConnected, protocol.ConnectedPayload{
		ConnectionID:  c.id,
		Authenticated: ac.IsAuthenticated(),
		UserID:        ac.UserID(),
		ServerTime:    time.Now().UnixMilli(),
	})
	_ = c.Send(hello)
	return c, nil
}

// Serve runs the connection's loops and blocks until it closes.
func (m *Manager) Serve(c *Connection) {
	go c.writeLoop()
	c.readLoop()
}

// OnMessage handles one inbound frame. Text frames are JSON envelopes;
// binary frames are upload chunks. Failures are answered with ERROR and
// never stop the connection.
func (m *Manager) OnMessage(connectionID string, kind int, data []byte) {
	c, ok := m.Get(connectionID)
	if !ok {
		return
	}
	if kind == websocket.BinaryMessage {
		m.metrics.message(protocol.TypeFileUploadChunk)
		m.handleChunkFrame(c, data)
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("malformed message", "error", err)
		_ = c.Send(protocol.ErrorReply(nil, err))
		return
	}
	m.metrics.message(msg.Type)
	c.logger.Debug("message", "type", msg.Type, "component_id", msg.ComponentID, "request_id", msg.RequestID)

	if msg.IsReply() && c.corr.Resolve(msg) {
		return
	}
	m.route(c, msg)
}

// OnDisconnect tears a connection down: owned components are unmounted,
// rooms left, uploads cancelled and pending requests rejected with
// CONNECTION_CLOSED. It is idempotent.
func (m *Manager) OnDisconnect(connectionID string) {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	if ok {
		delete(m.conns, connectionID)
		m.totalClosed++
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	c.Close()
	unmounted := m.registry.UnmountConnection(connectionID)
	left := m.rooms.LeaveAll(connectionID)
	cancelled := m.uploads.CancelConnection(connectionID)

	m.metrics.connectionClosed()
	m.metrics.setComponents(m.registry.Count())
	m.metrics.setRooms(m.rooms.System().Len())
	m.logger.Info("connection closed",
		"connection_id", connectionID,
		"components", unmounted,
		"rooms", left,
		"uploads", cancelled,
		"duration", time.Since(c.createdAt))
	m.bus.Emit(debugbus.EventConnectionClose, "", map[string]any{"connection": connectionID})
}

// Send implements component.Sender and room.Sender.
func (m *Manager) Send(connectionID string, msg *protocol.Message) error {
	c, ok := m.Get(connectionID)
	if !ok {
		return ErrConnectionNotFound
	}
	return c.Send(msg)
}

// Get returns a live connection.
func (m *Manager) Get(connectionID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connectionID]
	return c, ok
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// IDs returns the live connection ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Stats returns connection and subsystem counts.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	s := ManagerStats{
		Active:      len(m.conns),
		TotalOpened: m.totalOpened,
		TotalClosed: m.totalClosed,
		Peak:        m.peak,
	}
	m.mu.RUnlock()
	s.Components = m.registry.Count()
	s.Rooms = m.rooms.System().Len()
	s.Uploads = m.uploads.Len()
	return s
}

// Shutdown refuses new connections, closes every live one and stops the
// subsystems. It returns early with ctx's error if ctx ends first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, id := range m.IDs() {
			m.OnDisconnect(id)
		}
		m.registry.Close()
		m.uploads.Close()
		m.rooms.System().Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
