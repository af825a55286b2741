package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/livesync/pkg/auth"
	"github.com/vango-dev/livesync/pkg/correlator"
	"github.com/vango-dev/livesync/pkg/protocol"
)

// Connection is one live client transport. Inbound messages are handled
// strictly in order on the read goroutine; outbound messages go through a
// bounded queue drained by the write goroutine.
type Connection struct {
	id        string
	ws        *websocket.Conn
	cfg       *ConnectionConfig
	mgr       *Manager
	logger    *slog.Logger
	corr      *correlator.Correlator
	createdAt time.Time

	authMu sync.RWMutex
	auth   *auth.Context

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	lastActive atomic.Int64
}

func newConnection(mgr *Manager, ws *websocket.Conn, ac *auth.Context) *Connection {
	if ac == nil {
		ac = auth.Anonymous()
	}
	id := uuid.NewString()
	c := &Connection{
		id:        id,
		ws:        ws,
		cfg:       mgr.cfg.Connection,
		mgr:       mgr,
		logger:    mgr.logger.With("connection_id", id),
		corr:      correlator.New(mgr.cfg.Connection.RequestTimeout),
		createdAt: time.Now(),
		auth:      ac,
		send:      make(chan []byte, mgr.cfg.Connection.SendQueueSize),
		done:      make(chan struct{}),
	}
	c.touch()
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// CreatedAt returns when the connection was accepted.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastActive returns when the last inbound message arrived.
func (c *Connection) LastActive() time.Time {
	return time.UnixMilli(c.lastActive.Load())
}

// Auth returns the connection's current auth context.
func (c *Connection) Auth() *auth.Context {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.auth
}

func (c *Connection) setAuth(ac *auth.Context) {
	c.authMu.Lock()
	c.auth = ac
	c.authMu.Unlock()
}

// Closed reports whether the connection has been closed.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Pending returns the number of server-initiated requests awaiting a reply.
func (c *Connection) Pending() int { return c.corr.Pending() }

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixMilli())
}

// Send queues msg for delivery. It never blocks. A full queue closes the
// connection and fails with ErrSendQueueFull; messages are never dropped
// from a live connection.
func (c *Connection) Send(msg *protocol.Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	data, err := msg.Encode()
	if err != nil {
		return NewConnectionError(c.id, "encode", err)
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.send <- data:
		return nil
	default:
		c.mgr.metrics.websocketError("queue_full")
		c.logger.Warn("send queue full, closing slow connection", "type", msg.Type)
		c.Close()
		return ErrSendQueueFull
	}
}

// Request sends msg and waits for the client's correlated reply.
func (c *Connection) Request(ctx context.Context, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	return c.corr.Request(ctx, msg, timeout, c.Send)
}

// Close closes the transport. Cleanup of owned components, rooms and
// uploads happens in Manager.OnDisconnect once the read loop exits.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.corr.Close(protocol.NewError(protocol.CodeConnectionClosed, "connection closed"))
		if c.ws != nil {
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = c.ws.Close()
		}
	})
}

// readLoop reads frames until the transport fails, then hands the
// connection to OnDisconnect.
func (c *Connection) readLoop() {
	defer c.mgr.OnDisconnect(c.id)

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) && !c.closed.Load() {
				c.mgr.metrics.websocketError("read")
				c.logger.Error("read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.touch()
		c.mgr.OnMessage(c.id, kind, data)
	}
}

// writeLoop drains the send queue and drives both heartbeats: WebSocket
// pings keep the transport alive, COMPONENT_PING rounds check components.
func (c *Connection) writeLoop() {
	wsPing := time.NewTicker(c.cfg.ReadTimeout * 9 / 10)
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer func() {
		wsPing.Stop()
		heartbeat.Stop()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.mgr.metrics.websocketError("write")
				c.logger.Warn("write failed", "error", err)
				c.Close()
				return
			}
		case <-wsPing.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.Close()
				return
			}
		case <-heartbeat.C:
			c.heartbeat()
		}
	}
}

// heartbeat pings every mounted component of the connection. A missing
// pong is only logged; the transport decides liveness.
func (c *Connection) heartbeat() {
	for _, componentID := range c.mgr.registry.ComponentsOf(c.id) {
		go c.ping(componentID)
	}
}

func (c *Connection) ping(componentID string) {
	start := time.Now()
	msg := protocol.MustMessage(protocol.TypeComponentPing, protocol.PingPayload{Timestamp: start.UnixMilli()})
	msg.ComponentID = componentID
	_, err := c.Request(context.Background(), msg, c.cfg.RequestTimeout)
	switch {
	case err == nil:
		c.mgr.metrics.heartbeat(time.Since(start))
	case errors.Is(err, protocol.ErrRequestTimeout):
		c.mgr.metrics.requestTimeout()
		c.logger.Warn("component missed heartbeat", "component_id", componentID)
	case errors.Is(err, protocol.ErrConnectionClosed), errors.Is(err, ErrConnectionClosed):
	default:
		c.logger.Debug("heartbeat failed", "component_id", componentID, "error", err)
	}
}
