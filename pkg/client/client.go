// Package client is a Go client for the live sync WebSocket protocol. It
// is used by tests, tools and services that drive components remotely.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/livesync/pkg/correlator"
	"github.com/vango-dev/livesync/pkg/protocol"
	"github.com/vango-dev/livesync/pkg/upload"
)

// ErrClosed is returned when using a closed client.
var ErrClosed = errors.New("client: closed")

// Config configures a Client.
type Config struct {
	// Token is sent as a bearer token on the handshake.
	Token string

	// Header adds handshake headers.
	Header http.Header

	// RequestTimeout is the default request deadline. Default: 10s.
	RequestTimeout time.Duration

	// HandshakeTimeout bounds the dial and the CONNECTION_ESTABLISHED
	// wait. Default: 10s.
	HandshakeTimeout time.Duration

	// AutoPong answers COMPONENT_PING. Default: true via DefaultConfig.
	AutoPong bool

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		AutoPong:         true,
	}
}

// Handler receives unsolicited messages.
type Handler func(msg *protocol.Message)

// Client is one connection to a live sync server.
type Client struct {
	ws     *websocket.Conn
	cfg    Config
	corr   *correlator.Correlator
	logger *slog.Logger

	connectionID  string
	authenticated bool

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[protocol.MessageType]map[uint64]Handler
	nextID   uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to url (ws:// or wss://) and waits for the server's
// CONNECTION_ESTABLISHED message.
func Dial(ctx context.Context, url string, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	for k, v := range c.Header {
		header[k] = v
	}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(c.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("client: waiting for handshake: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	hello, err := protocol.Decode(data)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if hello.Type != protocol.TypeConnected {
		ws.Close()
		return nil, fmt.Errorf("client: expected %s, got %s", protocol.TypeConnected, hello.Type)
	}
	var p protocol.ConnectedPayload
	if err := hello.DecodePayload(&p); err != nil {
		ws.Close()
		return nil, err
	}

	cl := &Client{
		ws:            ws,
		cfg:           c,
		corr:          correlator.New(c.RequestTimeout),
		logger:        logger.With("component", "client", "connection_id", p.ConnectionID),
		connectionID:  p.ConnectionID,
		authenticated: p.Authenticated,
		handlers:      make(map[protocol.MessageType]map[uint64]Handler),
		done:          make(chan struct{}),
	}
	go cl.readLoop()
	return cl, nil
}

// ConnectionID returns the id the server assigned.
func (c *Client) ConnectionID() string { return c.connectionID }

// Authenticated reports whether the handshake carried valid credentials.
func (c *Client) Authenticated() bool { return c.authenticated }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// On registers fn for every unsolicited message of type t. The returned
// func removes it.
func (c *Client) On(t protocol.MessageType, fn Handler) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	hs, ok := c.handlers[t]
	if !ok {
		hs = make(map[uint64]Handler)
		c.handlers[t] = hs
	}
	hs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers[t], id)
		c.mu.Unlock()
	}
}

// Subscribe registers fn for BROADCAST and ROOM_EVENT messages on behalf of
// componentID. Messages sent by that component itself are skipped.
func (c *Client) Subscribe(componentID string, fn Handler) (off func()) {
	return c.corr.Handle(componentID, correlator.Handler(fn))
}

// Send writes msg without waiting for a reply.
func (c *Client) Send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// Request sends msg and waits for the correlated reply. An ERROR reply is
// returned as a *protocol.Error.
func (c *Client) Request(ctx context.Context, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	return c.corr.Request(ctx, msg, timeout, c.Send)
}

// RequestChunk sends a binary chunk frame and waits for its progress reply.
func (c *Client) RequestChunk(ctx context.Context, header protocol.ChunkHeader, data []byte, timeout time.Duration) (*protocol.Message, error) {
	carrier := &protocol.Message{Type: protocol.TypeFileUploadChunk, ComponentID: header.ComponentID}
	return c.corr.Request(ctx, carrier, timeout, func(m *protocol.Message) error {
		header.RequestID = m.RequestID
		frame, err := protocol.EncodeChunkFrame(header, data)
		if err != nil {
			return err
		}
		return c.write(websocket.BinaryMessage, frame)
	})
}

// Close closes the connection and fails pending requests.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.finish(ErrClosed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Client) finish(cause error) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	c.err = cause
	close(c.done)
	c.mu.Unlock()
	c.corr.Close(protocol.NewError(protocol.CodeConnectionClosed, cause.Error()))
}

func (c *Client) write(kind int, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(kind, data)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			_ = c.ws.Close()
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("malformed server message", "error", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg *protocol.Message) {
	if msg.IsReply() && c.corr.Resolve(msg) {
		return
	}

	switch msg.Type {
	case protocol.TypeComponentPing:
		if c.cfg.AutoPong {
			var p protocol.PingPayload
			_ = msg.DecodePayload(&p)
			if pong, err := protocol.ReplyTo(msg, protocol.TypeComponentPong, p); err == nil {
				_ = c.Send(pong)
			}
		}
	case protocol.TypeBroadcast, protocol.TypeRoomEvent:
		c.corr.Deliver(msg)
	}

	c.mu.RLock()
	hs := make([]Handler, 0, len(c.handlers[msg.Type]))
	for _, fn := range c.handlers[msg.Type] {
		hs = append(hs, fn)
	}
	c.mu.RUnlock()
	for _, fn := range hs {
		fn(msg)
	}
}

// request builds a message, sends it and decodes the reply payload into
// out when out is non-nil.
func (c *Client) request(ctx context.Context, t protocol.MessageType, componentID, room string, payload, out any) (*protocol.Message, error) {
	msg, err := protocol.NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	msg.ComponentID = componentID
	msg.Room = room
	reply, err := c.Request(ctx, msg, 0)
	if err != nil {
		return reply, err
	}
	if out != nil {
		if err := reply.DecodePayload(out); err != nil {
			return reply, err
		}
	}
	return reply, nil
}

// Authenticate sends AUTH with a bearer token.
func (c *Client) Authenticate(ctx context.Context, token string) (*protocol.AuthResult, error) {
	var res protocol.AuthResult
	if _, err := c.request(ctx, protocol.TypeAuth, "", "", protocol.AuthPayload{Token: token}, &res); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.authenticated = res.Authenticated
	c.mu.Unlock()
	return &res, nil
}

// Mount mounts a component of typeName, optionally into room.
func (c *Client) Mount(ctx context.Context, typeName string, state map[string]any, room string) (*protocol.MountResult, error) {
	var res protocol.MountResult
	_, err := c.request(ctx, protocol.TypeComponentMount, "", room, protocol.MountPayload{Component: typeName, State: state}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Unmount destroys a component.
func (c *Client) Unmount(ctx context.Context, componentID string) error {
	_, err := c.request(ctx, protocol.TypeComponentUnmount, componentID, "", nil, nil)
	return err
}

// Rehydrate restores a component from a signed snapshot.
func (c *Client) Rehydrate(ctx context.Context, typeName, signedState string) (*protocol.RehydrateResult, error) {
	var res protocol.RehydrateResult
	_, err := c.request(ctx, protocol.TypeComponentRehydrate, "", "", protocol.RehydratePayload{Component: typeName, SignedState: signedState}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Call invokes an action. A failed action is not a Go error: inspect
// Success and Code on the result.
func (c *Client) Call(ctx context.Context, componentID, action string, payload any) (*protocol.ActionResult, error) {
	msg, err := protocol.NewMessage(protocol.TypeCallAction, payload)
	if err != nil {
		return nil, err
	}
	msg.ComponentID = componentID
	msg.Action = action
	reply, err := c.Request(ctx, msg, 0)
	if err != nil {
		return nil, err
	}
	var res protocol.ActionResult
	if err := reply.DecodePayload(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// JoinRoom joins room, as componentID when non-empty.
func (c *Client) JoinRoom(ctx context.Context, componentID, room string, initialState map[string]any) error {
	_, err := c.request(ctx, protocol.TypeRoomJoin, componentID, room, protocol.RoomJoinPayload{InitialState: initialState}, nil)
	return err
}

// LeaveRoom leaves room.
func (c *Client) LeaveRoom(ctx context.Context, componentID, room string) error {
	_, err := c.request(ctx, protocol.TypeRoomLeave, componentID, room, nil, nil)
	return err
}

// Emit sends event to the other members of room and returns how many
// connections received it.
func (c *Client) Emit(ctx context.Context, room, event string, data any) (int, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	var ack protocol.AckPayload
	_, err = c.request(ctx, protocol.TypeRoomEmit, "", room, protocol.RoomEmitPayload{Event: event, Data: raw}, &ack)
	return ack.Delivered, err
}

// Broadcast relays event from componentID to the other members of its
// rooms.
func (c *Client) Broadcast(ctx context.Context, componentID, event string, data any) (int, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	var ack protocol.AckPayload
	_, err = c.request(ctx, protocol.TypeBroadcast, componentID, "", protocol.RoomEmitPayload{Event: event, Data: raw}, &ack)
	return ack.Delivered, err
}

// SetRoomState merges partial into the room's shared state.
func (c *Client) SetRoomState(ctx context.Context, room string, partial map[string]any) error {
	_, err := c.request(ctx, protocol.TypeRoomStateSet, "", room, protocol.RoomStateSetPayload{State: partial}, nil)
	return err
}

// Upload sends a file for componentID with an adaptive uploader.
func (c *Client) Upload(ctx context.Context, componentID string, f upload.FileSpec, cfg *upload.UploaderConfig) (*upload.Result, error) {
	return upload.NewUploader(c, cfg).Upload(ctx, componentID, f)
}
