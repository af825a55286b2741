package server

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/vango-dev/livesync/pkg/auth"
	"github.com/vango-dev/livesync/pkg/component"
	"github.com/vango-dev/livesync/pkg/protocol"
	"github.com/vango-dev/livesync/pkg/room"
)

// route dispatches a decoded message by type. Every handler answers
// through reply or fail so the client's correlator always settles.
func (m *Manager) route(c *Connection, msg *protocol.Message) {
	ctx := auth.WithContext(context.Background(), c.Auth())

	var err error
	switch msg.Type {
	case protocol.TypeAuth:
		err = m.handleAuth(ctx, c, msg)
	case protocol.TypeComponentMount:
		err = m.handleMount(ctx, c, msg)
	case protocol.TypeComponentUnmount:
		err = m.handleUnmount(c, msg)
	case protocol.TypeComponentRehydrate:
		err = m.handleRehydrate(ctx, c, msg)
	case protocol.TypeCallAction:
		m.handleCallAction(ctx, c, msg)
	case protocol.TypeRoomJoin:
		err = m.handleRoomJoin(c, msg)
	case protocol.TypeRoomLeave:
		err = m.handleRoomLeave(c, msg)
	case protocol.TypeRoomEmit:
		err = m.handleRoomEmit(c, msg)
	case protocol.TypeRoomStateSet:
		err = m.handleRoomStateSet(c, msg)
	case protocol.TypeBroadcast:
		err = m.handleBroadcast(c, msg)
	case protocol.TypeFileUploadStart:
		err = m.handleUploadStart(c, msg)
	case protocol.TypeFileUploadChunk:
		err = m.handleUploadChunk(c, msg)
	case protocol.TypeFileUploadComplete:
		err = m.handleUploadComplete(ctx, c, msg)
	case protocol.TypeFileUploadCancel:
		err = m.handleUploadCancel(c, msg)
	case protocol.TypeComponentPing:
		var p protocol.PingPayload
		if err = msg.DecodePayload(&p); err == nil {
			m.reply(c, msg, protocol.TypeComponentPong, p)
		}
	case protocol.TypeComponentPong:
		// Late or unsolicited pong; the correlator already dropped it.
	default:
		err = protocol.Errorf(protocol.CodeProtocol, "unknown message type %q", msg.Type)
	}

	if err != nil {
		m.fail(c, msg, err)
	}
}

func (m *Manager) reply(c *Connection, req *protocol.Message, t protocol.MessageType, payload any) {
	out, err := protocol.ReplyTo(req, t, payload)
	if err != nil {
		m.fail(c, req, err)
		return
	}
	if err := c.Send(out); err != nil {
		c.logger.Debug("reply dropped", "type", t, "error", err)
	}
}

// ack answers a request that has no richer reply. Fire-and-forget
// messages (no request id) get no ACK.
func (m *Manager) ack(c *Connection, req *protocol.Message, delivered int) {
	if req.RequestID == "" {
		return
	}
	m.reply(c, req, protocol.TypeAck, protocol.AckPayload{Delivered: delivered})
}

func (m *Manager) fail(c *Connection, req *protocol.Message, err error) {
	code := protocol.CodeOf(err)
	if code == protocol.CodeInternal {
		c.logger.Error("request failed", "type", req.Type, "error", err)
	} else {
		c.logger.Debug("request rejected", "type", req.Type, "code", code, "error", err)
	}
	_ = c.Send(protocol.ErrorReply(req, err))
}

func (m *Manager) handleAuth(ctx context.Context, c *Connection, msg *protocol.Message) error {
	var p protocol.AuthPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if m.provider == nil {
		return protocol.NewError(protocol.CodeAuthDenied, "authentication is not configured")
	}
	ac, err := m.provider.Authenticate(ctx, auth.Credentials{Token: p.Token, Values: p.Credentials})
	if err != nil {
		c.logger.Info("authentication failed", "error", err)
		return protocol.NewError(protocol.CodeAuthDenied, err.Error())
	}
	if ac == nil {
		ac = auth.Anonymous()
	}

	c.setAuth(ac)
	m.registry.AuthChanged(c.id, ac)
	c.logger.Info("connection authenticated", "user_id", ac.UserID(), "authenticated", ac.IsAuthenticated())

	result := protocol.AuthResult{Authenticated: ac.IsAuthenticated(), UserID: ac.UserID()}
	if ac.User != nil {
		result.Roles = ac.User.Roles
	}
	m.reply(c, msg, protocol.TypeAuthResponse, result)
	return nil
}

// userIDFor prefers the authenticated identity; anonymous clients may
// name themselves for per-user room delivery.
func userIDFor(c *Connection, msg *protocol.Message) string {
	if ac := c.Auth(); ac.IsAuthenticated() {
		return ac.UserID()
	}
	return msg.UserID
}

func (m *Manager) handleMount(ctx context.Context, c *Connection, msg *protocol.Message) error {
	var p protocol.MountPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if p.Component == "" {
		return protocol.NewError(protocol.CodeProtocol, "mount requires a component type")
	}
	res, err := m.registry.Mount(ctx, component.MountRequest{
		ConnectionID: c.id,
		Type:         p.Component,
		State:        p.State,
		Room:         msg.Room,
		UserID:       userIDFor(c, msg),
		Auth:         c.Auth(),
	})
	if err != nil {
		return err
	}
	m.metrics.setComponents(m.registry.Count())
	m.metrics.setRooms(m.rooms.System().Len())

	out, err := protocol.ReplyTo(msg, protocol.TypeMountResponse, protocol.MountResult{
		ComponentID:  res.ComponentID,
		InitialState: res.InitialState,
		SignedState:  res.SignedState,
		Room:         res.Room,
	})
	if err != nil {
		return err
	}
	out.ComponentID = res.ComponentID
	return c.Send(out)
}

// handleUnmount treats an id that is already unmounted as done.
func (m *Manager) handleUnmount(c *Connection, msg *protocol.Message) error {
	if _, err := m.registry.Owned(c.id, msg.ComponentID); err != nil {
		if m.registry.Invalidated(msg.ComponentID) {
			m.ack(c, msg, 0)
			return nil
		}
		return err
	}
	m.registry.Unmount(msg.ComponentID)
	m.metrics.setComponents(m.registry.Count())
	m.ack(c, msg, 0)
	return nil
}

func (m *Manager) handleRehydrate(ctx context.Context, c *Connection, msg *protocol.Message) error {
	var p protocol.RehydratePayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if p.SignedState == "" {
		return protocol.NewError(protocol.CodeRehydrationInvalid, "missing signed state")
	}
	res, err := m.registry.Rehydrate(ctx, component.RehydrateRequest{
		ConnectionID: c.id,
		Type:         p.Component,
		SignedState:  p.SignedState,
		Auth:         c.Auth(),
	})
	if err != nil {
		return err
	}
	m.metrics.setComponents(m.registry.Count())

	out, err := protocol.ReplyTo(msg, protocol.TypeStateRehydrated, protocol.RehydrateResult{
		ComponentID:    res.ComponentID,
		OldComponentID: res.OldComponentID,
		State:          res.State,
		SignedState:    res.SignedState,
		Room:           res.Room,
	})
	if err != nil {
		return err
	}
	out.ComponentID = res.ComponentID
	return c.Send(out)
}

// handleCallAction always answers with ACTION_RESPONSE; failures carry
// success=false and a code instead of an ERROR message.
func (m *Manager) handleCallAction(ctx context.Context, c *Connection, msg *protocol.Message) {
	res := m.registry.Dispatch(ctx, c.id, msg.ComponentID, msg.Action, msg.Payload)

	payload := protocol.ActionResult{Success: res.OK}
	if res.OK {
		if res.Value != nil {
			raw, err := json.Marshal(res.Value)
			if err != nil {
				payload = protocol.ActionResult{Error: "result not serializable: " + err.Error(), Code: protocol.CodeActionFailed}
			} else {
				payload.Result = raw
			}
		}
	} else {
		payload.Code = res.Code
		if res.Err != nil {
			payload.Error = res.Err.Error()
		}
	}
	m.reply(c, msg, protocol.TypeActionResponse, payload)
}

func requireRoom(msg *protocol.Message) error {
	if msg.Room == "" {
		return protocol.Errorf(protocol.CodeProtocol, "%s requires a room", msg.Type)
	}
	return nil
}

// member reports whether the connection has joined roomID.
func (m *Manager) member(c *Connection, roomID string) bool {
	for _, id := range m.rooms.RoomsOf(c.id) {
		if id == roomID {
			return true
		}
	}
	return false
}

func (m *Manager) handleRoomJoin(c *Connection, msg *protocol.Message) error {
	if err := requireRoom(msg); err != nil {
		return err
	}
	var p protocol.RoomJoinPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if msg.ComponentID != "" {
		if err := m.registry.JoinRoom(c.id, msg.ComponentID, msg.Room, p.InitialState); err != nil {
			return err
		}
	} else {
		_, err := m.rooms.Join(room.JoinRequest{
			ConnectionID: c.id,
			UserID:       userIDFor(c, msg),
			RoomID:       msg.Room,
			InitialState: p.InitialState,
		})
		if err != nil {
			return err
		}
	}
	m.metrics.setRooms(m.rooms.System().Len())
	m.ack(c, msg, 0)
	return nil
}

func (m *Manager) handleRoomLeave(c *Connection, msg *protocol.Message) error {
	if err := requireRoom(msg); err != nil {
		return err
	}
	if msg.ComponentID != "" {
		if err := m.registry.LeaveRoom(c.id, msg.ComponentID, msg.Room); err != nil {
			return err
		}
	} else if !m.rooms.Leave(c.id, msg.Room, "") {
		return protocol.Errorf(protocol.CodeRoomNotFound, "not a member of room %q", msg.Room)
	}
	m.ack(c, msg, 0)
	return nil
}

func (m *Manager) handleRoomEmit(c *Connection, msg *protocol.Message) error {
	if err := requireRoom(msg); err != nil {
		return err
	}
	var p protocol.RoomEmitPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if p.Event == "" {
		return protocol.NewError(protocol.CodeProtocol, "room emit requires an event name")
	}
	if room.IsReserved(room.EventName(p.Event)) {
		return protocol.Errorf(protocol.CodeProtocol, "event %q is reserved", p.Event)
	}
	if !m.member(c, msg.Room) {
		return protocol.Errorf(protocol.CodeRoomNotFound, "not a member of room %q", msg.Room)
	}
	n, err := m.rooms.Broadcast(msg.Room, p.Event, p.Data, c.id)
	if err != nil {
		return err
	}
	m.metrics.broadcast()
	m.ack(c, msg, n)
	return nil
}

func (m *Manager) handleRoomStateSet(c *Connection, msg *protocol.Message) error {
	if err := requireRoom(msg); err != nil {
		return err
	}
	var p protocol.RoomStateSetPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if !m.member(c, msg.Room) {
		return protocol.Errorf(protocol.CodeRoomNotFound, "not a member of room %q", msg.Room)
	}
	if _, err := m.rooms.SetState(msg.Room, p.State); err != nil {
		return err
	}
	m.ack(c, msg, 0)
	return nil
}

// handleBroadcast relays a component's BROADCAST to the other connections
// in its rooms, or only in msg.Room when set.
func (m *Manager) handleBroadcast(c *Connection, msg *protocol.Message) error {
	inst, err := m.registry.Owned(c.id, msg.ComponentID)
	if err != nil {
		return err
	}
	var p protocol.RoomEmitPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if p.Event == "" {
		return protocol.NewError(protocol.CodeProtocol, "broadcast requires an event name")
	}
	if room.IsReserved(room.EventName(p.Event)) {
		return protocol.Errorf(protocol.CodeProtocol, "event %q is reserved", p.Event)
	}

	rooms := inst.Rooms()
	if msg.Room != "" {
		if !inst.InRoom(msg.Room) {
			return protocol.Errorf(protocol.CodeRoomNotFound, "component not in room %q", msg.Room)
		}
		rooms = []string{msg.Room}
	}
	total := 0
	for _, roomID := range rooms {
		n, err := m.rooms.Broadcast(roomID, p.Event, p.Data, c.id)
		if err != nil {
			return err
		}
		total += n
	}
	m.metrics.broadcast()
	m.ack(c, msg, total)
	return nil
}

func (m *Manager) handleUploadStart(c *Connection, msg *protocol.Message) error {
	var p protocol.UploadStartPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if _, err := m.uploads.Start(c.id, msg.ComponentID, p); err != nil {
		return err
	}
	m.reply(c, msg, protocol.TypeAck, protocol.AckPayload{})
	return nil
}

func (m *Manager) handleUploadChunk(c *Connection, msg *protocol.Message) error {
	var p protocol.UploadChunkPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return protocol.NewError(protocol.CodeProtocol, "chunk data is not valid base64")
	}
	progress, err := m.uploads.Chunk(c.id, p.UploadID, p.ChunkIndex, data)
	if err != nil {
		return err
	}
	m.reply(c, msg, protocol.TypeUploadProgress, progress)
	return nil
}

// handleChunkFrame handles a binary chunk frame. The reply is correlated
// through the request id carried in the frame header.
func (m *Manager) handleChunkFrame(c *Connection, data []byte) {
	frame, err := protocol.DecodeChunkFrame(data)
	if err != nil {
		c.logger.Warn("malformed chunk frame", "error", err)
		_ = c.Send(protocol.ErrorReply(nil, err))
		return
	}
	req := &protocol.Message{
		Type:        protocol.TypeFileUploadChunk,
		ComponentID: frame.Header.ComponentID,
		RequestID:   frame.Header.RequestID,
	}
	progress, err := m.uploads.Chunk(c.id, frame.Header.UploadID, frame.Header.ChunkIndex, frame.Data)
	if err != nil {
		m.fail(c, req, err)
		return
	}
	m.reply(c, req, protocol.TypeUploadProgress, progress)
}

func (m *Manager) handleUploadComplete(ctx context.Context, c *Connection, msg *protocol.Message) error {
	var p protocol.UploadCompletePayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	done, err := m.uploads.Complete(ctx, c.id, p.UploadID)
	if err != nil {
		return err
	}
	m.reply(c, msg, protocol.TypeUploadCompleted, done)
	return nil
}

func (m *Manager) handleUploadCancel(c *Connection, msg *protocol.Message) error {
	var p protocol.UploadCompletePayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if err := m.uploads.Cancel(c.id, p.UploadID); err != nil {
		return err
	}
	m.ack(c, msg, 0)
	return nil
}
