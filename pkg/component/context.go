package component

import (
	"context"

	"github.com/vango-dev/livesync/pkg/auth"
	"github.com/vango-dev/livesync/pkg/protocol"
	"github.com/vango-dev/livesync/pkg/state"
)

// ActionContext is handed to action and mount handlers.
type ActionContext struct {
	ctx  context.Context
	inst *Instance
	reg  *Registry
}

// Context returns the request context.
func (c *ActionContext) Context() context.Context { return c.ctx }

// Instance returns the component being acted on.
func (c *ActionContext) Instance() *Instance { return c.inst }

// ComponentID returns the component id.
func (c *ActionContext) ComponentID() string { return c.inst.id }

// State returns the component's public state.
func (c *ActionContext) State() *state.State { return c.inst.state }

// Private returns the component's server-only state.
func (c *ActionContext) Private() *state.Private { return c.inst.private }

// Auth returns the caller's auth context.
func (c *ActionContext) Auth() *auth.Context { return c.inst.Auth() }

// Set assigns one state key, emitting a delta only on change.
func (c *ActionContext) Set(key string, value any) bool {
	return c.inst.state.Set(key, value)
}

// Update applies a batch of state changes as a single delta.
func (c *ActionContext) Update(partial map[string]any) state.Delta {
	return c.inst.state.Update(partial)
}

// JoinRoom adds the component to a room.
func (c *ActionContext) JoinRoom(roomID string) error {
	return c.reg.joinRoom(c.inst, roomID, nil)
}

// LeaveRoom removes the component from a room.
func (c *ActionContext) LeaveRoom(roomID string) {
	c.reg.leaveRoom(c.inst, roomID)
}

// Broadcast sends event to every other connection in every room the
// component has joined. It returns the number of deliveries.
func (c *ActionContext) Broadcast(event string, data any) (int, error) {
	rooms := c.inst.Rooms()
	if len(rooms) == 0 {
		return 0, nil
	}
	if c.reg.rooms == nil {
		return 0, protocol.NewError(protocol.CodeRoomNotFound, "no room system configured")
	}
	total := 0
	for _, r := range rooms {
		n, err := c.reg.rooms.Broadcast(r, event, data, c.inst.connectionID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// BroadcastTo sends event to other connections in one room the component
// has joined.
func (c *ActionContext) BroadcastTo(roomID, event string, data any) (int, error) {
	if !c.inst.InRoom(roomID) {
		return 0, protocol.Errorf(protocol.CodeRoomNotFound, "component not in room %q", roomID)
	}
	return c.reg.rooms.Broadcast(roomID, event, data, c.inst.connectionID)
}
