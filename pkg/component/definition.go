package component

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/vango-dev/livesync/pkg/protocol"
)

// ActionFunc handles one action. payload is the raw CALL_ACTION payload.
type ActionFunc func(ctx *ActionContext, payload json.RawMessage) (any, error)

// MountFunc runs after state is initialized and before the component is
// reported as mounted. An error fails the mount.
type MountFunc func(ctx *ActionContext) error

// UnmountFunc runs during cleanup.
type UnmountFunc func(inst *Instance)

// RoomDestroyedFunc runs after a room the component had joined is
// destroyed. The room is already gone from ctx.Instance().Rooms().
type RoomDestroyedFunc func(ctx *ActionContext, roomID string)

// Definition describes a component type.
type Definition struct {
	Name         string
	InitialState map[string]any

	// RequireAuth refuses mounts from unauthenticated connections.
	RequireAuth bool

	// RequiredRoles requires at least one of the roles.
	RequiredRoles []string

	// RequiredPermissions requires every permission.
	RequiredPermissions []string

	// PublicActions is the allow-list. Nil or empty means no action is
	// callable.
	PublicActions []string

	Actions   map[string]ActionFunc
	OnMount   MountFunc
	OnUnmount UnmountFunc

	OnRoomDestroyed RoomDestroyedFunc
}

// Action adapts a typed handler into an ActionFunc. The payload is decoded
// into T; a decoding failure is a protocol error.
func Action[T any](fn func(ctx *ActionContext, in T) (any, error)) ActionFunc {
	return func(ctx *ActionContext, payload json.RawMessage) (any, error) {
		var in T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, protocol.Errorf(protocol.CodeProtocol, "invalid action payload: %v", err)
			}
		}
		return fn(ctx, in)
	}
}

// reservedActions are lifecycle and framework names never callable
// remotely, even when allow-listed.
var reservedActions = map[string]struct{}{
	"setState":    {},
	"getState":    {},
	"mount":       {},
	"unmount":     {},
	"destroy":     {},
	"onMount":     {},
	"onDestroy":   {},
	"emit":        {},
	"broadcast":   {},
	"constructor": {},
	"toJSON":      {},
	"snapshot":    {},
}

// privatePrefixes mark server-internal actions.
var privatePrefixes = []string{"_", "#"}

// IsReserved reports whether name is a reserved action name.
func IsReserved(name string) bool {
	_, ok := reservedActions[name]
	return ok
}

// IsPrivate reports whether name carries a private-marker prefix.
func IsPrivate(name string) bool {
	for _, p := range privatePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// CheckCallable returns nil only if action may be dispatched remotely on
// def. The error carries ACTION_NOT_CALLABLE.
func CheckCallable(def *Definition, action string) error {
	switch {
	case action == "":
		return protocol.NewError(protocol.CodeActionNotCallable, "action name is empty")
	case IsReserved(action):
		return protocol.Errorf(protocol.CodeActionNotCallable, "action %q is reserved", action)
	case IsPrivate(action):
		return protocol.Errorf(protocol.CodeActionNotCallable, "action %q is private", action)
	case def == nil || !slices.Contains(def.PublicActions, action):
		return protocol.Errorf(protocol.CodeActionNotCallable, "action %q is not public", action)
	}
	if _, ok := def.Actions[action]; !ok {
		return protocol.Errorf(protocol.CodeActionNotCallable, "action %q has no handler", action)
	}
	return nil
}
