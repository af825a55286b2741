// Package demo holds sample component definitions served by
// `livesync serve --demo`.
package demo

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vango-dev/livesync/pkg/component"
	"github.com/vango-dev/livesync/pkg/protocol"
)

// MaxChatHistory is how many messages a Chat component keeps in state.
const MaxChatHistory = 50

// Definitions returns every demo component.
func Definitions() []*component.Definition {
	return []*component.Definition{Counter(), Chat(), Profile()}
}

type stepInput struct {
	Step int `json:"step"`
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func add(ctx *component.ActionContext, in stepInput, sign int) (any, error) {
	step := in.Step
	if step == 0 {
		v, _ := ctx.State().Get("step")
		step = max(intValue(v), 1)
	}
	v, _ := ctx.State().Get("count")
	next := intValue(v) + sign*step
	ctx.Set("count", next)
	return next, nil
}

// Counter is a numeric counter with increment, decrement and reset.
func Counter() *component.Definition {
	return &component.Definition{
		Name:          "Counter",
		InitialState:  map[string]any{"count": 0, "step": 1},
		PublicActions: []string{"increment", "decrement", "reset"},
		Actions: map[string]component.ActionFunc{
			"increment": component.Action(func(ctx *component.ActionContext, in stepInput) (any, error) {
				return add(ctx, in, 1)
			}),
			"decrement": component.Action(func(ctx *component.ActionContext, in stepInput) (any, error) {
				return add(ctx, in, -1)
			}),
			"reset": func(ctx *component.ActionContext, _ json.RawMessage) (any, error) {
				ctx.Set("count", 0)
				return 0, nil
			},
		},
	}
}

type chatMessage struct {
	Text string `json:"text"`
}

// ChatEntry is one message in a Chat component's history.
type ChatEntry struct {
	User string `json:"user"`
	Text string `json:"text"`
	At   int64  `json:"at"`
}

// Chat joins the room named by its "room" state key (default "lobby")
// unless the mount request already named one, and relays messages to the
// other members.
func Chat() *component.Definition {
	return &component.Definition{
		Name:          "Chat",
		InitialState:  map[string]any{"room": "lobby", "messages": []any{}},
		PublicActions: []string{"send", "clear"},
		OnMount: func(ctx *component.ActionContext) error {
			// A room given at mount time wins over the state default.
			if len(ctx.Instance().Rooms()) > 0 {
				return nil
			}
			roomID, _ := ctx.State().Get("room")
			name, _ := roomID.(string)
			if name == "" {
				name = "lobby"
			}
			return ctx.JoinRoom(name)
		},
		Actions: map[string]component.ActionFunc{
			"send": component.Action(func(ctx *component.ActionContext, in chatMessage) (any, error) {
				text := strings.TrimSpace(in.Text)
				if text == "" {
					return nil, protocol.NewError(protocol.CodeActionFailed, "empty message")
				}
				user := ctx.Auth().UserID()
				if user == "" {
					user = ctx.Instance().UserID()
				}
				if user == "" {
					user = "anonymous"
				}
				entry := ChatEntry{User: user, Text: text, At: time.Now().UnixMilli()}

				history, _ := ctx.State().Get("messages")
				prev, _ := history.([]any)
				next := append(append([]any(nil), prev...), entry)
				if len(next) > MaxChatHistory {
					next = next[len(next)-MaxChatHistory:]
				}
				ctx.Set("messages", next)

				n, err := ctx.Broadcast("message", entry)
				if err != nil {
					return nil, fmt.Errorf("relay message: %w", err)
				}
				return map[string]any{"delivered": n}, nil
			}),
			"clear": func(ctx *component.ActionContext, _ json.RawMessage) (any, error) {
				ctx.Set("messages", []any{})
				return nil, nil
			},
		},
	}
}

type renameInput struct {
	DisplayName string `json:"displayName"`
}

// Profile requires an authenticated connection and keeps the display name
// in state and the last rename time in private state.
func Profile() *component.Definition {
	return &component.Definition{
		Name:          "Profile",
		RequireAuth:   true,
		InitialState:  map[string]any{"displayName": ""},
		PublicActions: []string{"rename"},
		OnMount: func(ctx *component.ActionContext) error {
			if v, _ := ctx.State().Get("displayName"); v == "" {
				ctx.Set("displayName", ctx.Auth().UserID())
			}
			return nil
		},
		Actions: map[string]component.ActionFunc{
			"rename": component.Action(func(ctx *component.ActionContext, in renameInput) (any, error) {
				name := strings.TrimSpace(in.DisplayName)
				if name == "" || len(name) > 64 {
					return nil, protocol.NewError(protocol.CodeActionFailed, "display name must be 1-64 characters")
				}
				ctx.Set("displayName", name)
				ctx.Private().Set("renamedAt", time.Now())
				return name, nil
			}),
		},
	}
}
