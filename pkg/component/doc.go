// Package component mounts, unmounts, rehydrates and dispatches actions on
// live components.
//
// A component type is described by a Definition. Every mount allocates an
// Instance with a fresh cryptographically random id, a public State mirrored
// to the owning connection, and a Private store that never leaves the
// server.
//
// # Lifecycle
//
//	unmounted → mounting → mounted → (rehydrating) → destroyed
//
// A failed mount is terminal for that (connection, type) pair: later mounts
// fail fast with MOUNT_FAILED until AuthChanged reports a transition to an
// authenticated context, which permits exactly one retry.
//
// # Actions
//
// Actions are deny-by-default. Only names listed in PublicActions can be
// dispatched, and even then reserved lifecycle names and names starting
// with "_" or "#" are refused:
//
//	reg.Register(&component.Definition{
//	    Name:          "Counter",
//	    InitialState:  map[string]any{"count": 0},
//	    PublicActions: []string{"increment"},
//	    Actions: map[string]component.ActionFunc{
//	        "increment": func(ctx *component.ActionContext, _ json.RawMessage) (any, error) {
//	            n, _ := ctx.State().Get("count")
//	            ctx.Set("count", n.(int)+1)
//	            return nil, nil
//	        },
//	    },
//	})
//
// Dispatch never panics out and never returns a Go error; it returns a
// Result that callers branch on.
//
// # Rehydration
//
// Snapshot signs {type, id, state, room, user, issued-at} into an HS256
// token the client keeps. Rehydrate verifies age first (older than the
// freshness window is REHYDRATION_EXPIRED regardless of signature), then the
// signature, then mints a new id and invalidates the old one. Invalidated
// ids are never reissued and never accepted by Dispatch.
package component
