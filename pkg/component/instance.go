package component

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/vango-dev/livesync/pkg/auth"
	"github.com/vango-dev/livesync/pkg/state"
)

// Phase is a component lifecycle phase.
type Phase int

const (
	PhaseUnmounted Phase = iota
	PhaseMounting
	PhaseMounted
	PhaseRehydrating
	PhaseDestroyed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnmounted:
		return "unmounted"
	case PhaseMounting:
		return "mounting"
	case PhaseMounted:
		return "mounted"
	case PhaseRehydrating:
		return "rehydrating"
	case PhaseDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Instance is one mounted component.
type Instance struct {
	id           string
	def          *Definition
	connectionID string
	userID       string
	createdAt    time.Time
	state        *state.State
	private      *state.Private

	mu    sync.RWMutex
	phase Phase
	auth  *auth.Context
	rooms map[string]struct{}
}

// ID returns the component id.
func (i *Instance) ID() string { return i.id }

// Type returns the component type name.
func (i *Instance) Type() string { return i.def.Name }

// ConnectionID returns the owning connection id.
func (i *Instance) ConnectionID() string { return i.connectionID }

// UserID returns the user bound at mount time.
func (i *Instance) UserID() string { return i.userID }

// CreatedAt returns the mount time.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// State returns the public, synchronized state.
func (i *Instance) State() *state.State { return i.state }

// Private returns the server-only state.
func (i *Instance) Private() *state.Private { return i.private }

// Phase returns the lifecycle phase.
func (i *Instance) Phase() Phase {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.phase
}

// Auth returns the auth context attached to the instance.
func (i *Instance) Auth() *auth.Context {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.auth
}

// Rooms returns the rooms the instance has joined, sorted.
func (i *Instance) Rooms() []string {
	i.mu.RLock()
	out := make([]string, 0, len(i.rooms))
	for r := range i.rooms {
		out = append(out, r)
	}
	i.mu.RUnlock()
	sort.Strings(out)
	return out
}

// InRoom reports whether the instance has joined roomID.
func (i *Instance) InRoom(roomID string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.rooms[roomID]
	return ok
}

func (i *Instance) setPhase(p Phase) {
	i.mu.Lock()
	i.phase = p
	i.mu.Unlock()
}

func (i *Instance) setAuth(ac *auth.Context) {
	i.mu.Lock()
	i.auth = ac
	i.mu.Unlock()
}

func (i *Instance) addRoom(roomID string) {
	i.mu.Lock()
	i.rooms[roomID] = struct{}{}
	i.mu.Unlock()
}

func (i *Instance) removeRoom(roomID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.rooms[roomID]; !ok {
		return false
	}
	delete(i.rooms, roomID)
	return true
}

// primaryRoom returns the room bound into snapshots.
func (i *Instance) primaryRoom() string {
	rooms := i.Rooms()
	if len(rooms) == 0 {
		return ""
	}
	return rooms[0]
}

// newID returns a cryptographically random 128-bit hex id.
func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("component: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
