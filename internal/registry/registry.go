// Package registry is the in-memory source of truth mapping each user to the
// state of their workspace container.
package registry

import (
	"sync"
	"time"
)

// State is the lifecycle state of a workspace. A user with no registry entry
// has no workspace at all; eviction from the registry is what the lifecycle
// manager does once a container is confirmed gone.
type State string

const (
	StateProvisioning  State = "provisioning"
	StateAwaitingReady State = "awaiting-ready"
	StateReady         State = "ready"
	StateIdle          State = "idle"
	StateStopping      State = "stopping"
)

// Workspace is one user's container plus its routing metadata.
type Workspace struct {
	User        string    `json:"user"`
	ContainerID string    `json:"container_id"`
	Address     string    `json:"address"`
	Port        int       `json:"port"`
	Connections int       `json:"connections"`
	LastActive  time.Time `json:"last_active"`
	State       State     `json:"state"`
}

// Registry is a mutex-guarded map of user to workspace. Compound transitions
// (check-then-set) are offered as single atomic operations so callers never
// have to hold state across their own suspension points.
type Registry struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
	draining   bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workspaces: make(map[string]*Workspace)}
}

// Get returns a snapshot of the user's workspace.
func (r *Registry) Get(user string) (Workspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, exists := r.workspaces[user]
	if !exists {
		return Workspace{}, false
	}
	return *ws, true
}

// Create atomically registers a new workspace in the provisioning state.
// Returns false if the user already has a workspace or the hub is draining.
func (r *Registry) Create(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return false
	}
	if _, exists := r.workspaces[user]; exists {
		return false
	}
	r.workspaces[user] = &Workspace{
		User:       user,
		State:      StateProvisioning,
		LastActive: time.Now(),
	}
	return true
}

// Adopt registers a workspace wholesale, used when reconciliation discovers a
// container the registry does not know about. Returns false if the user
// already has an entry.
func (r *Registry) Adopt(ws Workspace) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workspaces[ws.User]; exists {
		return false
	}
	copied := ws
	r.workspaces[ws.User] = &copied
	return true
}

// Update applies fn to the user's workspace under the lock, merging fields
// without clobbering the rest of the record. Returns false if the user has no
// workspace.
func (r *Registry) Update(user string, fn func(*Workspace)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, exists := r.workspaces[user]
	if !exists {
		return false
	}
	fn(ws)
	return true
}

// Transition moves the workspace from one of the given states to the target
// state as a single check-and-set. Returns false when the workspace is absent
// or not in any of the from states.
func (r *Registry) Transition(user string, to State, from ...State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, exists := r.workspaces[user]
	if !exists {
		return false
	}
	for _, s := range from {
		if ws.State == s {
			ws.State = to
			return true
		}
	}
	return false
}

// Remove evicts the user's workspace, returning the evicted record so the
// caller can release its port.
func (r *Registry) Remove(user string) (Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, exists := r.workspaces[user]
	if !exists {
		return Workspace{}, false
	}
	delete(r.workspaces, user)
	return *ws, true
}

// Touch stamps the workspace's last-active time.
func (r *Registry) Touch(user string) {
	r.Update(user, func(ws *Workspace) {
		ws.LastActive = time.Now()
	})
}

// AddConnection records one more open proxied connection for the workspace.
func (r *Registry) AddConnection(user string) {
	r.Update(user, func(ws *Workspace) {
		ws.Connections++
		ws.LastActive = time.Now()
	})
}

// DropConnection records a closed proxied connection. The last-active stamp
// restarts the idle countdown from the moment of disconnect.
func (r *Registry) DropConnection(user string) {
	r.Update(user, func(ws *Workspace) {
		if ws.Connections > 0 {
			ws.Connections--
		}
		ws.LastActive = time.Now()
	})
}

// List returns a snapshot of all workspaces.
func (r *Registry) List() []Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		out = append(out, *ws)
	}
	return out
}

// ListByState returns a snapshot of workspaces in any of the given states.
func (r *Registry) ListByState(states ...State) []Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		for _, s := range states {
			if ws.State == s {
				out = append(out, *ws)
				break
			}
		}
	}
	return out
}

// SetDraining flips the process-wide draining flag. Once set, Create rejects
// all new workspaces.
func (r *Registry) SetDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// Draining reports whether the hub is shutting down.
func (r *Registry) Draining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draining
}
