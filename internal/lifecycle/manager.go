// Package lifecycle drives workspaces through provisioning, readiness,
// reconciliation and teardown against the container engine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/term-world/hub/internal/directory"
	"github.com/term-world/hub/internal/engine"
	"github.com/term-world/hub/internal/ports"
	"github.com/term-world/hub/internal/registry"
)

// ErrDraining is returned for provisioning attempts made while the hub is
// shutting down.
var ErrDraining = errors.New("hub is draining, not accepting new workspaces")

// ErrNotReady is returned when a freshly started container never answered the
// readiness poll before the deadline.
var ErrNotReady = errors.New("workspace never became reachable")

const (
	// workspacePort is the port the workspace image serves on inside the
	// container.
	workspacePort = 8000
	// workspaceHostname is the hostname every workspace container gets.
	workspaceHostname = "term-world"
	// readyBackoff is the delay between readiness poll attempts.
	readyBackoff = 500 * time.Millisecond
	// provisionTimeout bounds the engine-facing part of one provisioning
	// attempt, independent of the requester's own context.
	provisionTimeout = 60 * time.Second
)

// Manager creates, polls, reconciles and tears down workspace containers.
type Manager struct {
	registry  *registry.Registry
	engine    engine.Engine
	ports     *ports.Allocator
	directory *directory.Directory

	image         string
	volume        string
	readyDeadline time.Duration

	httpClient *http.Client
	group      singleflight.Group
}

// NewManager creates a lifecycle Manager.
func NewManager(reg *registry.Registry, eng engine.Engine, alloc *ports.Allocator, dir *directory.Directory, image, volume string, readyDeadline time.Duration) *Manager {
	return &Manager{
		registry:      reg,
		engine:        eng,
		ports:         alloc,
		directory:     dir,
		image:         image,
		volume:        volume,
		readyDeadline: readyDeadline,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Provision returns the user's ready workspace, creating one if needed.
// Concurrent calls for the same user share a single provisioning attempt and
// all observe its result.
func (m *Manager) Provision(ctx context.Context, user string) (registry.Workspace, error) {
	result, err, _ := m.group.Do(user, func() (interface{}, error) {
		return m.provision(user)
	})
	if err != nil {
		return registry.Workspace{}, err
	}
	return result.(registry.Workspace), nil
}

func (m *Manager) provision(user string) (registry.Workspace, error) {
	if ws, exists := m.registry.Get(user); exists {
		if ws.State == registry.StateReady {
			return ws, nil
		}
		return registry.Workspace{}, fmt.Errorf("workspace for %s is %s, try again shortly", user, ws.State)
	}

	if !m.registry.Create(user) {
		if m.registry.Draining() {
			return registry.Workspace{}, ErrDraining
		}
		// Lost a race with another creator for the same user; the registry
		// invariant held, surface whatever is there now.
		if ws, exists := m.registry.Get(user); exists && ws.State == registry.StateReady {
			return ws, nil
		}
		return registry.Workspace{}, fmt.Errorf("workspace for %s is being provisioned elsewhere", user)
	}

	return m.create(user)
}

// create runs one provisioning attempt for a user that already holds a
// provisioning record in the registry.
func (m *Manager) create(user string) (registry.Workspace, error) {
	// The engine-facing work runs on its own deadline so a requester closing
	// its connection cannot abort a provisioning attempt other requests share.
	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()

	entry, err := m.directory.Lookup(user)
	if err != nil {
		m.registry.Remove(user)
		return registry.Workspace{}, fmt.Errorf("provision %s: %w", user, err)
	}

	port, err := m.ports.Acquire()
	if err != nil {
		m.registry.Remove(user)
		return registry.Workspace{}, fmt.Errorf("provision %s: %w", user, err)
	}

	log.Printf("[LIFECYCLE] Provisioning workspace for '%s' on port %d", user, port)

	containerID, err := m.engine.CreateAndStart(ctx, engine.CreateSpec{
		Name:     user,
		Image:    m.image,
		Hostname: workspaceHostname,
		Env: []string{
			fmt.Sprintf("VS_USER=%s", user),
			fmt.Sprintf("VS_USER_ID=%d", entry.UID),
			fmt.Sprintf("GID=%d", entry.GID),
			fmt.Sprintf("DISTRICT=%s", entry.District),
		},
		VolumeBind:    fmt.Sprintf("%s:/world", m.volume),
		ContainerPort: workspacePort,
		HostPort:      port,
		Labels:        map[string]string{engine.UserLabel: user},
	})
	if err != nil {
		// The port was never published to the registry, so this flight still
		// owns it exclusively.
		m.ports.Release(port)
		m.registry.Remove(user)
		return registry.Workspace{}, fmt.Errorf("provision %s: %w", user, err)
	}

	published := m.registry.Update(user, func(ws *registry.Workspace) {
		ws.ContainerID = containerID
		ws.Address = "127.0.0.1"
		ws.Port = port
		ws.State = registry.StateAwaitingReady
	})
	if !published {
		// The record was evicted mid-flight; the port and container never
		// reached the registry, so this flight owns both.
		m.destroyContainer(containerID)
		m.ports.Release(port)
		return registry.Workspace{}, ErrDraining
	}

	// Past this point the registry record owns the port: failure paths evict
	// the record and release only what eviction returns, so a racing teardown
	// and this flight cannot both release it.
	if err := m.awaitReady(ctx, "127.0.0.1", port); err != nil {
		log.Printf("[LIFECYCLE] Workspace for '%s' failed readiness: %v", user, err)
		m.destroyContainer(containerID)
		m.evict(user)
		return registry.Workspace{}, fmt.Errorf("provision %s: %w", user, err)
	}

	if !m.registry.Transition(user, registry.StateReady, registry.StateAwaitingReady) {
		// A teardown or drain claimed the record while the container was
		// coming up; whichever side evicts the record performs the release.
		m.destroyContainer(containerID)
		m.evict(user)
		return registry.Workspace{}, ErrDraining
	}
	m.registry.Touch(user)

	ws, _ := m.registry.Get(user)
	log.Printf("[LIFECYCLE] Workspace for '%s' ready (container %.12s, port %d)", user, containerID, port)
	return ws, nil
}

// awaitReady polls the workspace's root path until it returns any HTTP
// response. The poll is a liveness probe, not a health check: the first
// accepted connection wins.
func (m *Manager) awaitReady(ctx context.Context, address string, port int) error {
	deadline := time.Now().Add(m.readyDeadline)
	url := fmt.Sprintf("http://%s:%d/", address, port)

	for attempt := 1; ; attempt++ {
		resp, err := m.httpClient.Get(url)
		if err == nil {
			resp.Body.Close()
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %d attempts", ErrNotReady, attempt)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		case <-time.After(readyBackoff):
		}
	}
}

// Teardown stops and removes one user's workspace. Calling it for a user with
// no workspace, or one already being stopped, is a no-op.
func (m *Manager) Teardown(ctx context.Context, user string) error {
	if !m.remove(ctx, user) {
		return nil
	}
	m.prune(ctx)
	return nil
}

// TeardownAll stops and removes every tracked workspace and marks the hub as
// draining so no new workspace can be provisioned. A single trailing prune
// reclaims engine-side state even when individual stop/remove calls failed.
func (m *Manager) TeardownAll(ctx context.Context) {
	m.registry.SetDraining()

	workspaces := m.registry.List()
	log.Printf("[LIFECYCLE] Draining %d workspace(s)", len(workspaces))

	for _, ws := range workspaces {
		m.remove(ctx, ws.User)
	}
	m.prune(ctx)
}

// remove transitions a workspace to stopping, stops and removes its container
// and evicts it from the registry, releasing its port. Reports whether there
// was anything to do.
func (m *Manager) remove(ctx context.Context, user string) bool {
	if !m.registry.Transition(user, registry.StateStopping,
		registry.StateReady, registry.StateIdle, registry.StateAwaitingReady, registry.StateProvisioning) {
		// Absent, or already stopping elsewhere.
		return false
	}

	ws, _ := m.registry.Get(user)

	if ws.ContainerID != "" {
		// Engine errors here are non-fatal: the trailing prune is the
		// backstop that reclaims whatever stop/remove could not.
		if err := m.engine.Stop(ctx, ws.ContainerID); err != nil {
			log.Printf("[LIFECYCLE] Stop of container %.12s for '%s' failed: %v", ws.ContainerID, user, err)
		}
		if err := m.engine.Remove(ctx, ws.ContainerID); err != nil {
			log.Printf("[LIFECYCLE] Remove of container %.12s for '%s' failed: %v", ws.ContainerID, user, err)
		}
	}

	m.evict(user)

	log.Printf("[LIFECYCLE] Workspace for '%s' torn down", user)
	return true
}

// evict drops the user's record and releases the port it carried. A published
// port is owned by its registry record, so whichever caller wins the removal
// performs the one release.
func (m *Manager) evict(user string) {
	if removed, ok := m.registry.Remove(user); ok && removed.Port > 0 {
		m.ports.Release(removed.Port)
	}
}

// destroyContainer force-removes a container that never became part of a
// usable workspace.
func (m *Manager) destroyContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.engine.Stop(ctx, id); err != nil {
		log.Printf("[LIFECYCLE] Stop of unready container %.12s failed: %v", id, err)
	}
	if err := m.engine.Remove(ctx, id); err != nil {
		log.Printf("[LIFECYCLE] Remove of unready container %.12s failed: %v", id, err)
	}
}

func (m *Manager) prune(ctx context.Context) {
	if _, err := m.engine.Prune(ctx, time.Now()); err != nil {
		log.Printf("[LIFECYCLE] Prune failed: %v", err)
	}
}

// Reconcile repairs the registry against the engine's ground truth: adopting
// running containers the registry has never heard of (gateway restart) and
// evicting entries whose container disappeared out-of-band. Running it twice
// with no engine change in between mutates nothing the second time.
func (m *Manager) Reconcile(ctx context.Context) error {
	infos, err := m.engine.List(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	engineIDs := make(map[string]bool, len(infos))
	for _, info := range infos {
		engineIDs[info.ID] = true

		user := info.Labels[engine.UserLabel]
		if user == "" {
			continue
		}
		if _, exists := m.registry.Get(user); exists {
			continue
		}

		if !info.Running {
			// A stopped orphan is useless; let the engine reclaim it.
			if err := m.engine.Remove(ctx, info.ID); err != nil {
				log.Printf("[LIFECYCLE] Removing stopped orphan %.12s failed: %v", info.ID, err)
			}
			delete(engineIDs, info.ID)
			continue
		}

		endpoint, err := m.engine.Inspect(ctx, info.ID)
		if err != nil {
			log.Printf("[LIFECYCLE] Cannot adopt container %.12s for '%s': %v", info.ID, user, err)
			continue
		}

		if !m.ports.Claim(endpoint.Port) {
			log.Printf("[LIFECYCLE] Cannot adopt container %.12s for '%s': port %d already claimed", info.ID, user, endpoint.Port)
			continue
		}
		adopted := m.registry.Adopt(registry.Workspace{
			User:        user,
			ContainerID: info.ID,
			Address:     endpoint.Address,
			Port:        endpoint.Port,
			LastActive:  time.Now(),
			State:       registry.StateReady,
		})
		if !adopted {
			m.ports.Release(endpoint.Port)
			continue
		}
		log.Printf("[LIFECYCLE] Adopted container %.12s for '%s' on port %d", info.ID, user, endpoint.Port)
	}

	// Evict workspaces whose container the engine no longer knows.
	for _, ws := range m.registry.List() {
		if ws.ContainerID == "" || engineIDs[ws.ContainerID] {
			continue
		}
		if ws.State == registry.StateStopping {
			// Teardown in flight owns this record.
			continue
		}
		if removed, ok := m.registry.Remove(ws.User); ok {
			if removed.Port > 0 {
				m.ports.Release(removed.Port)
			}
			log.Printf("[LIFECYCLE] Evicted '%s': container %.12s gone from engine", ws.User, ws.ContainerID)
		}
	}

	return nil
}

// Evicted handles container IDs the engine reports as pruned out-of-band,
// dropping any matching registry entries.
func (m *Manager) Evicted(removedIDs []string) {
	if len(removedIDs) == 0 {
		return
	}
	gone := make(map[string]bool, len(removedIDs))
	for _, id := range removedIDs {
		gone[id] = true
	}

	for _, ws := range m.registry.List() {
		if !gone[ws.ContainerID] {
			continue
		}
		if removed, ok := m.registry.Remove(ws.User); ok {
			if removed.Port > 0 {
				m.ports.Release(removed.Port)
			}
			log.Printf("[LIFECYCLE] Evicted '%s': container %.12s pruned externally", ws.User, ws.ContainerID)
		}
	}
}
