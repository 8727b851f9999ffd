package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/term-world/hub/internal/directory"
	"github.com/term-world/hub/internal/engine"
	"github.com/term-world/hub/internal/lifecycle"
	"github.com/term-world/hub/internal/ports"
	"github.com/term-world/hub/internal/registry"
)

type fakeEngine struct {
	mu          sync.Mutex
	stopCalls   map[string]int
	removeCalls map[string]int
	pruneCalls  int
	pruneReturn []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		stopCalls:   make(map[string]int),
		removeCalls: make(map[string]int),
	}
}

func (f *fakeEngine) CreateAndStart(ctx context.Context, spec engine.CreateSpec) (string, error) {
	return "unused", nil
}

func (f *fakeEngine) Inspect(ctx context.Context, id string) (engine.Endpoint, error) {
	return engine.Endpoint{}, nil
}

func (f *fakeEngine) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls[id]++
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls[id]++
	return nil
}

func (f *fakeEngine) List(ctx context.Context) ([]engine.Info, error) {
	return nil, nil
}

func (f *fakeEngine) Prune(ctx context.Context, until time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneCalls++
	return f.pruneReturn, nil
}

func newTestMonitor(eng *fakeEngine, idleTimeout time.Duration) (*Monitor, *registry.Registry) {
	reg := registry.NewRegistry()
	alloc := ports.NewAllocator(32000, 32100)
	lm := lifecycle.NewManager(reg, eng, alloc, directory.New("unused.json"), "world:test", "worldvol", time.Second)
	return NewMonitor(reg, eng, lm, 10*time.Millisecond, idleTimeout), reg
}

func addWorkspace(reg *registry.Registry, user, containerID string, lastActive time.Time, connections int) {
	reg.Create(user)
	reg.Update(user, func(ws *registry.Workspace) {
		ws.ContainerID = containerID
		ws.State = registry.StateReady
		ws.Port = 32050
		ws.LastActive = lastActive
		ws.Connections = connections
	})
}

func TestSweepIdleTearsDownStaleWorkspace(t *testing.T) {
	eng := newFakeEngine()
	m, reg := newTestMonitor(eng, 10*time.Minute)
	addWorkspace(reg, "alice", "ctr-alice", time.Now().Add(-11*time.Minute), 0)

	m.SweepIdle(context.Background())

	if _, exists := reg.Get("alice"); exists {
		t.Fatal("stale workspace survived idle sweep")
	}
	if eng.stopCalls["ctr-alice"] != 1 || eng.removeCalls["ctr-alice"] != 1 {
		t.Fatal("stale workspace's container was not stopped and removed")
	}
}

func TestSweepIdleLeavesActiveWorkspace(t *testing.T) {
	eng := newFakeEngine()
	m, reg := newTestMonitor(eng, 10*time.Minute)
	addWorkspace(reg, "bob", "ctr-bob", time.Now().Add(-time.Minute), 0)

	m.SweepIdle(context.Background())

	if _, exists := reg.Get("bob"); !exists {
		t.Fatal("active workspace was torn down")
	}
	if eng.stopCalls["ctr-bob"] != 0 {
		t.Fatal("active workspace's container was stopped")
	}
}

func TestSweepIdleSkipsOpenConnections(t *testing.T) {
	eng := newFakeEngine()
	m, reg := newTestMonitor(eng, 10*time.Minute)
	addWorkspace(reg, "carol", "ctr-carol", time.Now().Add(-time.Hour), 2)

	m.SweepIdle(context.Background())

	if _, exists := reg.Get("carol"); !exists {
		t.Fatal("workspace with open connections was torn down")
	}
}

func TestSweepPrunedEvictsExternallyRemoved(t *testing.T) {
	eng := newFakeEngine()
	eng.pruneReturn = []string{"ctr-dave"}
	m, reg := newTestMonitor(eng, 10*time.Minute)
	addWorkspace(reg, "dave", "ctr-dave", time.Now(), 0)

	m.SweepPruned(context.Background())

	if eng.pruneCalls != 1 {
		t.Fatalf("expected one prune call, got %d", eng.pruneCalls)
	}
	if _, exists := reg.Get("dave"); exists {
		t.Fatal("externally pruned workspace still registered")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	eng := newFakeEngine()
	m, _ := newTestMonitor(eng, 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
