// Package monitor runs the periodic sweeps that drive workspaces toward
// teardown: the idle sweep and the prune patrol.
package monitor

import (
	"context"
	"log"
	"time"

	"github.com/term-world/hub/internal/engine"
	"github.com/term-world/hub/internal/lifecycle"
	"github.com/term-world/hub/internal/registry"
)

// Monitor owns the background sweeps.
type Monitor struct {
	registry  *registry.Registry
	engine    engine.Engine
	lifecycle *lifecycle.Manager

	interval    time.Duration
	idleTimeout time.Duration
}

// NewMonitor creates a Monitor sweeping every interval and tearing down
// workspaces idle longer than idleTimeout.
func NewMonitor(reg *registry.Registry, eng engine.Engine, lm *lifecycle.Manager, interval, idleTimeout time.Duration) *Monitor {
	return &Monitor{
		registry:    reg,
		engine:      eng,
		lifecycle:   lm,
		interval:    interval,
		idleTimeout: idleTimeout,
	}
}

// Run drives both sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("[MONITOR] Started: interval %s, idle timeout %s", m.interval, m.idleTimeout)

	for {
		select {
		case <-ctx.Done():
			log.Println("[MONITOR] Stopping")
			return
		case <-ticker.C:
			m.SweepIdle(ctx)
			m.SweepPruned(ctx)
		}
	}
}

// SweepIdle tears down workspaces whose last activity is older than the idle
// timeout. Workspaces with open proxied connections are left alone: frames
// refresh the activity stamp, and closing the last connection restarts the
// countdown.
func (m *Monitor) SweepIdle(ctx context.Context) {
	now := time.Now()
	for _, ws := range m.registry.ListByState(registry.StateReady, registry.StateIdle) {
		if ws.Connections > 0 {
			continue
		}
		if now.Sub(ws.LastActive) <= m.idleTimeout {
			continue
		}

		m.registry.Transition(ws.User, registry.StateIdle, registry.StateReady)
		log.Printf("[MONITOR] Workspace for '%s' idle for %s, tearing down", ws.User, now.Sub(ws.LastActive).Round(time.Second))
		if err := m.lifecycle.Teardown(ctx, ws.User); err != nil {
			log.Printf("[MONITOR] Teardown of '%s' failed: %v", ws.User, err)
		}
	}
}

// SweepPruned asks the engine to prune stopped containers and evicts registry
// entries for anything the engine (or an operator) removed out-of-band.
func (m *Monitor) SweepPruned(ctx context.Context) {
	removed, err := m.engine.Prune(ctx, time.Now())
	if err != nil {
		log.Printf("[MONITOR] Prune patrol failed: %v", err)
		return
	}
	m.lifecycle.Evicted(removed)
}
