package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/term-world/hub/internal/config"
	"github.com/term-world/hub/internal/directory"
	"github.com/term-world/hub/internal/engine"
	"github.com/term-world/hub/internal/lifecycle"
	"github.com/term-world/hub/internal/monitor"
	"github.com/term-world/hub/internal/ports"
	"github.com/term-world/hub/internal/proxy"
	"github.com/term-world/hub/internal/registry"
	"github.com/term-world/hub/internal/server"
	"github.com/term-world/hub/internal/session"
)

// workspacePort is reserved alongside the hub's own listen port so the
// allocator never hands either out to a container.
const workspacePort = 8000

func main() {
	configPath := flag.String("config", "", "Path to JSON config file")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	idleTimeout := flag.Duration("idle-timeout", 0, "Workspace idle timeout (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *idleTimeout > 0 {
		cfg.IdleTimeout = int(idleTimeout.Seconds())
	}

	dockerEngine, err := engine.NewDocker()
	if err != nil {
		log.Fatalf("Failed to initialize container engine: %v", err)
	}

	reg := registry.NewRegistry()
	allocator := ports.NewAllocator(cfg.PortMin, cfg.PortMax, workspacePort, listenPort(cfg.Listen))
	users := directory.New(cfg.DirectoryPath)
	sessions := session.NewResolver(cfg.CookieSecret)

	manager := lifecycle.NewManager(reg, dockerEngine, allocator, users,
		cfg.Image, cfg.Volume, cfg.ReadyDeadlineDuration())

	// The registry is in-memory only; rebuild it from the engine's ground
	// truth in case the hub restarted over live workspaces.
	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.Reconcile(reconcileCtx); err != nil {
		log.Printf("Startup reconcile failed: %v", err)
	}
	cancelReconcile()

	forwarder := proxy.NewForwarder(reg, func(user string) {
		staleCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := manager.Teardown(staleCtx, user); err != nil {
			log.Printf("Eviction of stale workspace for '%s' failed: %v", user, err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := monitor.NewMonitor(reg, dockerEngine, manager,
		cfg.SweepIntervalDuration(), cfg.IdleTimeoutDuration())
	go sweeper.Run(ctx)

	hub := server.NewServer(sessions, reg, manager, forwarder)
	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: hub,
	}

	go func() {
		log.Printf("Hub listening on %s (image %s, idle timeout %s)",
			cfg.Listen, cfg.Image, cfg.IdleTimeoutDuration())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server ListenAndServe error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	// Stop the sweeps, drain every workspace, then close the listener.
	// Draining is flagged before any teardown starts, so requests arriving
	// during the drain cannot provision new workspaces.
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 60*time.Second)
	manager.TeardownAll(drainCtx)
	drainCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server failed to shut down gracefully: %v", err)
	}

	log.Println("Hub exited")
}

// listenPort extracts the numeric port from a listen address like ":8080".
func listenPort(listen string) int {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
