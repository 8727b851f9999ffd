// Package engine abstracts the container engine behind the narrow surface the
// hub consumes: create+start, inspect, stop, remove, list, prune.
package engine

import (
	"context"
	"time"
)

// CreateSpec describes a container to create and start.
type CreateSpec struct {
	Name          string
	Image         string
	Hostname      string
	Env           []string
	VolumeBind    string
	ContainerPort int
	HostPort      int
	Labels        map[string]string
}

// Endpoint is the network location a running container is reachable at.
type Endpoint struct {
	Address string
	Port    int
}

// Info summarizes one engine-known container.
type Info struct {
	ID      string
	Name    string
	Labels  map[string]string
	Running bool
}

// Engine is the container engine as seen by the lifecycle manager.
type Engine interface {
	// CreateAndStart creates and starts a container, returning its ID.
	CreateAndStart(ctx context.Context, spec CreateSpec) (string, error)
	// Inspect returns the endpoint a container is reachable at.
	Inspect(ctx context.Context, id string) (Endpoint, error)
	// Stop stops a container. Stopping an already-gone container is not an error.
	Stop(ctx context.Context, id string) error
	// Remove removes a container. Removing an already-gone container is not an error.
	Remove(ctx context.Context, id string) error
	// List returns all containers the engine knows about that belong to the hub.
	List(ctx context.Context) ([]Info, error)
	// Prune garbage-collects containers stopped before the given time and
	// returns the IDs the engine deleted.
	Prune(ctx context.Context, until time.Time) ([]string, error)
}
