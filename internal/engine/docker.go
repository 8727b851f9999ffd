package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// UserLabel marks hub-owned containers and records which user owns each.
const UserLabel = "world.user"

// Docker implements Engine against the Docker daemon.
type Docker struct {
	client *client.Client
}

// NewDocker creates a Docker engine from the environment (DOCKER_HOST etc).
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{client: cli}, nil
}

// CreateAndStart creates and starts a container per the spec. A failed start
// removes the half-created container before returning.
func (d *Docker) CreateAndStart(ctx context.Context, spec CreateSpec) (string, error) {
	// Best-effort pull; workspace images are usually built locally, so a
	// registry miss is not fatal.
	if reader, err := d.client.ImagePull(ctx, spec.Image, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	} else {
		log.Printf("[ENGINE] Image pull for '%s' failed, using local image: %v", spec.Image, err)
	}

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))

	resp, err := d.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:    spec.Image,
			Hostname: spec.Hostname,
			Env:      spec.Env,
			Labels:   spec.Labels,
			ExposedPorts: nat.PortSet{
				containerPort: struct{}{},
			},
		},
		&container.HostConfig{
			Binds: []string{spec.VolumeBind},
			PortBindings: nat.PortMap{
				containerPort: []nat.PortBinding{
					{
						HostIP:   "0.0.0.0",
						HostPort: fmt.Sprintf("%d", spec.HostPort),
					},
				},
			},
		},
		nil,
		nil,
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			log.Printf("[ENGINE] Failed to remove container '%s' after failed start: %v", resp.ID, rmErr)
		}
		return "", fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	return resp.ID, nil
}

// Inspect returns the host endpoint a container's workspace port is bound to.
func (d *Docker) Inspect(ctx context.Context, id string) (Endpoint, error) {
	inspectData, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	if inspectData.NetworkSettings == nil {
		return Endpoint{}, fmt.Errorf("container %s has no network settings", id)
	}

	for _, bindings := range inspectData.NetworkSettings.Ports {
		if len(bindings) == 0 || bindings[0].HostPort == "" {
			continue
		}
		hostPort, err := nat.ParsePort(bindings[0].HostPort)
		if err != nil {
			return Endpoint{}, fmt.Errorf("failed to parse host port %s: %w", bindings[0].HostPort, err)
		}
		return Endpoint{Address: "127.0.0.1", Port: int(hostPort)}, nil
	}

	return Endpoint{}, fmt.Errorf("container %s has no bound host port", id)
}

// Stop stops a container. A container that is already stopped or removed is
// treated as stopped.
func (d *Docker) Stop(ctx context.Context, id string) error {
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// Remove removes a container. A container that is already gone is treated as
// removed.
func (d *Docker) Remove(ctx context.Context, id string) error {
	opts := container.RemoveOptions{RemoveVolumes: true}
	if err := d.client.ContainerRemove(ctx, id, opts); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// List returns all hub-owned containers, running or not.
func (d *Docker) List(ctx context.Context) ([]Info, error) {
	summaries, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", UserLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]Info, 0, len(summaries))
	for _, summary := range summaries {
		name := ""
		if len(summary.Names) > 0 {
			name = summary.Names[0]
		}
		infos = append(infos, Info{
			ID:      summary.ID,
			Name:    name,
			Labels:  summary.Labels,
			Running: summary.State == "running",
		})
	}
	return infos, nil
}

// Prune asks the engine to delete containers stopped before until and returns
// the IDs it deleted.
func (d *Docker) Prune(ctx context.Context, until time.Time) ([]string, error) {
	pruneFilters := filters.NewArgs(
		filters.Arg("until", fmt.Sprintf("%d", until.Unix())),
		filters.Arg("label", UserLabel),
	)
	report, err := d.client.ContainersPrune(ctx, pruneFilters)
	if err != nil {
		return nil, fmt.Errorf("failed to prune containers: %w", err)
	}
	return report.ContainersDeleted, nil
}
