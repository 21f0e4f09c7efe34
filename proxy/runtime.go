package proxy

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ContainerID identifies a single container within a ContainerGroup.
type ContainerID string

// ContainerState is the per-container state derived from runtime inspection,
// per spec.md §4.1 step 1.
type ContainerState int

const (
	StateIdle ContainerState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s ContainerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// RuntimeClient is the minimal capability set the LifecycleManager needs
// from a container runtime. Grounded on spec.md §6 and the teacher's
// DockerClient, generalized so per-container health is consulted the way
// the Rust original's docker_mgr.rs does (teacher's own dashboard only
// looked at container status, never health).
type RuntimeClient interface {
	// List enumerates all containers (including stopped ones) whose label
	// key matches labelKey with value labelValue.
	List(ctx context.Context, labelKey, labelValue string) ([]ContainerID, error)
	// Inspect derives the per-container lifecycle state from runtime status
	// and health, per spec.md §4.1 step 1.
	Inspect(ctx context.Context, id ContainerID) (ContainerState, error)
	// Start issues an idempotent best-effort start command.
	Start(ctx context.Context, id ContainerID) error
	// Stop issues an idempotent best-effort stop command.
	Stop(ctx context.Context, id ContainerID) error
}

// DockerRuntime implements RuntimeClient over the Docker Engine API.
// Grounded on the teacher's DockerClient (docker.go).
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon using environment defaults
// (DOCKER_HOST etc.), negotiating the API version like the teacher's
// NewDockerClient.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("proxytainer: docker client init: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close releases the underlying Docker client connection.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) List(ctx context.Context, labelKey, labelValue string) ([]ContainerID, error) {
	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", labelKey, labelValue))

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("proxytainer: list containers labeled %s=%s: %w", labelKey, labelValue, err)
	}

	ids := make([]ContainerID, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, ContainerID(c.ID))
	}
	return ids, nil
}

// Inspect implements the per-container state derivation table from
// spec.md §4.1 step 1:
//
//	running + health healthy|none    -> Running
//	running + health starting|other  -> Starting
//	restarting                       -> Starting
//	anything else                    -> Idle
func (d *DockerRuntime) Inspect(ctx context.Context, id ContainerID) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, string(id))
	if err != nil {
		return StateIdle, fmt.Errorf("proxytainer: inspect %s: %w", id, err)
	}

	if info.State == nil {
		return StateIdle, nil
	}

	switch info.State.Status {
	case "running":
		if info.State.Health == nil {
			return StateRunning, nil
		}
		switch info.State.Health.Status {
		case "healthy", "none":
			return StateRunning, nil
		default: // "starting", or any unrecognized value
			return StateStarting, nil
		}
	case "restarting":
		return StateStarting, nil
	default:
		return StateIdle, nil
	}
}

func (d *DockerRuntime) Start(ctx context.Context, id ContainerID) error {
	if err := d.cli.ContainerStart(ctx, string(id), container.StartOptions{}); err != nil {
		return fmt.Errorf("proxytainer: start %s: %w", id, err)
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, id ContainerID) error {
	if err := d.cli.ContainerStop(ctx, string(id), container.StopOptions{}); err != nil {
		return fmt.Errorf("proxytainer: stop %s: %w", id, err)
	}
	return nil
}
