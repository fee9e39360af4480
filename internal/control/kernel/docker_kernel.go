package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerKernel is the other concrete infrastructure-domain kernel: it
// executes playbook steps against the local Docker daemon (container
// restart/stop, container status for verification). Wired in as the
// domain-stack handler for `infra.docker.*` intents, parallel to
// KubernetesKernel for `infra.k8s.*`.
type DockerKernel struct {
	client  *client.Client
	version string
}

// NewDockerKernel builds a kernel talking to the daemon via the standard
// DOCKER_HOST/TLS environment, matching client.NewClientWithOpts'
// FromEnv resolution.
func NewDockerKernel(version string) (*DockerKernel, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("kernel: docker client: %w", err)
	}
	return &DockerKernel{client: cli, version: version}, nil
}

// Descriptor returns the registry descriptor for this kernel.
func (d *DockerKernel) Descriptor() Descriptor {
	return Descriptor{
		Name:           "infra-docker",
		Domain:         DomainInfrastructure,
		Capabilities:   []string{"container.restart", "container.stop", "container.status"},
		IntentPatterns: []string{"infra.docker."},
		Version:        d.version,
	}
}

// Handle dispatches an intent to the matching Docker operation. args must
// carry a "container" key naming the target container id or name.
func (d *DockerKernel) Handle(ctx context.Context, intent string, args map[string]interface{}) (interface{}, error) {
	switch intent {
	case "infra.docker.container.restart":
		return d.restart(ctx, args)
	case "infra.docker.container.stop":
		return d.stop(ctx, args)
	case "infra.docker.container.status":
		return d.status(ctx, args)
	default:
		return nil, fmt.Errorf("kernel: docker kernel has no handler for intent %q", intent)
	}
}

func (d *DockerKernel) restart(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := stringArg(args, "container")
	if err != nil {
		return nil, err
	}
	timeout := 10
	if err := d.client.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return nil, fmt.Errorf("kernel: restart container %s: %w", id, err)
	}
	return map[string]interface{}{"container": id, "action": "restarted"}, nil
}

func (d *DockerKernel) stop(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := stringArg(args, "container")
	if err != nil {
		return nil, err
	}
	timeout := 10
	if err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return nil, fmt.Errorf("kernel: stop container %s: %w", id, err)
	}
	return map[string]interface{}{"container": id, "action": "stopped"}, nil
}

func (d *DockerKernel) status(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id, err := stringArg(args, "container")
	if err != nil {
		return nil, err
	}
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("kernel: inspect container %s: %w", id, err)
	}
	return map[string]interface{}{"state": info.State.Status, "running": info.State.Running}, nil
}

// Probe reports healthy if the daemon answers Ping within the context
// deadline.
func (d *DockerKernel) Probe(ctx context.Context) Health {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := d.client.Ping(pingCtx); err != nil {
		return HealthDown
	}
	return HealthHealthy
}
