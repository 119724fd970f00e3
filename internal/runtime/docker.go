package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// DockerClient wraps the Docker SDK client for daemon introspection.
type DockerClient struct {
	inner *client.Client
}

// NewDockerClient creates a Docker client using environment defaults.
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerClient{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *DockerClient) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// ListContainers returns all containers, running or not, whose names
// start with namePrefix.
func (c *DockerClient) ListContainers(ctx context.Context, namePrefix string) ([]Container, error) {
	if c == nil || c.inner == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}
	args := filters.NewArgs(filters.Arg("name", namePrefix))
	listed, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	result := make([]Container, 0, len(listed))
	for _, item := range listed {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		// The daemon's name filter is a substring match; keep only
		// true prefix matches.
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		result = append(result, Container{
			ID:    item.ID,
			Name:  name,
			Image: item.Image,
			State: item.State,
		})
	}
	return result, nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (c *DockerClient) RemoveContainer(ctx context.Context, id string) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *DockerClient) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
