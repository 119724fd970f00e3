package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/foundry/internal/stack"
)

// Compose drives service sets through the `docker compose` CLI and the
// Docker SDK. Compose owns bringing descriptors up and down; the SDK
// side handles daemon introspection.
type Compose struct {
	binary  string
	timeout time.Duration
	docker  *DockerClient
	logger  *slog.Logger

	// run is swapped in tests.
	run func(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// NewCompose wires a compose runner around the given docker client.
func NewCompose(binary string, timeout time.Duration, docker *DockerClient, logger *slog.Logger) *Compose {
	if binary == "" {
		binary = "docker"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	c := &Compose{
		binary:  binary,
		timeout: timeout,
		docker:  docker,
		logger:  logger.With("component", "compose"),
	}
	c.run = c.execute
	return c
}

func (c *Compose) execute(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

func (c *Compose) composeArgs(dir string, verb ...string) []string {
	args := []string{
		"compose",
		"-f", filepath.Join(dir, stack.DescriptorFile),
		"--env-file", filepath.Join(dir, stack.SecretsFile),
	}
	return append(args, verb...)
}

// Up brings the descriptor in dir online, detached.
func (c *Compose) Up(ctx context.Context, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := c.composeArgs(dir, "up", "-d", "--wait")
	c.logger.Info("compose up", "dir", dir)
	out, err := c.run(ctx, dir, c.binary, args...)
	if err != nil {
		return fmt.Errorf("compose up: %w: %s", err, tail(out))
	}
	return nil
}

// Down stops the descriptor's services and removes their volumes.
func (c *Compose) Down(ctx context.Context, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := c.composeArgs(dir, "down", "-v", "--remove-orphans")
	c.logger.Info("compose down", "dir", dir)
	out, err := c.run(ctx, dir, c.binary, args...)
	if err != nil {
		return fmt.Errorf("compose down: %w: %s", err, tail(out))
	}
	return nil
}

// ListContainers delegates to the Docker SDK client.
func (c *Compose) ListContainers(ctx context.Context, namePrefix string) ([]Container, error) {
	return c.docker.ListContainers(ctx, namePrefix)
}

// RemoveContainer delegates to the Docker SDK client.
func (c *Compose) RemoveContainer(ctx context.Context, id string) error {
	return c.docker.RemoveContainer(ctx, id)
}

// Ping delegates to the Docker SDK client.
func (c *Compose) Ping(ctx context.Context) error {
	return c.docker.Ping(ctx)
}

// tail keeps error messages readable when compose dumps long output.
func tail(out []byte) string {
	const max = 512
	s := strings.TrimSpace(string(out))
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
