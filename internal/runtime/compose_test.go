package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type recordedCall struct {
	dir  string
	name string
	args []string
}

func TestUpInvokesComposeWithDescriptor(t *testing.T) {
	var call recordedCall
	c := NewCompose("docker", time.Minute, nil, testLogger())
	c.run = func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
		call = recordedCall{dir: dir, name: name, args: args}
		return nil, nil
	}

	if err := c.Up(context.Background(), "/envs/env-1"); err != nil {
		t.Fatalf("up: %v", err)
	}
	if call.name != "docker" {
		t.Fatalf("expected docker binary, got %s", call.name)
	}
	joined := strings.Join(call.args, " ")
	if !strings.HasPrefix(joined, "compose -f "+filepath.Join("/envs/env-1", "docker-compose.yaml")) {
		t.Fatalf("unexpected args: %s", joined)
	}
	if !strings.Contains(joined, "--env-file "+filepath.Join("/envs/env-1", ".env")) {
		t.Fatalf("env file not passed: %s", joined)
	}
	if !strings.HasSuffix(joined, "up -d --wait") {
		t.Fatalf("expected detached up, got: %s", joined)
	}
}

func TestDownRemovesVolumes(t *testing.T) {
	var call recordedCall
	c := NewCompose("docker", time.Minute, nil, testLogger())
	c.run = func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
		call = recordedCall{dir: dir, name: name, args: args}
		return nil, nil
	}

	if err := c.Down(context.Background(), "/envs/env-1"); err != nil {
		t.Fatalf("down: %v", err)
	}
	joined := strings.Join(call.args, " ")
	if !strings.HasSuffix(joined, "down -v --remove-orphans") {
		t.Fatalf("expected volume removal, got: %s", joined)
	}
}

func TestUpSurfacesCommandOutputOnFailure(t *testing.T) {
	c := NewCompose("docker", time.Minute, nil, testLogger())
	c.run = func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
		return []byte("no such image: ghost:latest"), errors.New("exit status 1")
	}

	err := c.Up(context.Background(), "/envs/env-1")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "no such image") {
		t.Fatalf("command output missing from error: %v", err)
	}
}

func TestUpAppliesTimeout(t *testing.T) {
	c := NewCompose("docker", 10*time.Millisecond, nil, testLogger())
	c.run = func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	err := c.Up(context.Background(), "/envs/env-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTailTruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("x", 2000)
	got := tail([]byte(long))
	if len(got) > 600 {
		t.Fatalf("tail did not truncate, len %d", len(got))
	}
	if !strings.HasPrefix(got, "...") {
		t.Fatalf("expected truncation marker, got %q", got[:10])
	}
}
