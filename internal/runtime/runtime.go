package runtime

import "context"

// Container is the runtime's view of one running (or stopped) container.
type Container struct {
	ID    string
	Name  string
	Image string
	State string
}

// Running reports whether the container is actually up.
func (c Container) Running() bool {
	return c.State == "running"
}

// Runtime is the container-backend surface the lifecycle controller,
// reconciler, and cleaner operate through. Implementations must apply an
// upper-bound timeout to every call.
type Runtime interface {
	// Up brings the descriptor's service set online.
	Up(ctx context.Context, dir string) error
	// Down stops the service set and removes its volumes.
	Down(ctx context.Context, dir string) error
	// ListContainers returns containers whose names carry the prefix.
	ListContainers(ctx context.Context, namePrefix string) ([]Container, error)
	// RemoveContainer force-removes a single container by id.
	RemoveContainer(ctx context.Context, id string) error
	// Ping validates connectivity to the backend.
	Ping(ctx context.Context) error
}
