package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/splax/foundry/internal/domain"
	"github.com/splax/foundry/internal/ports"
	"github.com/splax/foundry/internal/runtime"
	"github.com/splax/foundry/internal/stack"
	"github.com/splax/foundry/internal/store"
	"github.com/splax/foundry/pkg/crypto"
)

const (
	allocationAttempts = 5
	casRetries         = 5
	casBaseDelay       = 50 * time.Millisecond
	lockPollInterval   = 100 * time.Millisecond
)

// Store is the record persistence surface the controller mutates through.
type Store interface {
	Get(id string) (domain.Environment, error)
	List(filter store.Filter) ([]domain.Environment, error)
	Put(env domain.Environment) (domain.Environment, error)
	Update(id string, mutate func(*domain.Environment) error) (domain.Environment, error)
	Delete(id string) error
}

// Broadcaster receives lifecycle events for every persisted transition.
type Broadcaster interface {
	Broadcast(event domain.Event)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(domain.Event) {}

// CreateRequest is a provisioning request.
type CreateRequest struct {
	Name           string
	Type           string
	IdempotencyKey string
}

// Controller drives environments through creating, prepared, running,
// stopping, deleted, with failed reachable from any non-terminal state.
// Every transition is persisted before the method returns.
type Controller struct {
	store    Store
	runtime  runtime.Runtime
	alloc    ports.Allocator
	envRoot  string
	lockPath string

	credentialKey string
	healthTimeout time.Duration
	settleDelay   time.Duration

	events Broadcaster
	logger *slog.Logger

	now    func() time.Time
	verify func(assigned map[string]int) error
	lock   func(ctx context.Context) (release func(), err error)
	probe  func(ctx context.Context, url string) error
	sleep  func(ctx context.Context, d time.Duration) error
}

// Config carries the controller's tunables.
type Config struct {
	EnvRoot       string
	LockPath      string
	CredentialKey string
	HealthTimeout time.Duration
	SettleDelay   time.Duration
}

// New wires a lifecycle controller.
func New(st Store, rt runtime.Runtime, alloc ports.Allocator, cfg Config, events Broadcaster, logger *slog.Logger) *Controller {
	if events == nil {
		events = nopBroadcaster{}
	}
	c := &Controller{
		store:         st,
		runtime:       rt,
		alloc:         alloc,
		envRoot:       cfg.EnvRoot,
		lockPath:      cfg.LockPath,
		credentialKey: cfg.CredentialKey,
		healthTimeout: cfg.HealthTimeout,
		settleDelay:   cfg.SettleDelay,
		events:        events,
		logger:        logger.With("component", "lifecycle"),
		now:           time.Now,
		verify:        ports.VerifyBlockFree,
		probe:         probeHTTP,
		sleep:         sleepCtx,
	}
	c.lock = c.flockAllocation
	return c
}

func (c *Controller) flockAllocation(ctx context.Context) (func(), error) {
	fl := flock.New(c.lockPath)
	locked, err := fl.TryLockContext(ctx, lockPollInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire allocation lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("allocation lock unavailable")
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			c.logger.Warn("release allocation lock", "error", err)
		}
	}, nil
}

func probeHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Create provisions a new environment. A request replayed with the same
// idempotency key returns the existing record without allocating again.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (domain.Environment, error) {
	tmpl, err := stack.Lookup(req.Type)
	if err != nil {
		return domain.Environment{}, err
	}
	if req.Name == "" {
		return domain.Environment{}, fmt.Errorf("%w: name is required", store.ErrInvalidArgument)
	}

	env, replayed, err := c.reserve(ctx, req, tmpl)
	if err != nil {
		return domain.Environment{}, err
	}
	if replayed {
		return env, nil
	}

	logger := c.logger.With("environment", env.ID)
	logger.Info("environment reserved", "type", env.Type, "ports", env.Ports)

	dir := filepath.Join(c.envRoot, env.ID)
	credentials, err := stack.Materialize(env, tmpl, dir)
	if err != nil {
		return c.failCreate(ctx, env.ID, fmt.Errorf("materialize: %w", err))
	}
	sealed, err := c.sealCredentials(credentials)
	if err != nil {
		return c.failCreate(ctx, env.ID, fmt.Errorf("seal credentials: %w", err))
	}

	env, err = c.transition(ctx, env.ID, func(e *domain.Environment) error {
		e.Status = domain.StatusPrepared
		e.Dir = dir
		e.Credentials = sealed
		return nil
	})
	if err != nil {
		return domain.Environment{}, err
	}

	if err := c.runtime.Up(ctx, dir); err != nil {
		return c.failCreate(ctx, env.ID, fmt.Errorf("%w: up: %v", ErrRuntime, err))
	}

	env, err = c.transition(ctx, env.ID, func(e *domain.Environment) error {
		e.Status = domain.StatusRunning
		e.Ready = false
		return nil
	})
	if err != nil {
		return domain.Environment{}, err
	}
	logger.Info("environment running", "ready", false)

	if c.awaitHealthy(ctx, env, tmpl) {
		env, err = c.transition(ctx, env.ID, func(e *domain.Environment) error {
			if e.Status != domain.StatusRunning {
				return fmt.Errorf("environment no longer running")
			}
			e.Ready = true
			return nil
		})
		if err != nil {
			logger.Warn("mark ready", "error", err)
		} else {
			logger.Info("environment ready")
		}
	}
	return env, nil
}

// reserve computes a verified-free port block and writes the creating
// record, all under the allocation file lock so two concurrent creates
// cannot race onto the same block. The idempotency-key check happens
// under the same lock; checking it earlier would let two creates with
// the same key both pass and allocate twice. A replayed key returns the
// existing record with replayed set.
func (c *Controller) reserve(ctx context.Context, req CreateRequest, tmpl stack.Template) (domain.Environment, bool, error) {
	release, err := c.lock(ctx)
	if err != nil {
		return domain.Environment{}, false, err
	}
	defer release()

	all, err := c.store.List(store.Filter{})
	if err != nil {
		return domain.Environment{}, false, err
	}
	if req.IdempotencyKey != "" {
		for _, env := range all {
			if env.IdempotencyKey == req.IdempotencyKey && env.Status != domain.StatusDeleted {
				return env, true, nil
			}
		}
	}

	// Ports held by any non-deleted record are off limits even when the
	// host would let us bind them: a failed environment whose containers
	// never started still owns its block until the record is deleted.
	activeCount := 0
	taken := make(map[int]bool)
	for _, env := range all {
		if env.Active() {
			activeCount++
		}
		if env.Status == domain.StatusDeleted {
			continue
		}
		for _, port := range env.Ports {
			taken[port] = true
		}
	}

	roles := tmpl.RoleNames()
	var assigned map[string]int
	for attempt := 0; attempt < allocationAttempts; attempt++ {
		candidate, err := c.alloc.Allocate(roles, activeCount+attempt)
		if err != nil {
			return domain.Environment{}, false, err
		}
		if port, held := blockHeld(candidate, taken); held {
			c.logger.Debug("port block held by existing record, trying next", "attempt", attempt, "port", port)
			continue
		}
		if err := c.verify(candidate); err != nil {
			c.logger.Debug("port block busy, trying next", "attempt", attempt, "error", err)
			continue
		}
		assigned = candidate
		break
	}
	if assigned == nil {
		return domain.Environment{}, false, fmt.Errorf("%w: no free block after %d attempts", ports.ErrExhausted, allocationAttempts)
	}

	env := domain.Environment{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Type:           req.Type,
		Status:         domain.StatusCreating,
		Ports:          assigned,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      c.now().UTC(),
	}
	saved, err := c.store.Put(env)
	if err != nil {
		return domain.Environment{}, false, err
	}
	c.broadcast(saved, "")
	return saved, false, nil
}

func blockHeld(candidate map[string]int, taken map[int]bool) (int, bool) {
	for _, port := range candidate {
		if taken[port] {
			return port, true
		}
	}
	return 0, false
}

func (c *Controller) sealCredentials(plain map[string]string) (map[string][]byte, error) {
	if len(plain) == 0 {
		return nil, nil
	}
	sealed := make(map[string][]byte, len(plain))
	for role, secret := range plain {
		enc, err := crypto.EncryptString(c.credentialKey, secret)
		if err != nil {
			return nil, err
		}
		sealed[role] = enc
	}
	return sealed, nil
}

func (c *Controller) awaitHealthy(ctx context.Context, env domain.Environment, tmpl stack.Template) bool {
	logger := c.logger.With("environment", env.ID)
	if tmpl.HealthPath == "" || tmpl.HealthRole == "" {
		if err := c.sleep(ctx, c.settleDelay); err != nil {
			return false
		}
		return true
	}
	port, ok := env.Ports[tmpl.HealthRole]
	if !ok {
		logger.Warn("health role has no port", "role", tmpl.HealthRole)
		return false
	}
	url := fmt.Sprintf("http://localhost:%d%s", port, tmpl.HealthPath)

	deadline := c.now().Add(c.healthTimeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.probe(probeCtx, url)
		cancel()
		if err == nil {
			return true
		}
		if c.now().After(deadline) {
			logger.Warn("health probe timed out", "url", url, "error", err)
			return false
		}
		if err := c.sleep(ctx, time.Second); err != nil {
			return false
		}
	}
}

// Delete tears an environment down. Deleting an already-deleted
// environment is a successful no-op.
func (c *Controller) Delete(ctx context.Context, id string) error {
	env, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if env.Status == domain.StatusDeleted {
		return nil
	}

	env, err = c.transition(ctx, id, func(e *domain.Environment) error {
		e.Status = domain.StatusStopping
		e.Ready = false
		return nil
	})
	if err != nil {
		return err
	}

	if env.Dir != "" {
		if err := c.runtime.Down(ctx, env.Dir); err != nil {
			c.fail(ctx, id, fmt.Sprintf("down: %v", err))
			return fmt.Errorf("%w: down %s: %v", ErrRuntime, id, err)
		}
		if err := os.RemoveAll(env.Dir); err != nil {
			c.fail(ctx, id, fmt.Sprintf("remove directory: %v", err))
			return fmt.Errorf("remove environment directory: %w", err)
		}
	}

	_, err = c.transition(ctx, id, func(e *domain.Environment) error {
		e.Status = domain.StatusDeleted
		e.Ready = false
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("environment deleted", "environment", id)
	return nil
}

// Get returns a single environment record.
func (c *Controller) Get(id string) (domain.Environment, error) {
	return c.store.Get(id)
}

// List returns all environment records, oldest first.
func (c *Controller) List() ([]domain.Environment, error) {
	return c.store.List(store.Filter{})
}

// SetBackupRef records the snapshot taken before a destructive operation.
func (c *Controller) SetBackupRef(ctx context.Context, id, ref string) error {
	_, err := c.transition(ctx, id, func(e *domain.Environment) error {
		e.BackupRef = ref
		return nil
	})
	return err
}

// failCreate rolls a half-created environment to failed and returns the
// original error annotated with the id.
func (c *Controller) failCreate(ctx context.Context, id string, cause error) (domain.Environment, error) {
	c.fail(ctx, id, cause.Error())
	return domain.Environment{}, fmt.Errorf("environment %s: %w", id, cause)
}

func (c *Controller) fail(ctx context.Context, id, reason string) {
	if _, err := c.transition(ctx, id, func(e *domain.Environment) error {
		e.Status = domain.StatusFailed
		e.Ready = false
		e.FailureReason = reason
		return nil
	}); err != nil {
		c.logger.Error("mark failed", "environment", id, "error", err)
	}
}

// transition applies a CAS update with bounded exponential backoff on
// lost races.
func (c *Controller) transition(ctx context.Context, id string, mutate func(*domain.Environment) error) (domain.Environment, error) {
	var updated domain.Environment
	backoff := retry.WithMaxRetries(casRetries, retry.NewExponential(casBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		env, err := c.store.Update(id, mutate)
		if err != nil {
			if isConflict(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		updated = env
		return nil
	})
	if err != nil {
		if isConflict(err) {
			return domain.Environment{}, fmt.Errorf("%w: environment %s", ErrConcurrentModification, id)
		}
		return domain.Environment{}, err
	}
	c.broadcast(updated, updated.FailureReason)
	return updated, nil
}

func (c *Controller) broadcast(env domain.Environment, reason string) {
	c.events.Broadcast(domain.Event{
		EnvironmentID: env.ID,
		Status:        env.Status,
		Ready:         env.Ready,
		Reason:        reason,
		At:            c.now().UTC(),
	})
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}
