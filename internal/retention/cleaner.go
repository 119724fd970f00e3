package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/splax/foundry/internal/domain"
	"github.com/splax/foundry/internal/lifecycle"
	"github.com/splax/foundry/internal/store"
)

const lockPollInterval = 250 * time.Millisecond

// ErrPolicy indicates an invalid retention policy.
var ErrPolicy = errors.New("invalid retention policy")

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foundry_cleanup_runs_total",
		Help: "Retention cleanup passes executed.",
	})
	removedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foundry_cleanup_removed_total",
		Help: "Environments removed by retention cleanup.",
	})
	failuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foundry_cleanup_failures_total",
		Help: "Environments that failed to clean up.",
	})
)

// Deleter is the lifecycle surface the cleaner tears environments down
// through. The cleaner never bypasses lifecycle transitions.
type Deleter interface {
	Delete(ctx context.Context, id string) error
	SetBackupRef(ctx context.Context, id, ref string) error
}

// Snapshotter writes a backup before anything is destroyed.
type Snapshotter interface {
	Snapshot(env domain.Environment) (string, error)
}

// Policy selects removal candidates. Exactly one of Keep or MaxAge must
// be set per run.
type Policy struct {
	// Keep retains the N most recently created non-deleted environments.
	Keep int
	// MaxAge removes environments created longer ago than this.
	MaxAge time.Duration
}

func (p Policy) validate() error {
	if p.Keep > 0 && p.MaxAge > 0 {
		return fmt.Errorf("%w: keep and max-age are mutually exclusive", ErrPolicy)
	}
	if p.Keep <= 0 && p.MaxAge <= 0 {
		return fmt.Errorf("%w: a keep count or max age is required", ErrPolicy)
	}
	return nil
}

// Summary reports the outcome of one cleanup pass.
type Summary struct {
	Examined int
	Removed  []string
	Failed   []string
}

// Partial reports whether some candidates could not be cleaned up.
func (s Summary) Partial() bool {
	return len(s.Failed) > 0
}

// Cleaner enforces retention policy: snapshot, then delete, oldest
// first, holding a single coarse lock for the whole pass.
type Cleaner struct {
	store     lifecycle.Store
	lifecycle Deleter
	backups   Snapshotter
	lockPath  string
	logger    *slog.Logger

	now  func() time.Time
	lock func(ctx context.Context) (release func(), err error)
}

// New constructs a retention cleaner.
func New(st lifecycle.Store, lc Deleter, backups Snapshotter, lockPath string, logger *slog.Logger) *Cleaner {
	c := &Cleaner{
		store:     st,
		lifecycle: lc,
		backups:   backups,
		lockPath:  lockPath,
		logger:    logger.With("component", "retention"),
		now:       time.Now,
	}
	c.lock = c.flockPass
	return c
}

func (c *Cleaner) flockPass(ctx context.Context) (func(), error) {
	fl := flock.New(c.lockPath)
	locked, err := fl.TryLockContext(ctx, lockPollInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire cleanup lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("cleanup lock unavailable")
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			c.logger.Warn("release cleanup lock", "error", err)
		}
	}, nil
}

// Run executes one cleanup pass under the given policy. A failure on
// one candidate is recorded and the pass continues; the summary's
// Partial method reports whether manual review is needed.
func (c *Cleaner) Run(ctx context.Context, policy Policy) (Summary, error) {
	if err := policy.validate(); err != nil {
		return Summary{}, err
	}

	release, err := c.lock(ctx)
	if err != nil {
		return Summary{}, err
	}
	defer release()

	runsTotal.Inc()

	candidates, examined, err := c.selectCandidates(policy)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Examined: examined}
	for _, env := range candidates {
		logger := c.logger.With("environment", env.ID, "created_at", env.CreatedAt)

		ref, err := c.backups.Snapshot(env)
		if err != nil {
			logger.Error("backup failed, skipping removal", "error", err)
			summary.Failed = append(summary.Failed, env.ID)
			failuresTotal.Inc()
			continue
		}
		if err := c.lifecycle.SetBackupRef(ctx, env.ID, ref); err != nil {
			logger.Warn("record backup ref", "error", err)
		}
		if err := c.lifecycle.Delete(ctx, env.ID); err != nil {
			logger.Error("delete failed, continuing", "error", err)
			summary.Failed = append(summary.Failed, env.ID)
			failuresTotal.Inc()
			continue
		}
		logger.Info("environment retired", "backup", ref)
		summary.Removed = append(summary.Removed, env.ID)
		removedTotal.Inc()
	}
	return summary, nil
}

// selectCandidates returns the removal set, oldest first.
func (c *Cleaner) selectCandidates(policy Policy) ([]domain.Environment, int, error) {
	all, err := c.store.List(store.Filter{})
	if err != nil {
		return nil, 0, err
	}
	var live []domain.Environment
	for _, env := range all {
		if env.Status == domain.StatusDeleted {
			continue
		}
		live = append(live, env)
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].CreatedAt.After(live[j].CreatedAt)
	})

	var removal []domain.Environment
	if policy.Keep > 0 {
		if len(live) > policy.Keep {
			removal = live[policy.Keep:]
		}
	} else {
		cutoff := c.now().Add(-policy.MaxAge)
		for _, env := range live {
			if env.CreatedAt.Before(cutoff) {
				removal = append(removal, env)
			}
		}
	}

	// Oldest first so a partial pass retires the stalest environments.
	sort.Slice(removal, func(i, j int) bool {
		return removal[i].CreatedAt.Before(removal[j].CreatedAt)
	})
	return removal, len(live), nil
}
