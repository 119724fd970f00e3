package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/splax/foundry/internal/domain"
	"github.com/splax/foundry/internal/lifecycle"
	"github.com/splax/foundry/internal/runtime"
	"github.com/splax/foundry/internal/stack"
	"github.com/splax/foundry/internal/store"
)

const (
	defaultInterval  = 30 * time.Second
	iterationTimeout = 15 * time.Second
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foundry_reconcile_runs_total",
		Help: "Reconciliation iterations executed.",
	})
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foundry_reconcile_transitions_total",
		Help: "Status corrections applied by the reconciler.",
	}, []string{"to"})
	orphanedContainers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "foundry_orphaned_containers",
		Help: "Containers carrying the name prefix with no matching record.",
	})
)

// Reconciler compares persisted intent against the container runtime's
// actual state and corrects drift. It mutates status and ready only,
// never ports or credentials.
type Reconciler struct {
	store   lifecycle.Store
	runtime runtime.Runtime
	logger  *slog.Logger

	interval      time.Duration
	creatingGrace time.Duration
	autoRemove    bool

	now func() time.Time
}

// Config carries the reconciler's tunables.
type Config struct {
	Interval      time.Duration
	CreatingGrace time.Duration
	// OrphanAutoRemove destroys unmatched containers instead of only
	// reporting them. Off by default; orphan removal is destructive.
	OrphanAutoRemove bool
}

// New constructs a reconciler.
func New(st lifecycle.Store, rt runtime.Runtime, cfg Config, logger *slog.Logger) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		store:         st,
		runtime:       rt,
		logger:        logger.With("component", "reconcile"),
		interval:      interval,
		creatingGrace: cfg.CreatingGrace,
		autoRemove:    cfg.OrphanAutoRemove,
		now:           time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval)
	r.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reconciler) runIteration(parent context.Context) {
	timeout := iterationTimeout
	if r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	runsTotal.Inc()

	records, err := r.store.List(store.Filter{})
	if err != nil {
		r.logger.Warn("list records", "error", err)
		return
	}
	containers, err := r.runtime.ListContainers(ctx, domain.ContainerPrefix)
	if err != nil {
		r.logger.Warn("list containers", "error", err)
		return
	}

	matched := make(map[string]bool, len(containers))
	for _, env := range records {
		if env.Status == domain.StatusDeleted {
			continue
		}
		owned := containersFor(env, containers, matched)
		r.reconcileOne(ctx, env, owned)
	}
	r.handleOrphans(ctx, containers, matched)
}

func containersFor(env domain.Environment, containers []runtime.Container, matched map[string]bool) []runtime.Container {
	prefix := domain.ContainerPrefix + env.ID + "-"
	var owned []runtime.Container
	for _, c := range containers {
		if strings.HasPrefix(c.Name, prefix) {
			matched[c.ID] = true
			owned = append(owned, c)
		}
	}
	return owned
}

func (r *Reconciler) reconcileOne(ctx context.Context, env domain.Environment, owned []runtime.Container) {
	logger := r.logger.With("environment", env.ID, "status", env.Status)

	expected := 0
	if tmpl, err := stack.Lookup(env.Type); err == nil {
		expected = len(tmpl.Roles)
	}
	runningCount := 0
	for _, c := range owned {
		if c.Running() {
			runningCount++
		}
	}
	allUp := expected > 0 && runningCount == expected

	switch env.Status {
	case domain.StatusPrepared:
		if allUp {
			r.setStatus(env.ID, domain.StatusRunning, false, "")
			logger.Info("advanced prepared environment to running")
		}
	case domain.StatusRunning:
		if runningCount < expected {
			reason := fmt.Sprintf("%d of %d containers running", runningCount, expected)
			r.setStatus(env.ID, domain.StatusFailed, false, reason)
			logger.Warn("running environment lost containers", "reason", reason)
		}
	case domain.StatusCreating, domain.StatusStopping:
		// A crash mid-operation leaves the record parked here. After
		// the grace period nobody is coming back to finish it.
		if r.creatingGrace > 0 && r.now().Sub(env.UpdatedAt) > r.creatingGrace {
			reason := fmt.Sprintf("stuck in %s since %s", env.Status, env.UpdatedAt.Format(time.RFC3339))
			r.setStatus(env.ID, domain.StatusFailed, false, reason)
			logger.Warn("resolved stale in-flight environment to failed", "reason", reason)
		}
	}
}

func (r *Reconciler) setStatus(id, status string, ready bool, reason string) {
	_, err := r.store.Update(id, func(e *domain.Environment) error {
		e.Status = status
		e.Ready = ready
		if reason != "" {
			e.FailureReason = reason
		}
		return nil
	})
	if err != nil {
		// Lost race or vanished record; the next tick re-evaluates.
		r.logger.Warn("status correction skipped", "environment", id, "error", err)
		return
	}
	transitionsTotal.WithLabelValues(status).Inc()
}

func (r *Reconciler) handleOrphans(ctx context.Context, containers []runtime.Container, matched map[string]bool) {
	orphans := 0
	for _, c := range containers {
		if matched[c.ID] {
			continue
		}
		orphans++
		if r.autoRemove {
			if err := r.runtime.RemoveContainer(ctx, c.ID); err != nil {
				r.logger.Warn("remove orphaned container", "container", c.Name, "error", err)
				continue
			}
			r.logger.Info("removed orphaned container", "container", c.Name)
			continue
		}
		r.logger.Warn("orphaned container detected", "container", c.Name, "image", c.Image)
	}
	orphanedContainers.Set(float64(orphans))
}
