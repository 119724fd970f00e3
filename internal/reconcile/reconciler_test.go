package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/splax/foundry/internal/domain"
	"github.com/splax/foundry/internal/runtime"
	"github.com/splax/foundry/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]domain.Environment
}

func newFakeStore(envs ...domain.Environment) *fakeStore {
	s := &fakeStore{records: make(map[string]domain.Environment)}
	for _, env := range envs {
		s.records[env.ID] = env
	}
	return s
}

func (s *fakeStore) Get(id string) (domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.records[id]
	if !ok {
		return domain.Environment{}, store.ErrNotFound
	}
	return env, nil
}

func (s *fakeStore) List(filter store.Filter) ([]domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.Environment
	for _, env := range s.records {
		result = append(result, env)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *fakeStore) Put(env domain.Environment) (domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[env.ID] = env
	return env, nil
}

func (s *fakeStore) Update(id string, mutate func(*domain.Environment) error) (domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.records[id]
	if !ok {
		return domain.Environment{}, store.ErrNotFound
	}
	next := env
	if err := mutate(&next); err != nil {
		return domain.Environment{}, err
	}
	next.Version = env.Version + 1
	s.records[id] = next
	return next, nil
}

func (s *fakeStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

type fakeRuntime struct {
	mu         sync.Mutex
	containers []runtime.Container
	removed    []string
}

func (r *fakeRuntime) Up(ctx context.Context, dir string) error   { return nil }
func (r *fakeRuntime) Down(ctx context.Context, dir string) error { return nil }

func (r *fakeRuntime) ListContainers(ctx context.Context, namePrefix string) ([]runtime.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.Container(nil), r.containers...), nil
}

func (r *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return nil
}

func (r *fakeRuntime) Ping(ctx context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func trackerContainers(envID string, state string) []runtime.Container {
	roles := []string{"jira", "gitlab", "dashboard"}
	var out []runtime.Container
	for _, role := range roles {
		out = append(out, runtime.Container{
			ID:    envID + "-c" + role,
			Name:  domain.ContainerPrefix + envID + "-" + role,
			State: state,
		})
	}
	return out
}

func TestAdvancesPreparedToRunning(t *testing.T) {
	env := domain.Environment{ID: "env-1", Type: "tracker", Status: domain.StatusPrepared, Version: 1}
	st := newFakeStore(env)
	rt := &fakeRuntime{containers: trackerContainers("env-1", "running")}

	r := New(st, rt, Config{Interval: time.Second}, testLogger())
	r.runIteration(context.Background())

	got, _ := st.Get("env-1")
	if got.Status != domain.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
}

func TestLeavesPreparedWhenContainersMissing(t *testing.T) {
	env := domain.Environment{ID: "env-1", Type: "tracker", Status: domain.StatusPrepared, Version: 1}
	st := newFakeStore(env)
	rt := &fakeRuntime{containers: trackerContainers("env-1", "running")[:2]}

	r := New(st, rt, Config{Interval: time.Second}, testLogger())
	r.runIteration(context.Background())

	got, _ := st.Get("env-1")
	if got.Status != domain.StatusPrepared {
		t.Fatalf("expected prepared to stay, got %s", got.Status)
	}
}

func TestFlagsRunningWithMissingContainersAsFailed(t *testing.T) {
	env := domain.Environment{ID: "env-1", Type: "tracker", Status: domain.StatusRunning, Ready: true, Version: 1}
	st := newFakeStore(env)
	rt := &fakeRuntime{}

	r := New(st, rt, Config{Interval: time.Second}, testLogger())
	r.runIteration(context.Background())

	got, _ := st.Get("env-1")
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Ready {
		t.Fatalf("failed environment must not stay ready")
	}
	if got.FailureReason == "" {
		t.Fatalf("expected failure reason")
	}
}

func TestNeverResurrectsFailedEnvironment(t *testing.T) {
	env := domain.Environment{ID: "env-1", Type: "tracker", Status: domain.StatusFailed, Version: 1}
	st := newFakeStore(env)
	rt := &fakeRuntime{containers: trackerContainers("env-1", "running")}

	r := New(st, rt, Config{Interval: time.Second}, testLogger())
	r.runIteration(context.Background())

	got, _ := st.Get("env-1")
	if got.Status != domain.StatusFailed {
		t.Fatalf("reconciler must not resurrect failed environments, got %s", got.Status)
	}
}

func TestReportsOrphansWithoutRemovingByDefault(t *testing.T) {
	st := newFakeStore()
	rt := &fakeRuntime{containers: trackerContainers("ghost", "running")}

	r := New(st, rt, Config{Interval: time.Second}, testLogger())
	r.runIteration(context.Background())

	if len(rt.removed) != 0 {
		t.Fatalf("default policy must not remove orphans, removed %v", rt.removed)
	}
}

func TestRemovesOrphansWhenPolicyEnabled(t *testing.T) {
	st := newFakeStore()
	rt := &fakeRuntime{containers: trackerContainers("ghost", "running")}

	r := New(st, rt, Config{Interval: time.Second, OrphanAutoRemove: true}, testLogger())
	r.runIteration(context.Background())

	if len(rt.removed) != 3 {
		t.Fatalf("expected 3 orphans removed, got %d", len(rt.removed))
	}
}

func TestDoesNotTreatOwnedContainersAsOrphans(t *testing.T) {
	env := domain.Environment{ID: "env-1", Type: "tracker", Status: domain.StatusRunning, Version: 1}
	st := newFakeStore(env)
	rt := &fakeRuntime{containers: trackerContainers("env-1", "running")}

	r := New(st, rt, Config{Interval: time.Second, OrphanAutoRemove: true}, testLogger())
	r.runIteration(context.Background())

	if len(rt.removed) != 0 {
		t.Fatalf("owned containers removed as orphans: %v", rt.removed)
	}
}

func TestResolvesStaleCreatingToFailed(t *testing.T) {
	now := time.Now()
	env := domain.Environment{
		ID:        "env-1",
		Type:      "tracker",
		Status:    domain.StatusCreating,
		UpdatedAt: now.Add(-time.Hour),
		Version:   1,
	}
	st := newFakeStore(env)
	rt := &fakeRuntime{}

	r := New(st, rt, Config{Interval: time.Second, CreatingGrace: 10 * time.Minute}, testLogger())
	r.now = func() time.Time { return now }
	r.runIteration(context.Background())

	got, _ := st.Get("env-1")
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected stale creating record to fail, got %s", got.Status)
	}
}

func TestKeepsRecentCreatingUntouched(t *testing.T) {
	now := time.Now()
	env := domain.Environment{
		ID:        "env-1",
		Type:      "tracker",
		Status:    domain.StatusCreating,
		UpdatedAt: now.Add(-time.Minute),
		Version:   1,
	}
	st := newFakeStore(env)
	rt := &fakeRuntime{}

	r := New(st, rt, Config{Interval: time.Second, CreatingGrace: 10 * time.Minute}, testLogger())
	r.now = func() time.Time { return now }
	r.runIteration(context.Background())

	got, _ := st.Get("env-1")
	if got.Status != domain.StatusCreating {
		t.Fatalf("recent creating record must not be failed, got %s", got.Status)
	}
}

func TestIgnoresDeletedRecords(t *testing.T) {
	env := domain.Environment{ID: "env-1", Type: "tracker", Status: domain.StatusDeleted, Version: 1}
	st := newFakeStore(env)
	rt := &fakeRuntime{}

	r := New(st, rt, Config{Interval: time.Second}, testLogger())
	r.runIteration(context.Background())

	got, _ := st.Get("env-1")
	if got.Status != domain.StatusDeleted {
		t.Fatalf("deleted record mutated to %s", got.Status)
	}
}
