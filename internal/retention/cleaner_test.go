package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/splax/foundry/internal/domain"
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
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
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
	s.records[id] = next
	return next, nil
}

func (s *fakeStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// fakeLifecycle records call order so tests can assert backups precede
// deletes.
type fakeLifecycle struct {
	mu        sync.Mutex
	calls     []string
	deleteErr map[string]error
}

func (f *fakeLifecycle) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[id]; err != nil {
		return err
	}
	f.calls = append(f.calls, "delete:"+id)
	return nil
}

func (f *fakeLifecycle) SetBackupRef(ctx context.Context, id, ref string) error {
	return nil
}

type fakeBackups struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeBackups) Snapshot(env domain.Environment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, "backup:"+env.ID)
	return "snap-" + env.ID, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newTestCleaner(t *testing.T, st *fakeStore, lc *fakeLifecycle, backups *fakeBackups) *Cleaner {
	t.Helper()
	c := New(st, lc, backups, t.TempDir()+"/cleanup.lock", testLogger())
	c.lock = func(ctx context.Context) (func(), error) { return func() {}, nil }
	return c
}

func envsAt(base time.Time, n int) []domain.Environment {
	var out []domain.Environment
	for i := 0; i < n; i++ {
		out = append(out, domain.Environment{
			ID:        string(rune('a' + i)),
			Status:    domain.StatusRunning,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	return out
}

func TestKeepPolicyRemovesOldestBeyondCount(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	envs := envsAt(base, 5)
	st := newFakeStore(envs...)
	lc := &fakeLifecycle{}
	backups := &fakeBackups{}
	c := newTestCleaner(t, st, lc, backups)

	summary, err := c.Run(context.Background(), Policy{Keep: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Examined != 5 {
		t.Fatalf("expected 5 examined, got %d", summary.Examined)
	}
	if len(summary.Removed) != 3 {
		t.Fatalf("expected 3 removed, got %v", summary.Removed)
	}
	// Oldest three go; the two newest stay.
	want := map[string]bool{"a": true, "b": true, "c": true}
	for _, id := range summary.Removed {
		if !want[id] {
			t.Fatalf("unexpected removal of %s", id)
		}
	}
	if summary.Partial() {
		t.Fatalf("expected clean pass")
	}
}

func TestEveryDeleteIsPrecededByItsBackup(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	st := newFakeStore(envsAt(base, 4)...)
	lc := &fakeLifecycle{}
	backups := &fakeBackups{}
	c := newTestCleaner(t, st, lc, backups)

	if _, err := c.Run(context.Background(), Policy{Keep: 1}); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Interleave both call logs per environment: backup index must be
	// assigned before the delete happens for the same id.
	if len(backups.calls) != 3 || len(lc.calls) != 3 {
		t.Fatalf("expected 3 backups and 3 deletes, got %d/%d", len(backups.calls), len(lc.calls))
	}
	for i := range lc.calls {
		wantBackup := "backup:" + lc.calls[i][len("delete:"):]
		if backups.calls[i] != wantBackup {
			t.Fatalf("call %d: delete %s not preceded by %s", i, lc.calls[i], wantBackup)
		}
	}
}

func TestMaxAgePolicyRemovesOnlyExpired(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	st := newFakeStore(
		domain.Environment{ID: "old", Status: domain.StatusRunning, CreatedAt: base},
		domain.Environment{ID: "new", Status: domain.StatusRunning, CreatedAt: base.Add(10 * time.Hour)},
	)
	lc := &fakeLifecycle{}
	backups := &fakeBackups{}
	c := newTestCleaner(t, st, lc, backups)
	c.now = func() time.Time { return base.Add(12 * time.Hour) }

	summary, err := c.Run(context.Background(), Policy{MaxAge: 6 * time.Hour})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Removed) != 1 || summary.Removed[0] != "old" {
		t.Fatalf("expected only old to be removed, got %v", summary.Removed)
	}
}

func TestPolicyValidation(t *testing.T) {
	c := newTestCleaner(t, newFakeStore(), &fakeLifecycle{}, &fakeBackups{})

	if _, err := c.Run(context.Background(), Policy{}); err == nil {
		t.Fatalf("expected error for empty policy")
	}
	if _, err := c.Run(context.Background(), Policy{Keep: 2, MaxAge: time.Hour}); err == nil {
		t.Fatalf("expected error for conflicting policies")
	}
}

func TestSingleFailureDoesNotAbortBatch(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	st := newFakeStore(envsAt(base, 4)...)
	lc := &fakeLifecycle{deleteErr: map[string]error{"b": errors.New("compose down failed")}}
	backups := &fakeBackups{}
	c := newTestCleaner(t, st, lc, backups)

	summary, err := c.Run(context.Background(), Policy{Keep: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.Partial() {
		t.Fatalf("expected partial summary")
	}
	if len(summary.Removed) != 2 {
		t.Fatalf("expected the other candidates to still be removed, got %v", summary.Removed)
	}
	if len(summary.Failed) != 1 || summary.Failed[0] != "b" {
		t.Fatalf("expected b to fail, got %v", summary.Failed)
	}
}

func TestBackupFailureSkipsDelete(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	st := newFakeStore(envsAt(base, 2)...)
	lc := &fakeLifecycle{}
	backups := &fakeBackups{err: errors.New("disk full")}
	c := newTestCleaner(t, st, lc, backups)

	summary, err := c.Run(context.Background(), Policy{Keep: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(lc.calls) != 0 {
		t.Fatalf("nothing may be deleted without a backup, got %v", lc.calls)
	}
	if !summary.Partial() {
		t.Fatalf("expected partial summary")
	}
}

func TestDeletedRecordsAreNotCandidates(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	st := newFakeStore(
		domain.Environment{ID: "gone", Status: domain.StatusDeleted, CreatedAt: base},
		domain.Environment{ID: "live", Status: domain.StatusRunning, CreatedAt: base.Add(time.Hour)},
	)
	lc := &fakeLifecycle{}
	backups := &fakeBackups{}
	c := newTestCleaner(t, st, lc, backups)

	summary, err := c.Run(context.Background(), Policy{Keep: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Removed) != 0 {
		t.Fatalf("tombstones must not count against keep, got %v", summary.Removed)
	}
}
