package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/foundry/internal/domain"
)

const recordSuffix = ".json"

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status string
	Type   string
}

// Store persists environment records as one JSON file per environment.
// Writes go through a temp file and an atomic rename so a crash mid-write
// never leaves a torn record behind.
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// New opens a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: store directory is required", ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the directory holding the record files.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+recordSuffix)
}

// Get loads a single environment by id.
func (s *Store) Get(id string) (domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *Store) read(id string) (domain.Environment, error) {
	if id == "" {
		return domain.Environment{}, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Environment{}, ErrNotFound
		}
		return domain.Environment{}, fmt.Errorf("read record %s: %w", id, err)
	}
	var env domain.Environment
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Environment{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return env, nil
}

// List returns environments matching the filter, oldest first.
func (s *Store) List(filter Filter) ([]domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var result []domain.Environment
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), recordSuffix)
		env, err := s.read(id)
		if err != nil {
			// A record deleted between ReadDir and read is not an error.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Status != "" && env.Status != filter.Status {
			continue
		}
		if filter.Type != "" && env.Type != filter.Type {
			continue
		}
		result = append(result, env)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Put writes a brand-new record. The environment must not already exist.
func (s *Store) Put(env domain.Environment) (domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.ID == "" {
		return domain.Environment{}, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	if _, err := s.read(env.ID); err == nil {
		return domain.Environment{}, fmt.Errorf("%w: record %s already exists", ErrConflict, env.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return domain.Environment{}, err
	}

	now := s.now().UTC()
	env.Version = 1
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now
	if err := s.write(env); err != nil {
		return domain.Environment{}, err
	}
	return env, nil
}

// Update applies mutate to the current record and persists the result,
// bumping Version. When the record changed since it was read the write
// fails with ErrConflict and the caller should retry.
func (s *Store) Update(id string, mutate func(*domain.Environment) error) (domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(id)
	if err != nil {
		return domain.Environment{}, err
	}
	expected := current.Version

	next := current
	if err := mutate(&next); err != nil {
		return domain.Environment{}, err
	}
	if next.ID != id {
		return domain.Environment{}, fmt.Errorf("%w: record id is immutable", ErrInvalidArgument)
	}

	// Re-read before committing. Another process sharing the data
	// directory may have advanced the record while mutate ran.
	latest, err := s.read(id)
	if err != nil {
		return domain.Environment{}, err
	}
	if latest.Version != expected {
		return domain.Environment{}, fmt.Errorf("%w: record %s moved from version %d to %d",
			ErrConflict, id, expected, latest.Version)
	}

	next.Version = expected + 1
	next.UpdatedAt = s.now().UTC()
	if err := s.write(next); err != nil {
		return domain.Environment{}, err
	}
	return next, nil
}

// Delete removes a record. Deleting an absent record returns ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func (s *Store) write(env domain.Environment) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", env.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, env.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, s.path(env.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit record %s: %w", env.ID, err)
	}
	return nil
}
