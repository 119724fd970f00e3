package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/splax/foundry/internal/domain"
)

const (
	stampLayout = "20060102T150405"
	recordFile  = "record.json"
	filesDir    = "files"
)

// Manager writes point-in-time snapshots of an environment's record and
// private directory before destructive operations touch either.
type Manager struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewManager opens a backup root, creating it if needed.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("backup root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}
	return &Manager{root: root, logger: logger.With("component", "backup"), now: time.Now}, nil
}

// Snapshot persists the environment record and a recursive copy of its
// directory under a timestamped snapshot folder and returns its name.
func (m *Manager) Snapshot(env domain.Environment) (string, error) {
	ref := fmt.Sprintf("%s-%s", m.now().UTC().Format(stampLayout), env.ID)
	dir := filepath.Join(m.root, ref)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}

	record, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, recordFile), record, 0o600); err != nil {
		return "", fmt.Errorf("write record snapshot: %w", err)
	}

	if env.Dir != "" {
		if _, err := os.Stat(env.Dir); err == nil {
			if err := copyTree(env.Dir, filepath.Join(dir, filesDir)); err != nil {
				return "", fmt.Errorf("copy environment directory: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat environment directory: %w", err)
		}
	}

	m.logger.Info("snapshot written", "environment", env.ID, "ref", ref)
	return ref, nil
}

// Path resolves a snapshot reference to its absolute directory.
func (m *Manager) Path(ref string) string {
	return filepath.Join(m.root, ref)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
