package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/grizzy255/wg-quickrs-router/internal/logging"
)

// StateFileName is the policy document inside the config directory.
const StateFileName = "router_policy.json"

// Store persists the policy record. It serializes its own file access
// but never holds its lock across kernel operations — callers persist
// first and reconcile after.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *logging.Logger
}

// NewStore creates a store writing to dir/StateFileName.
func NewStore(dir string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		path:   filepath.Join(dir, StateFileName),
		logger: logger.WithComponent("policy"),
	}
}

// Path returns the live document path.
func (st *Store) Path() string {
	return st.path
}

// Load reads the persisted state. A missing file yields defaults. A
// corrupt file is logged, removed, and yields defaults — the stored
// policy is recoverable intent, not precious data.
func (st *Store) Load() (*State, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	// Clean up a leftover temp file from an interrupted write.
	_ = os.Remove(st.path + ".tmp")

	data, err := os.ReadFile(st.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read %s: %w", st.path, err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		st.logger.Warn("policy file is corrupt, reinitializing", "path", st.path, "error", err)
		_ = os.Remove(st.path)
		return Default(), nil
	}
	return &s, nil
}

// Save writes the state atomically: temp sibling, fsync, rename over
// the live path, fsync the directory.
func (st *Store) Save(s *State) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	tmp := st.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}

	// Flush the directory entry so the rename survives a crash.
	if dir, err := os.Open(filepath.Dir(st.path)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}

	st.logger.Debug("policy persisted", "path", st.path)
	return nil
}
