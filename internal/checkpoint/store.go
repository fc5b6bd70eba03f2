package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ralph/internal/jsonutil"
)

var (
	// ErrNotFound reports that no checkpoint exists at the path.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt reports a checkpoint that exists but does not parse.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// Store reads and writes RunState snapshots at a fixed path.
type Store struct {
	path string
}

// NewStore creates a store for the given checkpoint path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the checkpoint path this store is bound to.
func (s *Store) Path() string { return s.path }

// Save writes the snapshot atomically: marshal, write a temp file next to
// the target, then rename over it. A crash mid-save never leaves a partial
// checkpoint readable as valid.
func (s *Store) Save(state *RunState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Load reads the last saved snapshot. It fails with ErrNotFound when no
// checkpoint exists and ErrCorrupt when one exists but cannot be parsed.
func (s *Store) Load() (*RunState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var state RunState
	if err := jsonutil.UnmarshalWithContext(data, &state, s.path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &state, nil
}

// Clear removes the checkpoint. A missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
