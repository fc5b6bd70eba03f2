package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked reports that another run holds the checkpoint lock.
var ErrLocked = errors.New("checkpoint locked")

// Lock is an advisory single-writer lock beside a checkpoint file.
// Acquisition is an exclusive create, so a second run against the same
// checkpoint path fails fast instead of interleaving writes. There is no
// stale takeover: a crashed run leaves its lock file behind, and the error
// names the owner so the operator can remove it by hand.
type Lock struct {
	path string
}

type lockInfo struct {
	PID        int       `json:"pid"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockPath returns the lock file path for a checkpoint path.
func LockPath(checkpointPath string) string {
	return checkpointPath + ".lock"
}

// AcquireLock claims the single-writer lock for a checkpoint path.
func AcquireLock(checkpointPath, runID string) (*Lock, error) {
	lockPath := LockPath(checkpointPath)

	if dir := filepath.Dir(lockPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			if owner, ok := readLockInfo(lockPath); ok {
				return nil, fmt.Errorf("%w: %s held by pid %d since %s",
					ErrLocked, lockPath, owner.PID, owner.AcquiredAt.Format(time.RFC3339))
			}
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	info := lockInfo{
		PID:        os.Getpid(),
		RunID:      runID,
		AcquiredAt: time.Now().UTC(),
	}
	if err := json.NewEncoder(f).Encode(info); err != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("write lock: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("write lock: %w", err)
	}

	return &Lock{path: lockPath}, nil
}

// Release removes the lock file. Releasing twice is safe.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func readLockInfo(path string) (lockInfo, bool) {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, false
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, false
	}
	return info, true
}
