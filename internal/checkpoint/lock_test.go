package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireLock_SecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	lock, err := AcquireLock(path, "run-1")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	_, err = AcquireLock(path, "run-2")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireLock: got %v, want ErrLocked", err)
	}
	if pid := fmt.Sprintf("pid %d", os.Getpid()); !strings.Contains(err.Error(), pid) {
		t.Errorf("lock error %q does not name owner %s", err, pid)
	}
}

func TestAcquireLock_AfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	lock, err := AcquireLock(path, "run-1")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	again, err := AcquireLock(path, "run-2")
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	_ = again.Release()
}

func TestLock_ReleaseTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	lock, err := AcquireLock(path, "run-1")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestAcquireLock_UnreadableOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(LockPath(path), []byte("garbage"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := AcquireLock(path, "run-1")
	if !errors.Is(err, ErrLocked) {
		t.Errorf("AcquireLock over garbage lock: got %v, want ErrLocked", err)
	}
}

func TestLockPath(t *testing.T) {
	if got := LockPath(".agent/checkpoint.json"); got != ".agent/checkpoint.json.lock" {
		t.Errorf("LockPath = %q", got)
	}
}
