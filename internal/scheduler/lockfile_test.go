package scheduler

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "jlsync.lock")

	l, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock() failed: %v", err)
	}
	defer l.Release()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}

	// Same process, second open: flock on a fresh descriptor must fail.
	if _, err := AcquireLock(path); err == nil {
		t.Error("second AcquireLock() succeeded, want conflict")
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file left behind after release")
	}

	// Lock is reacquirable after release.
	l2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	_ = l2.Release()
}
