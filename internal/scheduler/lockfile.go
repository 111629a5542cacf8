package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// LockFile is an advisory single-instance lock. Two daemons sharing a
// data directory would race each other's ledgers, so the first one
// flocks a file there and later ones fail fast.
type LockFile struct {
	file *os.File
	path string
}

// AcquireLock takes the lock at path, creating parent directories as
// needed. It returns an error naming the holding pid when another
// process owns the lock.
func AcquireLock(path string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		pid, _ := os.ReadFile(path)
		_ = f.Close()
		if len(pid) > 0 {
			return nil, fmt.Errorf("another instance is already running (pid %s)", pid)
		}
		return nil, fmt.Errorf("another instance is already running: %w", err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}
	return &LockFile{file: f, path: path}, nil
}

// Release drops the lock and removes the file.
func (l *LockFile) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
	return err
}
