// Package lockfile implements a pid-based lock file used to enforce a single
// executor service instance and to let other tooling detect liveness.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyLocked is returned when a live process already holds the lock.
var ErrAlreadyLocked = errors.New("lock file held by a running process")

// Lock represents an acquired pid lock file.
type Lock struct {
	path string
	pid  int
}

// Acquire takes ownership of the lock file at path, writing the current pid.
// A lock file whose recorded pid no longer maps to a live process is treated
// as stale and reclaimed.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	if holder, err := ReadHolder(path); err == nil {
		if processAlive(holder) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyLocked, holder)
		}
		// Stale holder, reclaim
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock file: %w", err)
		}
	}

	pid := os.Getpid()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyLocked, path)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	return &Lock{path: path, pid: pid}, nil
}

// Release removes the lock file. Safe to call once, even if the file has
// already been removed out of band.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// ReadHolder returns the pid recorded in the lock file at path.
func ReadHolder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file %s: %w", path, err)
	}
	return pid, nil
}

// HolderAlive reports whether the lock file at path exists and names a live
// process.
func HolderAlive(path string) bool {
	pid, err := ReadHolder(path)
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// processAlive checks process existence with a null signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
