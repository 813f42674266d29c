package lockfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.pid")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	pid, err := ReadHolder(path)
	if err != nil {
		t.Fatalf("ReadHolder failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), pid)
	}
	if !HolderAlive(path) {
		t.Error("HolderAlive should be true for our own pid")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should not exist after release")
	}
}

func TestAcquireRejectsLiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.pid")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	// Our own pid is alive, so a second acquire must fail.
	if _, err := Acquire(path); err == nil {
		t.Fatal("expected second Acquire to fail while holder is alive")
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.pid")

	// Write a pid that cannot belong to a live process.
	if err := os.WriteFile(path, []byte("999999999\n"), 0644); err != nil {
		t.Fatalf("failed to seed stale lock: %v", err)
	}

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire should reclaim a stale lock, got: %v", err)
	}
	defer lock.Release()

	pid, err := ReadHolder(path)
	if err != nil {
		t.Fatalf("ReadHolder failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected reclaimed lock to hold our pid, got %d", pid)
	}
}

func TestHolderAliveMissingFile(t *testing.T) {
	if HolderAlive(filepath.Join(t.TempDir(), "nope.pid")) {
		t.Error("HolderAlive should be false for a missing file")
	}
}
