package gitops

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileLockAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "git.lock")
	l := &fileLock{path: path}

	if err := l.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}

	l.release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lock file should be gone, stat err = %v", err)
	}
}

func TestFileLockBlocksSecondAcquirer(t *testing.T) {
	restore := lockPollInterval
	lockPollInterval = 5 * time.Millisecond
	defer func() { lockPollInterval = restore }()

	path := filepath.Join(t.TempDir(), "git.lock")
	first := &fileLock{path: path}
	second := &fileLock{path: path}

	if err := first.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- second.acquire(context.Background())
	}()

	select {
	case err := <-acquired:
		t.Fatalf("second acquire succeeded while held: %v", err)
	case <-time.After(25 * time.Millisecond):
	}

	first.release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("second acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second acquirer never got the lock")
	}
	second.release()
}

func TestFileLockAcquireHonorsContext(t *testing.T) {
	restore := lockPollInterval
	lockPollInterval = 5 * time.Millisecond
	defer func() { lockPollInterval = restore }()

	path := filepath.Join(t.TempDir(), "git.lock")
	holder := &fileLock{path: path}
	if err := holder.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer holder.release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	waiter := &fileLock{path: path}
	if err := waiter.acquire(ctx); err == nil {
		t.Fatal("acquire should fail when context expires")
	}
}
