package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrAlreadyRunning reports that a live supervisor holds the singleton
// lock for this runtime root.
var ErrAlreadyRunning = errors.New("another supervisor is already running")

// acquireSingletonLock takes the runtime-wide exclusive lock, reclaiming
// locks left behind by dead processes. The returned release func is
// idempotent.
func acquireSingletonLock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	selfName := ""
	if exe, err := os.Executable(); err == nil {
		selfName = filepath.Base(exe)
	}

	if data, err := os.ReadFile(path); err == nil {
		pid := lockPid(data)
		if lockOwnerAlive(pid, selfName) {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n%s\n", os.Getpid(),
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sync lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close lock file: %w", err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() { _ = os.Remove(path) })
	}
	return release, nil
}

// lockPid extracts the holder pid from the first line of a lock file. The
// second line, when present, is the acquisition timestamp.
func lockPid(data []byte) int {
	line, _, _ := strings.Cut(string(data), "\n")
	pid, _ := strconv.Atoi(strings.TrimSpace(line))
	return pid
}

// lockOwnerAlive reports whether pid is a live, non-zombie process running
// the same binary. Unreadable process metadata counts as dead: stale-lock
// recovery beats refusing to start.
func lockOwnerAlive(pid int, selfName string) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}

	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	args := strings.ReplaceAll(string(cmdline), "\x00", " ")
	if selfName != "" && !strings.Contains(args, selfName) {
		return false
	}

	status, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return false
	}
	if strings.Contains(string(status), "State:\tZ") {
		return false
	}
	return true
}
