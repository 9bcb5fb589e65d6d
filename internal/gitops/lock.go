package gitops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// lockPollInterval is how often a blocked acquirer re-checks the lock file.
// Variable so tests can tighten it.
var lockPollInterval = 500 * time.Millisecond

// fileLock is an advisory cross-process lock: the file existing means held.
// Worker processes and the supervisor share one repository, so the
// in-process mutex alone is not enough.
type fileLock struct {
	path string
}

func (l *fileLock) acquire(ctx context.Context) error {
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *fileLock) release() {
	os.Remove(l.path)
}
