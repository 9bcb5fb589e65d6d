package gitops

import (
	"fmt"
	"os"
	"syscall"
)

// execve is swapped in tests; syscall.Exec never returns on success.
var execve = syscall.Exec

// ExecSelf replaces the current process image with a fresh copy of the
// running binary, preserving arguments and environment. New code committed
// to the dev branch takes effect here. The caller must have persisted all
// state and released every lock first, because on success nothing after
// this call runs.
func ExecSelf() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := execve(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", exe, err)
	}
	return nil
}
