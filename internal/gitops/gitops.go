// Package gitops serializes every git mutation the runtime performs against
// its own repository: self-modification commits on the dev branch, the
// owner-approved promotion to stable, and the bootstrap reset that realigns
// a restarted process with origin.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var now = time.Now

// Runner executes one git invocation in dir and returns combined output.
// The default shells out; tests substitute a recorder.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Options configures a Coordinator.
type Options struct {
	RepoDir      string
	DevBranch    string
	StableBranch string
	LockPath     string
	Runner       Runner
	Logger       *slog.Logger
}

// Coordinator owns the repository's write path. All mutating operations
// hold both the in-process mutex and the advisory lock file, so concurrent
// tool calls and cross-process helpers never interleave git commands.
type Coordinator struct {
	mu     sync.Mutex
	flock  fileLock
	repo   string
	dev    string
	stable string
	run    Runner
	logger *slog.Logger
}

// New builds a Coordinator. Zero-value branches default to "ouroboros" and
// "ouroboros-stable".
func New(opts Options) *Coordinator {
	c := &Coordinator{
		flock:  fileLock{path: opts.LockPath},
		repo:   opts.RepoDir,
		dev:    opts.DevBranch,
		stable: opts.StableBranch,
		run:    opts.Runner,
		logger: opts.Logger,
	}
	if c.dev == "" {
		c.dev = "ouroboros"
	}
	if c.stable == "" {
		c.stable = "ouroboros-stable"
	}
	if c.run == nil {
		c.run = execGit
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// DevBranch returns the working branch name.
func (c *Coordinator) DevBranch() string { return c.dev }

// StableBranch returns the promotion target branch name.
func (c *Coordinator) StableBranch() string { return c.stable }

func (c *Coordinator) withLock(ctx context.Context, fn func() (string, error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.flock.acquire(ctx); err != nil {
		return "", &GitError{Step: "lock", Output: err.Error()}
	}
	defer c.flock.release()
	return fn()
}

func (c *Coordinator) step(ctx context.Context, name string, args ...string) (string, error) {
	out, err := c.run(ctx, c.repo, args...)
	if err != nil {
		if strings.TrimSpace(out) == "" {
			out = err.Error()
		}
		return out, &GitError{Step: name, Output: out}
	}
	return out, nil
}

// repoPath resolves a repo-relative path, rejecting traversal outside the
// repository root.
func (c *Coordinator) repoPath(rel string) (string, error) {
	clean := filepath.Clean(strings.TrimPrefix(rel, "/"))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("path must name a file, got %q", rel)
	}
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return "", fmt.Errorf("path escapes repository: %q", rel)
		}
	}
	return filepath.Join(c.repo, clean), nil
}

// WriteAndCommit checks out the dev branch, writes one file, and commits
// and pushes it. Failures after the write carry a hint about how far the
// change got, so the model can recover instead of re-writing blindly.
func (c *Coordinator) WriteAndCommit(ctx context.Context, relPath, content, message string) (string, error) {
	abs, err := c.repoPath(relPath)
	if err != nil {
		return "", &GitError{Step: "path", Output: err.Error()}
	}
	return c.withLock(ctx, func() (string, error) {
		if _, err := c.step(ctx, "checkout", "checkout", c.dev); err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return "", &GitError{Step: "write", Output: err.Error()}
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return "", &GitError{Step: "write", Output: err.Error()}
		}
		if _, err := c.step(ctx, "add", "add", "--", relPath); err != nil {
			return "", err
		}
		if out, err := c.run(ctx, c.repo, "commit", "-m", message); err != nil {
			return "", &GitError{
				Step:   "commit",
				Output: out + "\nFile was written and staged but not committed.",
			}
		}
		if out, err := c.run(ctx, c.repo, "push", "origin", c.dev); err != nil {
			return "", &GitError{
				Step:   "push",
				Output: out + "\nCommitted locally but NOT pushed.",
			}
		}
		return relPath, nil
	})
}

// CommitExisting commits changes already on disk, either the given paths or
// everything, and pushes dev. A clean tree yields ErrNoChanges.
func (c *Coordinator) CommitExisting(ctx context.Context, message string, paths []string) (string, error) {
	return c.withLock(ctx, func() (string, error) {
		if _, err := c.step(ctx, "checkout", "checkout", c.dev); err != nil {
			return "", err
		}
		addArgs := []string{"add", "-A"}
		if len(paths) > 0 {
			addArgs = append([]string{"add", "--"}, paths...)
		}
		if _, err := c.step(ctx, "add", addArgs...); err != nil {
			return "", err
		}
		status, err := c.step(ctx, "status", "status", "--porcelain")
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(status) == "" {
			return "", ErrNoChanges
		}
		if out, err := c.run(ctx, c.repo, "commit", "-m", message); err != nil {
			return "", &GitError{Step: "commit", Output: out}
		}
		if out, err := c.run(ctx, c.repo, "push", "origin", c.dev); err != nil {
			return "", &GitError{
				Step:   "push",
				Output: out + "\nCommitted locally but NOT pushed.",
			}
		}
		return strings.TrimSpace(status), nil
	})
}

// Status reports working-tree state. Read-only, so it skips the write lock
// and may run during parallel tool fan-out.
func (c *Coordinator) Status(ctx context.Context) (string, error) {
	out, err := c.step(ctx, "status", "status", "--short", "--branch")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "(clean)", nil
	}
	return strings.TrimSpace(out), nil
}

// Diff shows changes against ref (default: working tree vs index parent),
// optionally scoped to one path. Read-only like Status.
func (c *Coordinator) Diff(ctx context.Context, ref, path string) (string, error) {
	args := []string{"diff"}
	if ref != "" {
		args = append(args, ref)
	}
	if path != "" {
		args = append(args, "--", path)
	}
	out, err := c.step(ctx, "diff", args...)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "(no differences)", nil
	}
	return out, nil
}

// Head returns the current commit hash. Read-only like Status.
func (c *Coordinator) Head(ctx context.Context) (string, error) {
	out, err := c.step(ctx, "head", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Branch returns the name of the checked-out branch.
func (c *Coordinator) Branch(ctx context.Context) (string, error) {
	out, err := c.step(ctx, "branch", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PromoteStable fast-forwards the stable branch to dev and pushes it. Only
// runs after explicit owner approval. The working branch is restored even
// when the merge fails.
func (c *Coordinator) PromoteStable(ctx context.Context) (string, error) {
	return c.withLock(ctx, func() (string, error) {
		if _, err := c.step(ctx, "fetch", "fetch", "origin"); err != nil {
			return "", err
		}
		if _, err := c.step(ctx, "checkout-stable", "checkout", c.stable); err != nil {
			return "", err
		}
		mergeOut, mergeErr := c.run(ctx, c.repo, "merge", "--ff-only", c.dev)
		if mergeErr != nil {
			// Best effort: never leave the process parked on stable.
			if _, err := c.run(ctx, c.repo, "checkout", c.dev); err != nil {
				c.logger.Error("failed to return to dev after merge failure",
					"branch", c.dev, "error", err)
			}
			return "", &GitError{Step: "merge", Output: mergeOut}
		}
		if out, err := c.run(ctx, c.repo, "push", "origin", c.stable); err != nil {
			if _, cerr := c.run(ctx, c.repo, "checkout", c.dev); cerr != nil {
				c.logger.Error("failed to return to dev after push failure",
					"branch", c.dev, "error", cerr)
			}
			return "", &GitError{Step: "push-stable", Output: out}
		}
		if _, err := c.step(ctx, "checkout-dev", "checkout", c.dev); err != nil {
			return "", err
		}
		return fmt.Sprintf("promoted %s → %s", c.dev, c.stable), nil
	})
}

// ResetPolicy selects bootstrap behavior for a dirty tree.
type ResetPolicy string

const (
	// PolicyRescueAndReset commits dirty work to a timestamped rescue
	// branch before the hard reset, so nothing a previous incarnation
	// wrote is lost.
	PolicyRescueAndReset ResetPolicy = "rescue_and_reset"

	// PolicyIgnore resets without rescuing. Dirty work is discarded.
	PolicyIgnore ResetPolicy = "ignore"
)

// BootstrapReset realigns the working branch with origin at startup. A
// rescue push failure is logged but does not abort: the work is already
// committed locally on the rescue branch.
func (c *Coordinator) BootstrapReset(ctx context.Context, policy ResetPolicy) error {
	_, err := c.withLock(ctx, func() (string, error) {
		if _, err := c.step(ctx, "fetch", "fetch", "origin"); err != nil {
			return "", err
		}
		status, err := c.step(ctx, "status", "status", "--porcelain")
		if err != nil {
			return "", err
		}
		dirty := strings.TrimSpace(status) != ""

		if dirty && policy == PolicyRescueAndReset {
			branch := "rescue/" + now().UTC().Format("20060102-150405")
			if _, err := c.step(ctx, "rescue-branch", "checkout", "-b", branch); err != nil {
				return "", err
			}
			if _, err := c.step(ctx, "rescue-add", "add", "-A"); err != nil {
				return "", err
			}
			if _, err := c.step(ctx, "rescue-commit", "commit", "-m", "rescue: uncommitted work found at startup"); err != nil {
				return "", err
			}
			if out, err := c.run(ctx, c.repo, "push", "origin", branch); err != nil {
				c.logger.Warn("rescue branch push failed, work kept locally",
					"branch", branch, "output", strings.TrimSpace(out))
			} else {
				c.logger.Info("rescued dirty work", "branch", branch)
			}
		}

		if _, err := c.step(ctx, "checkout", "checkout", c.dev); err != nil {
			return "", err
		}
		if _, err := c.step(ctx, "reset", "reset", "--hard", "origin/"+c.dev); err != nil {
			return "", err
		}
		return "", nil
	})
	return err
}

// MutateExclusive checks out dev and runs fn while holding the repository
// write lock. Used by tools that drive an external editor over the tree.
func (c *Coordinator) MutateExclusive(ctx context.Context, fn func() error) error {
	_, err := c.withLock(ctx, func() (string, error) {
		if _, err := c.step(ctx, "checkout", "checkout", c.dev); err != nil {
			return "", err
		}
		return "", fn()
	})
	return err
}

// EnsureRemote points origin at url, adding the remote if it is missing.
// A blank url leaves the repository's existing configuration alone.
func (c *Coordinator) EnsureRemote(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}
	_, err := c.withLock(ctx, func() (string, error) {
		if _, err := c.run(ctx, c.repo, "remote", "set-url", "origin", url); err == nil {
			return "", nil
		}
		return c.step(ctx, "remote-add", "remote", "add", "origin", url)
	})
	return err
}
