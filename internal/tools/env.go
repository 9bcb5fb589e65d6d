package tools

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/ouroboros/internal/events"
)

// GitRunner is the repository surface builtin tools use. The gitops
// coordinator satisfies it; tests use a fake.
type GitRunner interface {
	DevBranch() string
	WriteAndCommit(ctx context.Context, path, content, message string) (string, error)
	CommitExisting(ctx context.Context, message string, paths []string) (string, error)
	Status(ctx context.Context) (string, error)
	Diff(ctx context.Context, ref, path string) (string, error)
	MutateExclusive(ctx context.Context, fn func() error) error
}

// Env carries the capabilities builtin tools close over.
type Env struct {
	// RepoDir is the runtime's own repository root.
	RepoDir string

	// DriveDir is the persistent notes area (RUNTIME_DIR/memory).
	DriveDir string

	Git GitRunner

	// Emit publishes an event to the supervisor. Control tools use it;
	// it must never block.
	Emit func(events.Event)

	// CodeEditCmd is the external editor CLI; empty disables code_edit.
	CodeEditCmd string

	// HTTPClient serves web_search. Nil gets a sane default.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (e *Env) httpClient() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return &http.Client{Timeout: 25 * time.Second}
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Env) emit(ev events.Event) {
	if e.Emit != nil {
		e.Emit(ev.Stamp())
	}
}

// RegisterBuiltins registers the full tool suite against env. code_edit is
// included only when an editor CLI is configured.
func RegisterBuiltins(r *Registry, env *Env) error {
	descriptors := []Descriptor{
		repoReadTool(env),
		repoListTool(env),
		driveReadTool(env),
		driveListTool(env),
		driveWriteTool(env),
		repoWriteCommitTool(env),
		repoCommitPushTool(env),
		gitStatusTool(env),
		gitDiffTool(env),
		runShellTool(env),
		webSearchTool(env),
		requestRestartTool(env),
		requestStablePromotionTool(env),
		scheduleTaskTool(env),
		cancelTaskTool(env),
		reindexRequestTool(env),
	}
	if env.CodeEditCmd != "" {
		descriptors = append(descriptors, codeEditTool(env))
	}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
