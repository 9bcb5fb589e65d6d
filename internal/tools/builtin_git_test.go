package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/ouroboros/internal/gitops"
)

type fakeGitRunner struct {
	writeCalls  []string
	commitCalls []string
	statusOut   string
	diffOut     string
	failWith    error
	mutated     bool
}

func (f *fakeGitRunner) DevBranch() string { return "ouroboros" }

func (f *fakeGitRunner) WriteAndCommit(_ context.Context, path, _, message string) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	f.writeCalls = append(f.writeCalls, path+"|"+message)
	return path, nil
}

func (f *fakeGitRunner) CommitExisting(_ context.Context, message string, paths []string) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	f.commitCalls = append(f.commitCalls, message+"|"+strings.Join(paths, ","))
	return "M x", nil
}

func (f *fakeGitRunner) Status(_ context.Context) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	return f.statusOut, nil
}

func (f *fakeGitRunner) Diff(_ context.Context, _, _ string) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	return f.diffOut, nil
}

func (f *fakeGitRunner) MutateExclusive(_ context.Context, fn func() error) error {
	f.mutated = true
	return fn()
}

func TestRepoWriteCommitAck(t *testing.T) {
	git := &fakeGitRunner{}
	r := registryWith(t, repoWriteCommitTool(&Env{Git: git}))

	got := r.Execute(context.Background(), "repo_write_commit",
		`{"path":"agent/loop.go","content":"package agent\n","message":"tune loop"}`)
	want := "OK: committed and pushed to ouroboros: tune loop"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if len(git.writeCalls) != 1 || git.writeCalls[0] != "agent/loop.go|tune loop" {
		t.Errorf("writeCalls = %v", git.writeCalls)
	}
}

func TestRepoWriteCommitRejectsBlankMessage(t *testing.T) {
	git := &fakeGitRunner{}
	r := registryWith(t, repoWriteCommitTool(&Env{Git: git}))

	got := r.Execute(context.Background(), "repo_write_commit",
		`{"path":"x.go","content":"y","message":"   "}`)
	if got != "⚠️ TOOL_ARG_ERROR: message must be non-empty." {
		t.Errorf("got %q", got)
	}
	if len(git.writeCalls) != 0 {
		t.Error("git should not be touched on blank message")
	}
}

func TestRepoWriteCommitSurfacesGitError(t *testing.T) {
	git := &fakeGitRunner{failWith: &gitops.GitError{Step: "push", Output: "remote rejected"}}
	r := registryWith(t, repoWriteCommitTool(&Env{Git: git}))

	got := r.Execute(context.Background(), "repo_write_commit",
		`{"path":"x.go","content":"y","message":"m"}`)
	if got != "⚠️ GIT_ERROR (push): remote rejected" {
		t.Errorf("got %q", got)
	}
}

func TestRepoCommitPushAckAndNoChanges(t *testing.T) {
	git := &fakeGitRunner{}
	r := registryWith(t, repoCommitPushTool(&Env{Git: git}))

	got := r.Execute(context.Background(), "repo_commit_push",
		`{"message":"checkpoint","paths":["a.go","b.go"]}`)
	want := "OK: committed existing changes and pushed to ouroboros: checkpoint"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if git.commitCalls[0] != "checkpoint|a.go,b.go" {
		t.Errorf("commitCalls = %v", git.commitCalls)
	}

	git.failWith = gitops.ErrNoChanges
	got = r.Execute(context.Background(), "repo_commit_push", `{"message":"again"}`)
	if got != "⚠️ GIT_NO_CHANGES: nothing to commit." {
		t.Errorf("got %q", got)
	}
}

func TestGitStatusAndDiffPassThrough(t *testing.T) {
	git := &fakeGitRunner{statusOut: "## ouroboros\n M loop.go", diffOut: "+added line"}
	r := registryWith(t, gitStatusTool(&Env{Git: git}), gitDiffTool(&Env{Git: git}))

	if got := r.Execute(context.Background(), "git_status", "{}"); got != "## ouroboros\n M loop.go" {
		t.Errorf("status = %q", got)
	}
	if got := r.Execute(context.Background(), "git_diff", `{"ref":"ouroboros-stable"}`); got != "+added line" {
		t.Errorf("diff = %q", got)
	}
}

func TestGitToolsEscalateInfrastructureErrors(t *testing.T) {
	git := &fakeGitRunner{failWith: errors.New("repo dir vanished")}
	r := registryWith(t, gitStatusTool(&Env{Git: git}))

	got := r.Execute(context.Background(), "git_status", "{}")
	if !strings.HasPrefix(got, "⚠️ TOOL_ERROR (git_status): ") {
		t.Errorf("got %q", got)
	}
}
