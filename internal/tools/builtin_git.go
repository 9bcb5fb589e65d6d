package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/ouroboros/internal/gitops"
)

type repoWriteCommitArgs struct {
	Path    string `json:"path" jsonschema:"description=Repository-relative file path"`
	Content string `json:"content" jsonschema:"description=Full new file content"`
	Message string `json:"message" jsonschema:"description=Commit message"`
}

func repoWriteCommitTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "repo_write_commit",
		Description:  "Write one file in the runtime's repository, then commit and push it to the dev branch.",
		Schema:       ArgsSchema[repoWriteCommitArgs](),
		Timeout:      120 * time.Second,
		CodeMutating: true,
		Handler: Typed(func(ctx context.Context, args repoWriteCommitArgs) (string, error) {
			if strings.TrimSpace(args.Message) == "" {
				return "⚠️ TOOL_ARG_ERROR: message must be non-empty.", nil
			}
			if _, err := env.Git.WriteAndCommit(ctx, args.Path, args.Content, args.Message); err != nil {
				return gitResult(err)
			}
			return fmt.Sprintf("OK: committed and pushed to %s: %s", env.Git.DevBranch(), args.Message), nil
		}),
	}
}

type repoCommitPushArgs struct {
	Message string   `json:"message" jsonschema:"description=Commit message"`
	Paths   []string `json:"paths,omitempty" jsonschema:"description=Paths to stage (default: everything)"`
}

func repoCommitPushTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "repo_commit_push",
		Description:  "Commit changes already on disk and push them to the dev branch.",
		Schema:       ArgsSchema[repoCommitPushArgs](),
		Timeout:      120 * time.Second,
		CodeMutating: true,
		Handler: Typed(func(ctx context.Context, args repoCommitPushArgs) (string, error) {
			if strings.TrimSpace(args.Message) == "" {
				return "⚠️ TOOL_ARG_ERROR: message must be non-empty.", nil
			}
			if _, err := env.Git.CommitExisting(ctx, args.Message, args.Paths); err != nil {
				return gitResult(err)
			}
			return fmt.Sprintf("OK: committed existing changes and pushed to %s: %s",
				env.Git.DevBranch(), args.Message), nil
		}),
	}
}

type gitStatusArgs struct{}

func gitStatusTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "git_status",
		Description:  "Show working tree status of the runtime's repository.",
		Schema:       ArgsSchema[gitStatusArgs](),
		Timeout:      30 * time.Second,
		ParallelSafe: true,
		Handler: Typed(func(ctx context.Context, _ gitStatusArgs) (string, error) {
			out, err := env.Git.Status(ctx)
			if err != nil {
				return gitResult(err)
			}
			return out, nil
		}),
	}
}

type gitDiffArgs struct {
	Ref  string `json:"ref,omitempty" jsonschema:"description=Ref to diff against (default: working tree vs index)"`
	Path string `json:"path,omitempty" jsonschema:"description=Limit the diff to one path"`
}

func gitDiffTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "git_diff",
		Description:  "Show a diff of the runtime's repository.",
		Schema:       ArgsSchema[gitDiffArgs](),
		Timeout:      30 * time.Second,
		ParallelSafe: true,
		Handler: Typed(func(ctx context.Context, args gitDiffArgs) (string, error) {
			out, err := env.Git.Diff(ctx, args.Ref, args.Path)
			if err != nil {
				return gitResult(err)
			}
			return out, nil
		}),
	}
}

// gitResult turns reportable git failures into model-facing results; the
// fixed GIT_ERROR / GIT_NO_CHANGES strings are themselves the protocol.
// Anything else propagates as a real error.
func gitResult(err error) (string, error) {
	if gitops.IsReportable(err) {
		return err.Error(), nil
	}
	return "", err
}
