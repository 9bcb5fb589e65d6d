package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultShellTimeout = 120
	maxShellTimeout     = 300
)

type runShellArgs struct {
	Command    string `json:"command" jsonschema:"description=Shell command to run in the repository root"`
	TimeoutSec int    `json:"timeout_sec,omitempty" jsonschema:"description=Seconds before the command is killed (default 120, max 300)"`
}

func runShellTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "run_shell",
		Description:  "Run a shell command in the repository root and return its output.",
		Schema:       ArgsSchema[runShellArgs](),
		Timeout:      300 * time.Second,
		CodeMutating: true,
		Handler: Typed(func(ctx context.Context, args runShellArgs) (string, error) {
			timeout := args.TimeoutSec
			if timeout <= 0 {
				timeout = defaultShellTimeout
			}
			if timeout > maxShellTimeout {
				timeout = maxShellTimeout
			}

			cctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
			defer cancel()

			cmd := exec.CommandContext(cctx, "bash", "-lc", args.Command)
			cmd.Dir = env.RepoDir
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			err := cmd.Run()
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return fmt.Sprintf("⚠️ Command timed out after %ds: %s", timeout, args.Command), nil
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Sprintf("⚠️ Command exited with code %d: %s\n\nSTDOUT:\n%s\n\nSTDERR:\n%s",
					exitErr.ExitCode(), args.Command, stdout.String(), stderr.String()), nil
			}
			if err != nil {
				return "", err
			}

			out := strings.TrimRight(stdout.String(), "\n")
			if errOut := strings.TrimRight(stderr.String(), "\n"); errOut != "" {
				if out == "" {
					out = errOut
				} else {
					out += "\n" + errOut
				}
			}
			if out == "" {
				return "(no output)", nil
			}
			return out, nil
		}),
	}
}

type codeEditArgs struct {
	Instruction string   `json:"instruction" jsonschema:"description=What to change, in natural language"`
	Paths       []string `json:"paths,omitempty" jsonschema:"description=Files the edit should focus on"`
}

// codeEditTool shells out to the external editor CLI under the repository
// write lock. Registered only when CODE_EDIT_CMD is configured.
func codeEditTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "code_edit",
		Description:  "Apply a code change to the runtime's repository via the configured editor CLI. Changes still need repo_commit_push.",
		Schema:       ArgsSchema[codeEditArgs](),
		Timeout:      600 * time.Second,
		CodeMutating: true,
		Handler: Typed(func(ctx context.Context, args codeEditArgs) (string, error) {
			parts := strings.Fields(env.CodeEditCmd)
			if len(parts) == 0 {
				return "", errors.New("editor CLI not configured")
			}
			instruction := args.Instruction
			if len(args.Paths) > 0 {
				instruction += "\n\nFocus on these paths: " + strings.Join(args.Paths, ", ")
			}

			var stdout, stderr bytes.Buffer
			err := env.Git.MutateExclusive(ctx, func() error {
				argv := append(parts[1:], instruction)
				cmd := exec.CommandContext(ctx, parts[0], argv...)
				cmd.Dir = env.RepoDir
				cmd.Stdout = &stdout
				cmd.Stderr = &stderr
				return cmd.Run()
			})

			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Sprintf("⚠️ Command exited with code %d: %s\n\nSTDOUT:\n%s\n\nSTDERR:\n%s",
					exitErr.ExitCode(), env.CodeEditCmd, stdout.String(), stderr.String()), nil
			}
			if err != nil {
				return gitResult(err)
			}

			out := strings.TrimSpace(stdout.String())
			if out == "" {
				out = "(editor produced no output)"
			}
			return out, nil
		}),
	}
}
