package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultReadBytes = 64 * 1024
	maxListEntries   = 500
)

type repoReadArgs struct {
	Path     string `json:"path" jsonschema:"description=Repository-relative file path"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Byte cap on the returned content (default 65536)"`
}

func repoReadTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "repo_read",
		Description:  "Read a file from the runtime's own repository.",
		Schema:       ArgsSchema[repoReadArgs](),
		Timeout:      10 * time.Second,
		ParallelSafe: true,
		Handler: Typed(func(_ context.Context, args repoReadArgs) (string, error) {
			return readUnder(env.RepoDir, args.Path, args.MaxBytes)
		}),
	}
}

type driveReadArgs struct {
	Path string `json:"path" jsonschema:"description=Drive-relative file path"`
}

func driveReadTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "drive_read",
		Description:  "Read a note from the persistent drive.",
		Schema:       ArgsSchema[driveReadArgs](),
		Timeout:      10 * time.Second,
		ParallelSafe: true,
		Handler: Typed(func(_ context.Context, args driveReadArgs) (string, error) {
			return readUnder(env.DriveDir, args.Path, 0)
		}),
	}
}

func readUnder(base, rel string, maxBytes int) (string, error) {
	abs, err := safeJoin(base, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	if maxBytes <= 0 {
		maxBytes = defaultReadBytes
	}
	if len(data) > maxBytes {
		return fmt.Sprintf("%s\n… [truncated at %d bytes, file is %d bytes]",
			data[:maxBytes], maxBytes, len(data)), nil
	}
	return string(data), nil
}

type repoListArgs struct {
	Path  string `json:"path,omitempty" jsonschema:"description=Subdirectory to list (default repository root)"`
	Depth int    `json:"depth,omitempty" jsonschema:"description=Recursion depth (default 2)"`
}

func repoListTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "repo_list",
		Description:  "List files in the runtime's own repository.",
		Schema:       ArgsSchema[repoListArgs](),
		Timeout:      10 * time.Second,
		ParallelSafe: true,
		Handler: Typed(func(_ context.Context, args repoListArgs) (string, error) {
			depth := args.Depth
			if depth <= 0 {
				depth = 2
			}
			return listTree(env.RepoDir, args.Path, depth)
		}),
	}
}

type driveListArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Subdirectory to list (default drive root)"`
}

func driveListTool(env *Env) Descriptor {
	return Descriptor{
		Name:         "drive_list",
		Description:  "List notes on the persistent drive.",
		Schema:       ArgsSchema[driveListArgs](),
		Timeout:      10 * time.Second,
		ParallelSafe: true,
		Handler: Typed(func(_ context.Context, args driveListArgs) (string, error) {
			return listTree(env.DriveDir, args.Path, 16)
		}),
	}
}

// listTree renders a bounded directory listing as JSON. Directories carry
// a trailing slash; .git and hidden cache dirs are skipped.
func listTree(base, rel string, maxDepth int) (string, error) {
	root, err := safeJoin(base, rel)
	if err != nil {
		return "", err
	}

	var items []string
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		relPath, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if len(items) >= maxListEntries {
			truncated = true
			return fs.SkipAll
		}
		relSlash := filepath.ToSlash(relPath)
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "__pycache__" {
				return fs.SkipDir
			}
			items = append(items, relSlash+"/")
			if strings.Count(relSlash, "/")+1 >= maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		items = append(items, relSlash)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(items)

	out, err := json.MarshalIndent(map[string]any{
		"base":      filepath.ToSlash(filepath.Clean(rel)),
		"count":     len(items),
		"items":     items,
		"truncated": truncated,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type driveWriteArgs struct {
	Path    string `json:"path" jsonschema:"description=Drive-relative file path"`
	Content string `json:"content" jsonschema:"description=Text to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

func driveWriteTool(env *Env) Descriptor {
	return Descriptor{
		Name:        "drive_write",
		Description: "Write or append a note on the persistent drive.",
		Schema:      ArgsSchema[driveWriteArgs](),
		Timeout:     10 * time.Second,
		Handler: Typed(func(_ context.Context, args driveWriteArgs) (string, error) {
			abs, err := safeJoin(env.DriveDir, args.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return "", err
			}
			mode := "overwrite"
			if args.Append {
				mode = "append"
				f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return "", err
				}
				defer f.Close()
				if _, err := f.WriteString(args.Content); err != nil {
					return "", err
				}
			} else if err := os.WriteFile(abs, []byte(args.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("OK: wrote %s %s (%d chars)", mode, args.Path, len(args.Content)), nil
		}),
	}
}
