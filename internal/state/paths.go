package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout maps the runtime root to its well-known files and directories.
type Layout struct {
	Root string
}

func (l Layout) StateFile() string      { return filepath.Join(l.Root, "state", "state.json") }
func (l Layout) EventsLog() string      { return filepath.Join(l.Root, "logs", "events.jsonl") }
func (l Layout) ToolsLog() string       { return filepath.Join(l.Root, "logs", "tools.jsonl") }
func (l Layout) NarrationLog() string   { return filepath.Join(l.Root, "logs", "narration.jsonl") }
func (l Layout) SupervisorLog() string  { return filepath.Join(l.Root, "logs", "supervisor.jsonl") }
func (l Layout) SupervisorLock() string { return filepath.Join(l.Root, "locks", "supervisor_main.lock") }
func (l Layout) GitLock() string        { return filepath.Join(l.Root, "locks", "git.lock") }
func (l Layout) QueueSnapshot() string  { return filepath.Join(l.Root, "queue", "snapshot.json") }
func (l Layout) TmpDir() string         { return filepath.Join(l.Root, "tmp") }
func (l Layout) MemoryDir() string      { return filepath.Join(l.Root, "memory") }
func (l Layout) TaskResultsDir() string { return filepath.Join(l.Root, "task_results") }
func (l Layout) PromptsDir() string     { return filepath.Join(l.Root, "prompts") }

// Ensure creates every runtime directory that is missing.
func (l Layout) Ensure() error {
	dirs := []string{
		filepath.Dir(l.StateFile()),
		filepath.Dir(l.EventsLog()),
		filepath.Dir(l.SupervisorLock()),
		filepath.Dir(l.QueueSnapshot()),
		l.TmpDir(),
		l.MemoryDir(),
		l.TaskResultsDir(),
		l.PromptsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create runtime dir %s: %w", dir, err)
		}
	}
	return nil
}
