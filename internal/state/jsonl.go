package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Stream names the append-only JSONL logs.
type Stream string

const (
	StreamEvents     Stream = "events"
	StreamTools      Stream = "tools"
	StreamNarration  Stream = "narration"
	StreamSupervisor Stream = "supervisor"
)

func (s *Store) streamPath(stream Stream) string {
	switch stream {
	case StreamTools:
		return s.layout.ToolsLog()
	case StreamNarration:
		return s.layout.NarrationLog()
	case StreamSupervisor:
		return s.layout.SupervisorLog()
	default:
		return s.layout.EventsLog()
	}
}

// AppendEvent appends one record to the stream, stamping "ts" (unix seconds,
// fractional) when absent. Records are never rewritten.
func (s *Store) AppendEvent(stream Stream, record map[string]any) error {
	if record == nil {
		record = map[string]any{}
	}
	if _, ok := record["ts"]; !ok {
		record["ts"] = float64(now().UnixMilli()) / 1000.0
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", stream, err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	f, err := os.OpenFile(s.streamPath(stream), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s log: %w", stream, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s record: %w", stream, err)
	}
	return nil
}

// AppendNarration records one human-readable per-round tool summary line.
func (s *Store) AppendNarration(taskID, line string) error {
	return s.AppendEvent(StreamNarration, map[string]any{
		"task_id": taskID,
		"line":    line,
	})
}

// RecentNarration returns up to n most recent narration lines, oldest first.
func (s *Store) RecentNarration(n int) []string {
	if n <= 0 {
		return nil
	}
	f, err := os.Open(s.layout.NarrationLog())
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec struct {
			Line string `json:"line"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.Line == "" {
			continue
		}
		lines = append(lines, rec.Line)
		if len(lines) > n*4 {
			lines = lines[len(lines)-n:]
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// RecentErrorCount counts error records among the last n entries of each
// audit stream: llm_api_error events plus tool executions whose status is
// error or timeout. The consciousness heuristics read it.
func (s *Store) RecentErrorCount(n int) int {
	events := tailMatches(s.layout.EventsLog(), n, func(rec streamProbe) bool {
		return rec.Type == "llm_api_error"
	})
	tools := tailMatches(s.layout.ToolsLog(), n, func(rec streamProbe) bool {
		return rec.Status == "error" || rec.Status == "timeout"
	})
	return events + tools
}

// streamProbe is the subset of fields the tail scan inspects.
type streamProbe struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// tailMatches counts records matching the predicate among the last n lines
// of a JSONL file. A missing file counts zero.
func tailMatches(path string, n int, match func(streamProbe) bool) int {
	if n <= 0 {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	ring := make([]bool, n)
	total := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec streamProbe
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		ring[total%n] = match(rec)
		total++
	}

	count := 0
	for _, hit := range ring {
		if hit {
			count++
		}
	}
	return count
}

// TerminalTaskIDs scans events.jsonl for task_done records and returns their
// task ids. Queue restore uses this to skip tasks that already finished.
func (s *Store) TerminalTaskIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	f, err := os.Open(s.layout.EventsLog())
	if err != nil {
		return ids
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec struct {
			Type   string `json:"type"`
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Type == "task_done" && rec.TaskID != "" {
			ids[rec.TaskID] = struct{}{}
		}
	}
	return ids
}
