package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshotFile is the recovery record: everything not yet terminal.
type snapshotFile struct {
	SavedAt time.Time `json:"saved_at"`
	Pending []*Task   `json:"pending"`
	Running []*Task   `json:"running"`
}

// saveSnapshotLocked writes the recovery file atomically (temp sibling,
// fsync, rename). Called under q.mu after every mutation; a failure is
// logged by the caller and the next mutation retries.
func (q *Queue) saveSnapshotLocked() error {
	if q.snapshotPath == "" {
		return nil
	}

	snap := snapshotFile{
		SavedAt: q.now().UTC(),
		Pending: q.pending,
		Running: make([]*Task, 0, len(q.running)),
	}
	for _, t := range q.running {
		snap.Running = append(snap.Running, t)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue snapshot: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(q.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, q.snapshotPath); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Restore loads the recovery file into an empty queue. Tasks whose ids
// already appear in terminal (per the event log) are dropped. Tasks that
// were running when the snapshot was taken go back to the head of the
// pending list, ahead of the old pending tasks, with their run state
// cleared. Returns how many tasks were restored.
func (q *Queue) Restore(terminal map[string]struct{}) (int, error) {
	if q.snapshotPath == "" {
		return 0, nil
	}
	data, err := os.ReadFile(q.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read queue snapshot: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("parse queue snapshot: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var restored []*Task
	for _, t := range snap.Running {
		if t == nil || t.ID == "" {
			continue
		}
		if _, done := terminal[t.ID]; done {
			continue
		}
		t.Status = StatusPending
		t.StartedAt = time.Time{}
		t.SoftDeadline = time.Time{}
		t.HardDeadline = time.Time{}
		t.SoftNudged = false
		t.WorkerID = 0
		restored = append(restored, t)
	}
	for _, t := range snap.Pending {
		if t == nil || t.ID == "" {
			continue
		}
		if _, done := terminal[t.ID]; done {
			continue
		}
		t.Status = StatusPending
		restored = append(restored, t)
	}

	q.pending = restored
	q.sortPendingLocked()
	for _, t := range q.pending {
		if t.IdempotencyKey != "" {
			q.byKey[t.IdempotencyKey] = t.ID
		}
	}
	q.afterMutationLocked()

	if len(restored) > 0 {
		q.logger.Info("queue restored from snapshot",
			"restored", len(restored), "saved_at", snap.SavedAt)
	}
	return len(restored), nil
}
