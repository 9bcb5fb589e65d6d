// Package state persists the runtime snapshot and the append-only event
// streams. The snapshot is written atomically (temp sibling, fsync, rename)
// so a crash always leaves a complete old or new file on disk.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/ouroboros/internal/usage"
)

// Snapshot is the durable supervisor state.
type Snapshot struct {
	OwnerID              int64   `json:"owner_id"`
	OwnerChatID          int64   `json:"owner_chat_id"`
	BudgetTotalUSD       float64 `json:"budget_total_usd"`
	SpentUSD             float64 `json:"spent_usd"`
	TGOffset             int64   `json:"tg_offset"`
	Version              int     `json:"version"`
	SessionID            string  `json:"session_id"`
	EvolutionModeEnabled bool    `json:"evolution_mode_enabled"`
	LastOwnerMessageAt   string  `json:"last_owner_message_at,omitempty"`
}

// RemainingBudget returns the unspent budget, floored at zero.
func (s *Snapshot) RemainingBudget() float64 {
	r := s.BudgetTotalUSD - s.SpentUSD
	if r < 0 {
		return 0
	}
	return r
}

// Store owns the snapshot file and the JSONL streams under one runtime root.
// All snapshot mutations are serialized by an internal mutex.
type Store struct {
	layout Layout
	logger *slog.Logger

	mu   sync.Mutex
	snap Snapshot

	// appendMu serializes JSONL appends separately from snapshot writes so
	// event logging never blocks on a snapshot write.
	appendMu sync.Mutex
}

// NewStore loads (or initializes) the snapshot under layout.
func NewStore(layout Layout, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{layout: layout, logger: logger}

	snap, err := s.readSnapshot()
	if err != nil {
		return nil, err
	}
	s.snap = snap
	return s, nil
}

func (s *Store) readSnapshot() (Snapshot, error) {
	data, err := os.ReadFile(s.layout.StateFile())
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{Version: 1}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read state file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse state file: %w", err)
	}
	return snap, nil
}

// Current returns a copy of the in-memory snapshot.
func (s *Store) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Reload re-reads the snapshot from disk, replacing the in-memory copy.
// Worker processes call it to observe budget updates the supervisor
// persisted after this store was opened. On read failure the in-memory
// copy is returned unchanged.
func (s *Store) Reload() (Snapshot, error) {
	snap, err := s.readSnapshot()
	if err != nil {
		return s.Current(), err
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return snap, nil
}

// Mutate applies fn to the snapshot and persists the result atomically.
// On write failure the in-memory mutation is kept; the next successful
// Mutate or Save carries it to disk.
func (s *Store) Mutate(fn func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	return s.writeLocked()
}

// Save persists the given snapshot, replacing the in-memory one.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	return s.writeLocked()
}

func (s *Store) writeLocked() error {
	target := s.layout.StateFile()
	data, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		s.logStoreError("create temp", err)
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.logStoreError("write", err)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.logStoreError("sync", err)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.logStoreError("close", err)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		s.logStoreError("rename", err)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func (s *Store) logStoreError(step string, err error) {
	s.logger.Error("state store write failed", "step", step, "error", err)
	// Best effort; the snapshot itself may be what failed to write.
	_ = s.AppendEvent(StreamEvents, map[string]any{
		"type": "state_store_error", "step": step, "error": err.Error(),
	})
}

// UpdateBudget adds the cost of one LLM round to spent_usd and persists.
// When the usage record carries no provider-reported cost, the static
// pricing table supplies the estimate. Returns the cost applied.
func (s *Store) UpdateBudget(u *usage.Usage, model string) (float64, error) {
	cost := u.CostUSD
	if cost <= 0 {
		cost = usage.CostFor(model, u)
	}
	err := s.Mutate(func(snap *Snapshot) {
		snap.SpentUSD += cost
	})
	return cost, err
}

// Layout exposes the runtime layout backing this store.
func (s *Store) Layout() Layout {
	return s.layout
}

// now is swapped in tests.
var now = time.Now
