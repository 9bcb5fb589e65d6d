package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/ouroboros/internal/events"
)

// cronParser supports both standard (5-field) and extended (6-field with
// seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// deferred is one held schedule_task spec. One-shot entries are dropped
// after they fire; cron entries recur.
type deferred struct {
	text     string
	chatID   int64
	priority int

	next     time.Time
	schedule cron.Schedule // nil for one-shot delays
	expr     string
}

// Scheduler holds deferred task specs until they fall due, then hands a
// freshly built task to the enqueue callback. The callback is its only
// interface to the core.
type Scheduler struct {
	enqueue      func(*Task)
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	entries []*deferred
	started bool
	wg      sync.WaitGroup
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the due-check cadence.
func WithTickInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler creates a scheduler delivering due tasks to enqueue.
func NewScheduler(enqueue func(*Task), logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}
	s := &Scheduler{
		enqueue:      enqueue,
		logger:       logger,
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Defer registers a schedule_task event. Events carrying a cron expression
// recur; a positive delay fires once; an event with neither is enqueued
// immediately.
func (s *Scheduler) Defer(ev events.Event) error {
	now := s.now()

	if ev.Cron != "" {
		sched, err := cronParser.Parse(ev.Cron)
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", ev.Cron, err)
		}
		next := sched.Next(now)
		if next.IsZero() {
			return fmt.Errorf("cron expression %q never fires", ev.Cron)
		}
		d := &deferred{
			text:     ev.Text,
			chatID:   ev.ChatID,
			priority: ev.Priority,
			next:     next,
			schedule: sched,
			expr:     ev.Cron,
		}
		s.mu.Lock()
		s.entries = append(s.entries, d)
		s.mu.Unlock()
		s.logger.Info("recurring task scheduled", "cron", ev.Cron, "next", d.next)
		return nil
	}

	if ev.DelayMinutes > 0 {
		d := &deferred{
			text:     ev.Text,
			chatID:   ev.ChatID,
			priority: ev.Priority,
			next:     now.Add(time.Duration(ev.DelayMinutes) * time.Minute),
		}
		s.mu.Lock()
		s.entries = append(s.entries, d)
		s.mu.Unlock()
		s.logger.Info("one-shot task scheduled",
			"delay_minutes", ev.DelayMinutes, "next", d.next)
		return nil
	}

	s.enqueue(New(TypeScheduled, ev.Text, ev.ChatID, ev.Priority))
	return nil
}

// Start begins the due-check loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce()
			}
		}
	}()
}

// Stop waits for the scheduler loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires every due entry and returns how many fired. The ticker
// calls it; tests call it directly.
func (s *Scheduler) RunOnce() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	fired := 0
	kept := s.entries[:0]
	for _, d := range s.entries {
		if now.Before(d.next) {
			kept = append(kept, d)
			continue
		}
		s.enqueue(New(TypeScheduled, d.text, d.chatID, d.priority))
		fired++
		if d.schedule != nil {
			if d.next = d.schedule.Next(now); !d.next.IsZero() {
				kept = append(kept, d)
			}
		}
	}
	s.entries = kept
	return fired
}

// Len returns how many deferred specs are waiting.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
