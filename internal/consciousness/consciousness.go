// Package consciousness runs the periodic background wake loop. Between
// tasks it reads recent runtime signals and pings the owner when something
// is worth saying. It never enqueues work; it only talks.
package consciousness

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/ouroboros/internal/state"
)

const (
	// DefaultInterval is the wake cadence when none is configured.
	DefaultInterval = 5 * time.Minute

	// minSleep floors the jittered sleep so a tiny interval cannot turn
	// the loop into a busy spin.
	minSleep = time.Minute

	// jitterWindow is subtracted at random from each sleep so wakes drift
	// instead of landing on a fixed beat.
	jitterWindow = time.Minute

	// lowBudgetUSD triggers the budget reason.
	lowBudgetUSD = 10

	// ownerSilence triggers the no-contact reason.
	ownerSilence = 24 * time.Hour

	// errorWindow and errorThreshold shape the error reason: at least
	// errorThreshold failures among the last errorWindow records.
	errorWindow    = 50
	errorThreshold = 3

	// maxReasons caps how many reasons one thought carries.
	maxReasons = 2

	// thoughtLogRunes bounds the journaled thought text.
	thoughtLogRunes = 500
)

// StateReader is the slice of the state store the heuristics read.
type StateReader interface {
	Current() state.Snapshot
	RecentErrorCount(n int) int
	AppendEvent(stream state.Stream, record map[string]any) error
}

// Options wires a Controller.
type Options struct {
	Store StateReader

	// Notify delivers a thought to the owner. Must not block.
	Notify func(text string)

	// Interval is the wake cadence. Zero means DefaultInterval.
	Interval time.Duration

	Logger *slog.Logger
}

// Controller owns the background wake loop. Start and Stop are safe to
// call in any order and from any goroutine.
type Controller struct {
	store  StateReader
	notify func(string)
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	// now and sleepJitter are swapped in tests.
	now         func() time.Time
	sleepJitter func() time.Duration
}

// New builds a stopped Controller.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(string) {}
	}
	return &Controller{
		store:    opts.Store,
		notify:   notify,
		logger:   logger.With("component", "consciousness"),
		interval: interval,
		now:      time.Now,
		sleepJitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(jitterWindow) + 1))
		},
	}
}

// Running reports whether the loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Start launches the wake loop. Returns a status line for the owner.
func (c *Controller) Start(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return "Background consciousness already running"
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(loopCtx, c.done)

	c.logger.Info("consciousness started", "interval", c.interval)
	return "Background consciousness started"
}

// Stop halts the loop and waits for the current iteration to finish.
// Returns a status line for the owner.
func (c *Controller) Stop() string {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return "Background consciousness already stopped"
	}
	cancel()
	<-done
	c.logger.Info("consciousness stopped")
	return "Background consciousness stopped"
}

// SetInterval adjusts the wake cadence, floored at one minute. Takes
// effect from the next sleep.
func (c *Controller) SetInterval(d time.Duration) {
	if d < minSleep {
		d = minSleep
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		c.ThinkOnce()

		c.mu.Lock()
		interval := c.interval
		c.mu.Unlock()

		sleep := interval - c.sleepJitter()
		if sleep < minSleep {
			sleep = minSleep
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ThinkOnce runs one wake iteration: gather signals, form a thought, and
// notify the owner when there is one. Exposed so the supervisor can force
// an immediate reflection.
func (c *Controller) ThinkOnce() {
	thought := c.formThought()
	if thought == "" {
		return
	}

	c.notify(thought)
	if err := c.store.AppendEvent(state.StreamEvents, map[string]any{
		"type":    "background_thought",
		"thought": clipRunes(thought, thoughtLogRunes),
	}); err != nil {
		c.logger.Warn("background thought append failed", "error", err)
	}
}

// formThought applies the reach-out heuristics and returns the message to
// send, or empty when silence is the right call.
func (c *Controller) formThought() string {
	snap := c.store.Current()
	var reasons []string

	if remaining := snap.RemainingBudget(); remaining < lowBudgetUSD {
		reasons = append(reasons, fmt.Sprintf("Budget low: $%.2f", remaining))
	}

	if snap.LastOwnerMessageAt != "" {
		if last, err := time.Parse(time.RFC3339, snap.LastOwnerMessageAt); err == nil {
			if silent := c.now().Sub(last); silent > ownerSilence {
				reasons = append(reasons, fmt.Sprintf("No contact in %dh", int(silent.Hours())))
			}
		}
	}

	if errs := c.store.RecentErrorCount(errorWindow); errs >= errorThreshold {
		reasons = append(reasons, fmt.Sprintf("Recent errors: %d", errs))
	}

	if len(reasons) == 0 {
		return ""
	}
	if len(reasons) > maxReasons {
		reasons = reasons[:maxReasons]
	}
	return "🧠 Thinking: " + strings.Join(reasons, "; ")
}

func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
