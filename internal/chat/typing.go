package chat

import (
	"context"
	"sync"
	"time"
)

// Typing cadence. Variables so tests can tighten them. The delay keeps
// sub-second replies from flashing an indicator; the platform expires each
// action after ~5s, so 4s keeps it continuous.
var (
	typingStartDelay = 1 * time.Second
	typingInterval   = 4 * time.Second
)

// TypingJob is a task-scoped typing indicator. Every exit path of the task
// loop must call Stop; calling it more than once is fine.
type TypingJob struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartTyping spawns the indicator goroutine for one task.
func StartTyping(ctx context.Context, t Transport, chatID int64) *TypingJob {
	j := &TypingJob{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go j.run(ctx, t, chatID)
	return j
}

func (j *TypingJob) run(ctx context.Context, t Transport, chatID int64) {
	defer close(j.done)

	select {
	case <-time.After(typingStartDelay):
	case <-j.stop:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		// Best effort; a dropped action is invisible to the owner.
		_ = t.SendChatAction(ctx, chatID, ActionTyping)
		select {
		case <-ticker.C:
		case <-j.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the indicator and waits for the goroutine to exit.
func (j *TypingJob) Stop() {
	j.once.Do(func() { close(j.stop) })
	<-j.done
}
