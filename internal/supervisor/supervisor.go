// Package supervisor is the single-process control plane: it owns the
// chat poll loop, the task queue, the worker pool, and the event dispatch
// that ties them together. One instance runs per runtime root, enforced
// by a filesystem lock.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/ouroboros/internal/backoff"
	"github.com/haasonsaas/ouroboros/internal/chat"
	"github.com/haasonsaas/ouroboros/internal/config"
	"github.com/haasonsaas/ouroboros/internal/consciousness"
	"github.com/haasonsaas/ouroboros/internal/events"
	"github.com/haasonsaas/ouroboros/internal/gitops"
	"github.com/haasonsaas/ouroboros/internal/observability"
	"github.com/haasonsaas/ouroboros/internal/state"
	"github.com/haasonsaas/ouroboros/internal/tasks"
	"github.com/haasonsaas/ouroboros/internal/workers"
)

const (
	// localEventBuffer holds events produced inside the supervisor
	// process (consciousness pings) until the next drain.
	localEventBuffer = 64

	// stopGrace is the SIGTERM→SIGKILL window granted to workers at
	// shutdown.
	stopGrace = 10 * time.Second

	// softNudgeText is injected into a task that crossed its soft
	// deadline.
	softNudgeText = "System notice: you are past the soft deadline. " +
		"Wrap up and produce your best final answer now."
)

// WorkerPool is the pool surface the supervisor drives. *workers.Pool
// implements it; tests substitute a fake.
type WorkerPool interface {
	Start(ctx context.Context) error
	Events() <-chan events.Event
	Assign(t *tasks.Task) (int, bool)
	Inject(taskID, text string) bool
	CancelRunning(taskID string) bool
	Release(workerID int)
	NoteHeartbeat(workerID int)
	Counts() (alive, busy int)
	KillTaskWorker(ctx context.Context, taskID string) (int, bool)
	CheckHealth(ctx context.Context, pastHard func(taskID string) bool) []workers.CrashReport
	StopAll(grace time.Duration)
}

// GitCoordinator is the repository surface the supervisor itself needs:
// bootstrap alignment and owner-approved promotion. Tool-driven git runs
// inside workers, not here.
type GitCoordinator interface {
	EnsureRemote(ctx context.Context, url string) error
	BootstrapReset(ctx context.Context, policy gitops.ResetPolicy) error
	PromoteStable(ctx context.Context) (string, error)
}

// Options wires a Supervisor.
type Options struct {
	Config    *config.Config
	Store     *state.Store
	Transport chat.Transport
	Queue     *tasks.Queue
	Pool      WorkerPool

	// Git may be nil when no remote is configured; promotion approvals
	// then fail with an owner-visible message.
	Git GitCoordinator

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// ExecSelf replaces the process image on restart. Nil means
	// gitops.ExecSelf.
	ExecSelf func() error
}

// Supervisor owns the runtime. Except where a field's own type
// synchronizes, every field is confined to the main loop goroutine.
type Supervisor struct {
	cfg        *config.Config
	store      *state.Store
	layout     state.Layout
	transport  chat.Transport
	sender     *chat.Sender
	queue      *tasks.Queue
	pool       WorkerPool
	git        GitCoordinator
	scheduler  *tasks.Scheduler
	probe      *tasks.EvolutionProbe
	mind       *consciousness.Controller
	metrics    *observability.Metrics
	logger     *slog.Logger
	dispatcher *events.Dispatcher
	execSelf   func() error

	// local carries events produced in-process, drained by the same
	// dispatcher as worker events.
	local chan events.Event

	dedupe      *dedupeRing
	offset      int64
	offsetDirty bool

	// approvals is the FIFO of parked owner decisions; the head is the
	// one a yes/no reply resolves.
	approvals []approval

	// restartReason, once set, stops task assignment; the loop exits when
	// running tasks settle and the process replaces itself.
	restartReason string

	// sent counts outbound owner messages for the budget footer cadence.
	sent int

	startedAt time.Time
	lastBeat  time.Time

	// now is swapped in tests.
	now func() time.Time
}

// New builds a Supervisor. Call Run to start it.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:       opts.Config,
		store:     opts.Store,
		layout:    opts.Store.Layout(),
		transport: opts.Transport,
		sender:    chat.NewSender(opts.Transport, opts.Config.MarkdownEnabled, logger),
		queue:     opts.Queue,
		pool:      opts.Pool,
		git:       opts.Git,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "supervisor"),
		execSelf:  opts.ExecSelf,
		local:     make(chan events.Event, localEventBuffer),
		dedupe:    newDedupeRing(dedupeCap),
		now:       time.Now,
	}
	if s.execSelf == nil {
		s.execSelf = gitops.ExecSelf
	}

	s.dispatcher = events.NewDispatcher(s, logger, opts.Metrics)
	s.scheduler = tasks.NewScheduler(func(t *tasks.Task) { s.queue.Enqueue(t) }, logger)
	s.probe = tasks.NewEvolutionProbe(opts.Queue, opts.Config.EvolutionInterval)
	s.mind = consciousness.New(consciousness.Options{
		Store:    opts.Store,
		Interval: opts.Config.ConsciousnessInterval,
		Logger:   logger,
		Notify: func(text string) {
			s.emitLocal(events.Event{Type: events.KindSendMessage, Text: text})
		},
	})
	return s
}

// Run executes the supervisor until ctx is cancelled (SIGTERM/SIGINT in
// production) or a pending restart settles. Nil means clean shutdown; on
// a successful self-restart the call never returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.layout.Ensure(); err != nil {
		return fmt.Errorf("ensure runtime layout: %w", err)
	}

	release, err := acquireSingletonLock(s.layout.SupervisorLock())
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.journal(map[string]any{
				"type":   "singleton_lock_skip",
				"reason": "another_supervisor_process_running",
			})
			s.logger.Warn("another supervisor holds the lock; exiting")
		}
		return err
	}
	defer release()

	snap := s.store.Current()
	s.offset = snap.TGOffset
	s.startedAt = s.now()
	s.lastBeat = s.now()

	s.journal(map[string]any{
		"type":                 "launcher_start",
		"repo_dir":             s.cfg.RepoDir,
		"runtime_dir":          s.cfg.RuntimeDir,
		"max_workers":          s.cfg.MaxWorkers,
		"skip_bootstrap_reset": s.cfg.SkipBootstrapReset,
	})

	s.bootstrap(ctx)

	if restored, err := s.queue.Restore(s.store.TerminalTaskIDs()); err != nil {
		s.logger.Warn("queue restore failed; starting empty", "error", err)
	} else if restored > 0 {
		s.logger.Info("queue restored", "tasks", restored)
	}

	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	s.scheduler.Start(ctx)
	s.mind.Start(ctx)
	s.serveMetrics()

	s.logger.Info("supervisor running",
		"workers", s.cfg.MaxWorkers, "budget_usd", s.cfg.TotalBudgetUSD)

	for {
		s.tick(ctx)
		if ctx.Err() != nil {
			break
		}
		if s.restartReason != "" && s.queue.RunningCount() == 0 {
			break
		}
		if err := backoff.SleepWithContext(ctx, s.cfg.LoopSleep); err != nil {
			break
		}
	}

	s.shutdown()
	release()

	// A shutdown signal outranks a pending restart.
	if s.restartReason != "" && ctx.Err() == nil {
		s.logger.Info("replacing process", "reason", s.restartReason)
		if err := s.execSelf(); err != nil {
			return fmt.Errorf("self restart: %w", err)
		}
	}
	return nil
}

// tick is one main-loop iteration, split out so tests can drive the loop
// deterministically.
func (s *Supervisor) tick(ctx context.Context) {
	s.pollOnce(ctx)
	s.persistOffset()

	s.dispatcher.Drain(ctx, s.pool.Events())
	s.dispatcher.Drain(ctx, s.local)

	if s.restartReason == "" {
		s.assignPending()
	}
	s.sweepTimeouts(ctx)
	s.checkWorkers(ctx)
	if t := s.probe.Tick(s.store.Current().EvolutionModeEnabled); t != nil {
		s.logger.Info("evolution task enqueued", "task_id", t.ID)
	}
	s.heartbeat()
}

// pollOnce long-polls the transport and handles each new update. Poll
// errors are logged and journaled; the loop continues.
func (s *Supervisor) pollOnce(ctx context.Context) {
	updates, err := s.transport.PollUpdates(ctx, s.offset, s.cfg.PollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("chat poll failed", "error", err)
		s.journal(map[string]any{"type": "chat_poll_error", "error": err.Error()})
		return
	}

	for _, upd := range updates {
		if s.dedupe.Seen(upd.UpdateID) {
			continue
		}
		if upd.UpdateID >= s.offset {
			s.offset = upd.UpdateID + 1
			s.offsetDirty = true
		}
		s.handleUpdate(ctx, upd)
	}
}

// persistOffset writes the advanced poll offset to the snapshot. On write
// failure the in-memory snapshot still holds it; a later save carries it.
func (s *Supervisor) persistOffset() {
	if !s.offsetDirty {
		return
	}
	offset := s.offset
	if err := s.store.Mutate(func(sn *state.Snapshot) { sn.TGOffset = offset }); err != nil {
		s.logger.Error("offset persist failed", "error", err)
	}
	s.offsetDirty = false
}

// assignPending hands queued tasks to idle workers until one side runs
// out.
func (s *Supervisor) assignPending() {
	for {
		alive, busy := s.pool.Counts()
		if alive-busy <= 0 || s.queue.PendingCount() == 0 {
			return
		}
		t := s.queue.Pop(0)
		if t == nil {
			return
		}
		workerID, ok := s.pool.Assign(t)
		if !ok {
			// Raced with a worker death; retry next tick.
			s.queue.Unassign(t.ID)
			return
		}
		s.queue.SetWorker(t.ID, workerID)
	}
}

// sweepTimeouts nudges tasks past their soft deadline and terminates ones
// past their hard deadline, killing the holding worker.
func (s *Supervisor) sweepTimeouts(ctx context.Context) {
	sweep := s.queue.EnforceTimeouts()

	for _, t := range sweep.Nudged {
		if !s.pool.Inject(t.ID, softNudgeText) {
			s.logger.Warn("soft nudge undeliverable", "task_id", t.ID)
			continue
		}
		s.logger.Info("soft deadline nudge sent", "task_id", t.ID)
	}

	for _, t := range sweep.Expired {
		if workerID, ok := s.pool.KillTaskWorker(ctx, t.ID); ok {
			s.logger.Warn("hard deadline: worker killed",
				"task_id", t.ID, "worker_id", workerID)
			if s.metrics != nil {
				s.metrics.WorkerRestarts.Inc()
			}
		}
		s.Deliver(ctx, t.ChatID,
			fmt.Sprintf("⚠️ Task %s timed out after %s", t.ID, s.cfg.HardTimeout))
	}
}

// checkWorkers reaps crashed or irrecoverably silent workers and requeues
// their tasks once; a second crash fails the task and tells the owner.
func (s *Supervisor) checkWorkers(ctx context.Context) {
	reports := s.pool.CheckHealth(ctx, func(taskID string) bool {
		for _, t := range s.queue.Running() {
			if t.ID == taskID {
				return s.now().After(t.HardDeadline)
			}
		}
		// A worker holding a task the queue no longer tracks is orphaned.
		return true
	})

	for _, rep := range reports {
		if s.metrics != nil {
			s.metrics.WorkerRestarts.Inc()
		}
		taskID := rep.TaskID
		if taskID == "" {
			// The pool can miss an assignment when a worker dies
			// mid-dispatch; the queue's record is authoritative.
			if t := s.queue.RunningOnWorker(rep.WorkerID); t != nil {
				taskID = t.ID
			}
		}
		if taskID == "" {
			continue
		}
		t, retrying := s.queue.RequeueAfterCrash(taskID)
		if t == nil {
			continue
		}
		if retrying {
			s.logger.Warn("task requeued after worker crash",
				"task_id", t.ID, "worker_id", rep.WorkerID)
			continue
		}
		s.Deliver(ctx, t.ChatID,
			fmt.Sprintf("⚠️ Task %s failed: worker crashed twice", t.ID))
	}
}

// heartbeat journals a liveness record at the configured cadence.
func (s *Supervisor) heartbeat() {
	now := s.now()
	if now.Sub(s.lastBeat) < s.cfg.Heartbeat {
		return
	}
	s.lastBeat = now

	alive, busy := s.pool.Counts()
	s.journal(map[string]any{
		"type":    "main_loop_heartbeat",
		"pending": s.queue.PendingCount(),
		"running": s.queue.RunningCount(),
		"workers": alive,
		"busy":    busy,
		"offset":  s.offset,
	})
}

// bootstrap aligns the repository with its remote at startup. Fail-open:
// a broken remote never prevents the runtime from serving its owner.
func (s *Supervisor) bootstrap(ctx context.Context) {
	if s.git == nil || s.cfg.RemoteURL == "" {
		return
	}
	if err := s.git.EnsureRemote(ctx, s.cfg.RemoteURL); err != nil {
		s.logger.Warn("remote setup failed", "error", err)
		s.journal(map[string]any{"type": "bootstrap_error", "error": err.Error()})
		return
	}
	if s.cfg.SkipBootstrapReset {
		return
	}
	policy := gitops.PolicyRescueAndReset
	if s.cfg.DisableAutoRescue {
		policy = gitops.PolicyIgnore
	}
	if err := s.git.BootstrapReset(ctx, policy); err != nil {
		s.logger.Warn("bootstrap reset failed", "error", err)
		s.journal(map[string]any{"type": "bootstrap_error", "error": err.Error()})
	}
}

// serveMetrics starts the Prometheus listener when configured.
func (s *Supervisor) serveMetrics() {
	if s.metrics == nil || s.cfg.MetricsAddr == "" {
		return
	}
	addr := s.cfg.MetricsAddr
	go func() {
		if err := s.metrics.Serve(addr); err != nil {
			s.logger.Error("metrics listener failed", "addr", addr, "error", err)
		}
	}()
}

// shutdown stops the runtime in dependency order and persists what the
// next incarnation needs. Workers stop first so their final events land
// in the last drain; the queue snapshot is already current because every
// queue mutation persists one.
func (s *Supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace+5*time.Second)
	defer cancel()

	s.mind.Stop()
	if err := s.scheduler.Stop(ctx); err != nil {
		s.logger.Warn("scheduler stop timed out", "error", err)
	}
	s.pool.StopAll(stopGrace)

	s.dispatcher.Drain(ctx, s.pool.Events())
	s.dispatcher.Drain(ctx, s.local)

	offset := s.offset
	if err := s.store.Mutate(func(sn *state.Snapshot) { sn.TGOffset = offset }); err != nil {
		s.logger.Error("final state write failed", "error", err)
	}

	s.journal(map[string]any{"type": "main_exit"})
	s.logger.Info("supervisor stopped")
}

// emitLocal queues an in-process event for the next dispatch pass. Never
// blocks; a full buffer drops the event with a log line.
func (s *Supervisor) emitLocal(ev events.Event) {
	select {
	case s.local <- ev.Stamp():
	default:
		s.logger.Warn("local event buffer full; event dropped",
			"type", string(ev.Type))
	}
}

// journal appends one record to the supervisor audit stream.
func (s *Supervisor) journal(record map[string]any) {
	if err := s.store.AppendEvent(state.StreamSupervisor, record); err != nil {
		s.logger.Warn("supervisor journal append failed", "error", err)
	}
}
