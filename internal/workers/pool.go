package workers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/haasonsaas/ouroboros/internal/events"
	"github.com/haasonsaas/ouroboros/internal/tasks"
)

const (
	// DefaultPoolSize matches the MAX_WORKERS default.
	DefaultPoolSize = 2

	// DefaultHeartbeatWindow is how long a worker may stay silent before
	// the watchdog considers recycling it. Several missed beats, so one
	// slow write never kills a healthy worker.
	DefaultHeartbeatWindow = 45 * time.Second

	// killGrace is the SIGTERM→SIGKILL window.
	killGrace = 3 * time.Second

	// eventBuffer is the shared channel capacity. The dispatcher drains up
	// to 200 per tick, so the buffer only smooths bursts.
	eventBuffer = 256

	// poolScanBuffer bounds one worker stdout frame.
	poolScanBuffer = 4 * 1024 * 1024
)

// CrashReport names a worker the pool replaced and the task it was holding.
// The supervisor decides whether the task is retried or failed.
type CrashReport struct {
	WorkerID int
	TaskID   string
}

// PoolOptions wires a Pool.
type PoolOptions struct {
	// Size is the number of workers kept alive. Zero means DefaultPoolSize.
	Size int

	// Binary and Args form the worker command line; production passes the
	// supervisor's own executable and the hidden worker subcommand.
	Binary string
	Args   []string

	// Env is the full child environment. The pool appends WORKER_ID.
	Env []string

	HeartbeatWindow time.Duration
	Logger          *slog.Logger
}

// Pool spawns and supervises the worker processes. It is the only writer
// to worker stdin and merges every worker's stdout into one event channel.
type Pool struct {
	opts   PoolOptions
	events chan events.Event
	logger *slog.Logger

	// done releases readers blocked on a full event channel at shutdown.
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	workers map[int]*handle
	nextID  int
}

// handle is one live worker process. taskID and lastBeat are guarded by
// Pool.mu; writes to stdin are serialized by writeMu.
type handle struct {
	id      int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	enc     *json.Encoder

	lastBeat time.Time
	taskID   string
	started  time.Time

	exited  chan struct{}
	waitErr error
}

func (h *handle) send(fr Frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.enc.Encode(fr)
}

func (h *handle) dead() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// NewPool builds a pool. Call Start to spawn the workers.
func NewPool(opts PoolOptions) *Pool {
	if opts.Size <= 0 {
		opts.Size = DefaultPoolSize
	}
	if opts.HeartbeatWindow <= 0 {
		opts.HeartbeatWindow = DefaultHeartbeatWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		opts:    opts,
		events:  make(chan events.Event, eventBuffer),
		logger:  logger.With("component", "pool"),
		done:    make(chan struct{}),
		workers: make(map[int]*handle),
	}
}

// Events is the merged worker→supervisor stream the dispatcher drains.
func (p *Pool) Events() <-chan events.Event {
	return p.events
}

// Start spawns the full pool. A spawn failure stops what already started
// and reports; a supervisor without workers is useless.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.opts.Size; i++ {
		if _, err := p.spawnLocked(ctx); err != nil {
			for _, h := range p.workers {
				p.killLocked(h)
			}
			p.workers = make(map[int]*handle)
			return fmt.Errorf("start worker pool: %w", err)
		}
	}
	return nil
}

func (p *Pool) spawnLocked(ctx context.Context) (*handle, error) {
	p.nextID++
	id := p.nextID

	cmd := exec.CommandContext(ctx, p.opts.Binary, p.opts.Args...)
	cmd.Env = append(append([]string(nil), p.opts.Env...), fmt.Sprintf("WORKER_ID=%d", id))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdin pipe: %w", id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdout pipe: %w", id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stderr pipe: %w", id, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}

	h := &handle{
		id:       id,
		cmd:      cmd,
		stdin:    stdin,
		enc:      json.NewEncoder(stdin),
		lastBeat: time.Now(),
		started:  time.Now(),
		exited:   make(chan struct{}),
	}
	p.workers[id] = h
	p.logger.Info("worker started", "worker_id", id, "pid", cmd.Process.Pid)

	// Wait must not run until both pipes are drained, or the tail of a
	// dying worker's output is lost.
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		p.readEvents(h, stdout)
	}()
	go func() {
		defer pipes.Done()
		p.logStderr(id, stderr)
	}()
	go func() {
		pipes.Wait()
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

// readEvents decodes one worker's stdout into the shared channel. Any
// well-formed frame counts as liveness; heartbeat frames exist so an idle
// worker still produces them.
func (p *Pool) readEvents(h *handle, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), poolScanBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			p.logger.Warn("malformed worker event dropped",
				"worker_id", h.id, "error", err)
			continue
		}
		ev.WorkerID = h.id

		p.mu.Lock()
		h.lastBeat = time.Now()
		p.mu.Unlock()

		select {
		case p.events <- ev:
		case <-p.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Error("worker stdout read failed", "worker_id", h.id, "error", err)
	}
}

// logStderr relays worker stderr lines. Workers log structured JSON there,
// so relay at debug to avoid double-reporting.
func (p *Pool) logStderr(id int, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), poolScanBuffer)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.logger.Debug("worker stderr", "worker_id", id, "line", line)
		}
	}
}

// Assign routes a task to an idle worker. Returns the worker id, or false
// when every worker is busy or unreachable.
func (p *Pool) Assign(t *tasks.Task) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.sortedIDsLocked() {
		h := p.workers[id]
		if h.taskID != "" || h.dead() {
			continue
		}
		if err := h.send(Frame{Kind: FrameTask, Task: t}); err != nil {
			p.logger.Error("task frame write failed; worker presumed dead",
				"worker_id", id, "task_id", t.ID, "error", err)
			continue
		}
		h.taskID = t.ID
		h.lastBeat = time.Now()
		return id, true
	}
	return 0, false
}

// Inject forwards an owner message to the worker running taskID.
func (p *Pool) Inject(taskID, text string) bool {
	return p.control(taskID, Frame{Kind: FrameInject, TaskID: taskID, Text: text})
}

// CancelRunning raises the cancel flag on the worker running taskID. The
// task ends cooperatively between rounds; the hard deadline still applies.
func (p *Pool) CancelRunning(taskID string) bool {
	return p.control(taskID, Frame{Kind: FrameCancel, TaskID: taskID})
}

func (p *Pool) control(taskID string, fr Frame) bool {
	p.mu.Lock()
	h := p.byTaskLocked(taskID)
	p.mu.Unlock()
	if h == nil {
		return false
	}
	if err := h.send(fr); err != nil {
		p.logger.Error("control frame write failed",
			"worker_id", h.id, "task_id", taskID, "kind", string(fr.Kind), "error", err)
		return false
	}
	return true
}

// Release frees a worker after its task reached a terminal event.
func (p *Pool) Release(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.workers[workerID]; ok {
		h.taskID = ""
	}
}

// NoteHeartbeat records liveness observed by the dispatcher.
func (p *Pool) NoteHeartbeat(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.workers[workerID]; ok {
		h.lastBeat = time.Now()
	}
}

// Counts reports live and busy workers for the status line.
func (p *Pool) Counts() (alive, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.workers {
		if h.dead() {
			continue
		}
		alive++
		if h.taskID != "" {
			busy++
		}
	}
	return alive, busy
}

// KillTaskWorker force-terminates the worker running taskID (hard-deadline
// enforcement) and spawns a replacement. The caller marks the task.
func (p *Pool) KillTaskWorker(ctx context.Context, taskID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.byTaskLocked(taskID)
	if h == nil {
		return 0, false
	}
	p.logger.Warn("killing worker past hard deadline",
		"worker_id", h.id, "task_id", taskID)
	p.killLocked(h)
	delete(p.workers, h.id)
	p.topUpLocked(ctx)
	return h.id, true
}

// CheckHealth reaps exited workers and recycles silent ones whose task has
// crossed its hard deadline, then tops the pool back up to size. Returned
// reports carry the tasks that were in flight.
func (p *Pool) CheckHealth(ctx context.Context, pastHard func(taskID string) bool) []CrashReport {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	var reports []CrashReport
	for id, h := range p.workers {
		if h.dead() {
			p.logger.Warn("worker exited unexpectedly",
				"worker_id", id, "task_id", h.taskID, "error", h.waitErr)
			if h.taskID != "" {
				reports = append(reports, CrashReport{WorkerID: id, TaskID: h.taskID})
			}
			delete(p.workers, id)
			continue
		}
		if h.taskID == "" || now.Sub(h.lastBeat) <= p.opts.HeartbeatWindow {
			continue
		}
		if pastHard == nil || !pastHard(h.taskID) {
			continue
		}
		p.logger.Warn("worker silent past hard deadline; recycling",
			"worker_id", id, "task_id", h.taskID, "silent_for", now.Sub(h.lastBeat))
		reports = append(reports, CrashReport{WorkerID: id, TaskID: h.taskID})
		p.killLocked(h)
		delete(p.workers, id)
	}
	p.topUpLocked(ctx)
	return reports
}

// StopAll terminates every worker: SIGTERM, a shared grace window, then
// SIGKILL for stragglers. Blocks until all are reaped.
func (p *Pool) StopAll(grace time.Duration) {
	p.doneOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	hs := make([]*handle, 0, len(p.workers))
	for _, h := range p.workers {
		hs = append(hs, h)
	}
	p.workers = make(map[int]*handle)
	p.mu.Unlock()

	for _, h := range hs {
		_ = h.stdin.Close()
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	expired := false
	for _, h := range hs {
		if !expired {
			select {
			case <-h.exited:
				continue
			case <-timer.C:
				expired = true
			}
		}
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.exited
	}
	p.logger.Info("worker pool stopped", "workers", len(hs))
}

// killLocked starts the SIGTERM→grace→SIGKILL sequence without blocking
// the caller; the waiter goroutine reaps the process.
func (p *Pool) killLocked(h *handle) {
	_ = h.stdin.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}
	go func() {
		select {
		case <-h.exited:
		case <-time.After(killGrace):
			if h.cmd.Process != nil {
				_ = h.cmd.Process.Kill()
			}
		}
	}()
}

func (p *Pool) topUpLocked(ctx context.Context) {
	for len(p.workers) < p.opts.Size {
		if _, err := p.spawnLocked(ctx); err != nil {
			p.logger.Error("worker respawn failed; pool degraded",
				"have", len(p.workers), "want", p.opts.Size, "error", err)
			return
		}
	}
}

func (p *Pool) byTaskLocked(taskID string) *handle {
	for _, h := range p.workers {
		if h.taskID == taskID && !h.dead() {
			return h
		}
	}
	return nil
}

func (p *Pool) sortedIDsLocked() []int {
	ids := make([]int, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
