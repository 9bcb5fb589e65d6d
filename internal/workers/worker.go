package workers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/ouroboros/internal/agent"
	"github.com/haasonsaas/ouroboros/internal/chat"
	"github.com/haasonsaas/ouroboros/internal/events"
	"github.com/haasonsaas/ouroboros/internal/state"
	"github.com/haasonsaas/ouroboros/internal/tasks"
	"github.com/haasonsaas/ouroboros/internal/usage"
)

const (
	// DefaultHeartbeatEvery is the worker's liveness ping cadence.
	DefaultHeartbeatEvery = 10 * time.Second

	// injectBuffer bounds owner messages queued for a running task.
	injectBuffer = 16

	// frameScanBuffer bounds one stdin frame (a task with an inline image
	// is the largest).
	frameScanBuffer = 4 * 1024 * 1024

	// resultSummaryRunes bounds the summary carried on task_done.
	resultSummaryRunes = 200
)

// TaskRunner drives one task to completion. *agent.Loop satisfies it.
type TaskRunner interface {
	Run(ctx context.Context, task *tasks.Task, inject <-chan string, cancelled func() bool) agent.Result
}

// Journal is the slice of the state store the worker records to.
type Journal interface {
	AppendEvent(stream state.Stream, record map[string]any) error
}

// RuntimeOptions wires a worker Runtime.
type RuntimeOptions struct {
	ID      int
	Runner  TaskRunner
	Journal Journal

	// Transport drives the typing indicator. Nil disables it; the final
	// answer always travels through the supervisor, not this transport.
	Transport chat.Transport

	// Layout locates task_results/ for trace persistence.
	Layout state.Layout

	// In and Out are the IPC pipes; production passes os.Stdin/os.Stdout.
	In  io.Reader
	Out io.Writer

	HeartbeatEvery time.Duration
	Logger         *slog.Logger
}

// Runtime is the child-process side of the pool: it reads frames from
// stdin, runs one task at a time, and writes event frames to stdout.
// Logging goes to stderr; stdout carries nothing but events.
type Runtime struct {
	id        int
	runner    TaskRunner
	journal   Journal
	transport chat.Transport
	layout    state.Layout
	beatEvery time.Duration
	logger    *slog.Logger

	outMu sync.Mutex
	out   *json.Encoder
	in    io.Reader

	mu        sync.Mutex
	currentID string
	inject    chan string
	cancelled atomic.Bool
}

// NewRuntime builds a worker runtime.
func NewRuntime(opts RuntimeOptions) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	beat := opts.HeartbeatEvery
	if beat <= 0 {
		beat = DefaultHeartbeatEvery
	}
	return &Runtime{
		id:        opts.ID,
		runner:    opts.Runner,
		journal:   opts.Journal,
		transport: opts.Transport,
		layout:    opts.Layout,
		beatEvery: beat,
		logger:    logger.With("component", "worker", "worker_id", opts.ID),
		out:       json.NewEncoder(opts.Out),
		in:        opts.In,
	}
}

// Run blocks until stdin closes (supervisor shutdown or death) or ctx is
// cancelled. Tasks run strictly one at a time; control frames for the
// running task are applied as they arrive.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.heartbeatLoop(ctx)
	r.emit(events.Event{Type: events.KindHeartbeat})

	taskCh := make(chan *tasks.Task, 1)
	go r.readFrames(ctx, taskCh)

	r.logger.Info("worker ready")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-taskCh:
			if !ok {
				r.logger.Info("stdin closed; worker exiting")
				return nil
			}
			r.handleTask(ctx, t)
		}
	}
}

// readFrames parses stdin. Control frames are routed to the running task
// immediately; task frames queue for the run loop. Closes taskCh on EOF.
func (r *Runtime) readFrames(ctx context.Context, taskCh chan<- *tasks.Task) {
	defer close(taskCh)

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), frameScanBuffer)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var fr Frame
		if err := json.Unmarshal(line, &fr); err != nil {
			r.logger.Warn("malformed frame dropped", "error", err)
			continue
		}
		switch fr.Kind {
		case FrameTask:
			if fr.Task == nil {
				r.logger.Warn("task frame without task dropped")
				continue
			}
			select {
			case taskCh <- fr.Task:
			case <-ctx.Done():
				return
			}
		case FrameInject:
			r.deliverInject(fr.TaskID, fr.Text)
		case FrameCancel:
			r.markCancelled(fr.TaskID)
		default:
			r.logger.Warn("unknown frame kind dropped", "kind", string(fr.Kind))
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Error("stdin read failed", "error", err)
	}
}

func (r *Runtime) handleTask(ctx context.Context, t *tasks.Task) {
	r.mu.Lock()
	r.currentID = t.ID
	r.inject = make(chan string, injectBuffer)
	r.cancelled.Store(false)
	inject := r.inject
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.currentID = ""
		r.inject = nil
		r.mu.Unlock()
	}()

	r.logger.Info("task started", "task_id", t.ID, "type", t.Type)
	if err := r.journal.AppendEvent(state.StreamEvents, map[string]any{
		"type": "task_received", "task_id": t.ID, "task_type": string(t.Type), "worker_id": r.id,
	}); err != nil {
		r.logger.Warn("task_received append failed", "error", err)
	}

	if r.transport != nil && t.ChatID != 0 {
		typing := chat.StartTyping(ctx, r.transport, t.ChatID)
		defer typing.Stop()
	}

	res := r.runner.Run(ctx, t, inject, r.cancelled.Load)
	r.persistResult(t, &res)

	if res.Usage.Total() > 0 || res.Usage.CostUSD > 0 {
		r.emit(events.Event{
			Type:   events.KindLLMUsage,
			TaskID: t.ID,
			Usage:  &res.Usage,
			Model:  res.Model,
		})
	}
	if res.Text != "" && t.ChatID != 0 {
		r.emit(events.Event{
			Type:   events.KindSendMessage,
			TaskID: t.ID,
			ChatID: t.ChatID,
			Text:   res.Text,
		})
	}
	status := statusFor(&res)
	r.emit(events.Event{
		Type:   events.KindTaskDone,
		TaskID: t.ID,
		Status: string(status),
		Result: summarize(res.Text),
	})
	r.logger.Info("task finished",
		"task_id", t.ID, "status", status, "cost_usd", res.Usage.CostUSD)
}

// deliverInject routes an owner message to the running task. Messages for
// finished or foreign tasks are dropped; the queue handles those.
func (r *Runtime) deliverInject(taskID, text string) {
	r.mu.Lock()
	ch := r.inject
	current := r.currentID
	r.mu.Unlock()

	if taskID != current || ch == nil {
		r.logger.Debug("inject for inactive task dropped", "task_id", taskID)
		return
	}
	select {
	case ch <- text:
		r.emit(events.Event{Type: events.KindOwnerMessageInjected, TaskID: taskID})
	default:
		r.logger.Warn("inject buffer full; message dropped", "task_id", taskID)
	}
}

func (r *Runtime) markCancelled(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if taskID != r.currentID {
		return
	}
	r.cancelled.Store(true)
	r.logger.Info("cancel flag raised", "task_id", taskID)
}

// resultRecord is the durable per-task outcome written to task_results/.
type resultRecord struct {
	TaskID string       `json:"task_id"`
	Status string       `json:"status"`
	Model  string       `json:"model,omitempty"`
	Text   string       `json:"text"`
	Usage  usage.Usage  `json:"usage"`
	Trace  *agent.Trace `json:"trace,omitempty"`
}

func (r *Runtime) persistResult(t *tasks.Task, res *agent.Result) {
	rec := resultRecord{
		TaskID: t.ID,
		Status: string(statusFor(res)),
		Model:  res.Model,
		Text:   res.Text,
		Usage:  res.Usage,
		Trace:  res.Trace,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		r.logger.Warn("result record marshal failed", "task_id", t.ID, "error", err)
		return
	}
	path := filepath.Join(r.layout.TaskResultsDir(), t.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.Warn("result record write failed", "task_id", t.ID, "error", err)
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.beatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			taskID := r.currentID
			r.mu.Unlock()
			r.emit(events.Event{Type: events.KindHeartbeat, TaskID: taskID})
		}
	}
}

// emit writes one event frame to stdout. Safe for concurrent use; the
// heartbeat goroutine and the task path share the encoder.
func (r *Runtime) emit(ev events.Event) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if err := r.out.Encode(ev.Stamp()); err != nil {
		r.logger.Error("event emit failed", "type", string(ev.Type), "error", err)
	}
}

// Emit publishes an event on the worker's stdout stream. The agent loop
// and tool handlers send progress and control events through here.
func (r *Runtime) Emit(ev events.Event) {
	r.emit(ev)
}

func statusFor(res *agent.Result) tasks.Status {
	switch {
	case res.Cancelled:
		return tasks.StatusCancelled
	case res.Failed:
		return tasks.StatusFailed
	default:
		return tasks.StatusDone
	}
}

// summarize clips the final text to the short form the queue keeps as
// result_summary.
func summarize(text string) string {
	runes := []rune(text)
	if len(runes) <= resultSummaryRunes {
		return text
	}
	return string(runes[:resultSummaryRunes-1]) + "…"
}
