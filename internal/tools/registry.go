// Package tools is the registry and builtin suite the model calls through.
// Every invocation is schema-validated before the handler runs, truncated
// after it, and audit-logged to tools.jsonl. Error strings returned to the
// model follow fixed ⚠️-prefixed formats it is prompted to recognize.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/ouroboros/internal/compaction"
	"github.com/haasonsaas/ouroboros/internal/llm"
	"github.com/haasonsaas/ouroboros/internal/observability"
	"github.com/haasonsaas/ouroboros/internal/state"
)

// DefaultTimeout applies to descriptors that leave Timeout zero.
const DefaultTimeout = 60 * time.Second

// Audit record clipping bounds.
const (
	maxLoggedArgs   = 500
	maxLoggedResult = 2000
)

// HandlerFunc executes one tool call. The raw arguments have already
// passed schema validation.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Descriptor declares one callable tool.
type Descriptor struct {
	Name        string
	Description string

	// Schema is the JSON schema for the argument object, normally built
	// with ArgsSchema from a typed struct.
	Schema json.RawMessage

	// Timeout is the per-call deadline class. Zero means DefaultTimeout.
	Timeout time.Duration

	// ParallelSafe marks read-only tools eligible for fan-out execution.
	ParallelSafe bool

	// CodeMutating marks tools that change the runtime's own code; their
	// use switches the task to the coding profile.
	CodeMutating bool

	Handler HandlerFunc
}

// Sink receives audit records. *state.Store satisfies it.
type Sink interface {
	AppendEvent(stream state.Stream, record map[string]any) error
}

type registered struct {
	desc     Descriptor
	compiled *jsonschema.Schema
}

// Registry holds the tool set advertised to the model.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registered
	order   []string
	sink    Sink
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewRegistry builds an empty registry. sink and metrics may be nil in
// tests.
func NewRegistry(sink Sink, metrics *observability.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*registered),
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}
}

// Register adds a tool. Duplicate names, nil handlers, and uncompilable
// schemas are registration-time errors, not call-time surprises.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("tool name must not be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s: handler must not be nil", d.Name)
	}
	if d.ParallelSafe && d.CodeMutating {
		return fmt.Errorf("tool %s: a code-mutating tool cannot be parallel-safe", d.Name)
	}
	if len(d.Schema) == 0 {
		d.Schema = json.RawMessage(`{"type":"object"}`)
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}

	compiler := jsonschema.NewCompiler()
	resource := d.Name + ".schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(string(d.Schema))); err != nil {
		return fmt.Errorf("tool %s: schema: %w", d.Name, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("tool %s: schema: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tool %s: already registered", d.Name)
	}
	r.tools[d.Name] = &registered{desc: d, compiled: compiled}
	r.order = append(r.order, d.Name)
	return nil
}

// Schemas lists the registered tools in registration order, ready to
// advertise on an LLM request.
func (r *Registry) Schemas() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		d := r.tools[name].desc
		specs = append(specs, llm.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Schema,
		})
	}
	return specs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// TimeoutFor returns the per-call deadline for name.
func (r *Registry) TimeoutFor(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t.desc.Timeout
	}
	return DefaultTimeout
}

// IsParallelSafe reports whether name may run inside a parallel fan-out.
func (r *Registry) IsParallelSafe(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return ok && t.desc.ParallelSafe
}

// IsCodeMutating reports whether name modifies the runtime's own code.
func (r *Registry) IsCodeMutating(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return ok && t.desc.CodeMutating
}

// Execute runs one tool call end to end and always returns model-facing
// text: results and failures both come back as strings because the model,
// not the caller, decides what to do next.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string) string {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("⚠️ UNKNOWN_TOOL: '%s' does not exist.\nAvailable: %s",
			name, strings.Join(r.Names(), ", "))
	}

	raw := strings.TrimSpace(rawArgs)
	if raw == "" {
		raw = "{}"
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return fmt.Sprintf("⚠️ TOOL_ARG_ERROR: %s", err.Error())
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return fmt.Sprintf("⚠️ TOOL_ARG_ERROR: %s", err.Error())
	}

	start := time.Now()
	result, err := safeInvoke(ctx, t.desc.Handler, json.RawMessage(raw))
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		result = fmt.Sprintf("⚠️ TOOL_ERROR (%s): %s: %s", name, errType(err), err.Error())
		r.logger.Warn("tool failed",
			"tool", name, "error", err, "duration_ms", elapsed.Milliseconds())
	}

	result = compaction.TruncateResult(result)

	if r.metrics != nil {
		r.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
		r.metrics.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
	if r.sink != nil {
		rec := map[string]any{
			"tool":           name,
			"args":           clip(raw, maxLoggedArgs),
			"result_preview": clip(result, maxLoggedResult),
			"status":         status,
			"duration_ms":    elapsed.Milliseconds(),
		}
		if err := r.sink.AppendEvent(state.StreamTools, rec); err != nil {
			r.logger.Warn("tool audit append failed", "tool", name, "error", err)
		}
	}
	return result
}

func safeInvoke(ctx context.Context, h HandlerFunc, args json.RawMessage) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError{value: rec}
		}
	}()
	return h(ctx, args)
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("%v", p.value)
}

// errType names an error's concrete type the way the transcript format
// expects: short, no package path.
func errType(err error) string {
	if _, ok := err.(panicError); ok {
		return "panic"
	}
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return "error"
	}
	return t.Name()
}

// clip bounds a string for the audit log, keeping head and tail.
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	half := (max - 5) / 2
	return string(runes[:half]) + "\n...\n" + string(runes[len(runes)-half:])
}
