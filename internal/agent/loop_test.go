package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/ouroboros/internal/backoff"
	"github.com/haasonsaas/ouroboros/internal/events"
	"github.com/haasonsaas/ouroboros/internal/llm"
	"github.com/haasonsaas/ouroboros/internal/state"
	"github.com/haasonsaas/ouroboros/internal/tasks"
	"github.com/haasonsaas/ouroboros/internal/usage"
)

type llmStep struct {
	resp llm.Response
	err  error
}

// fakeLLM replays scripted responses and records every request. Profiles
// come from the real default table so tests track profile changes.
type fakeLLM struct {
	mu    sync.Mutex
	steps []llmStep
	reqs  []llm.Request
}

func (f *fakeLLM) Chat(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.steps) == 0 {
		return llm.Response{Content: "fallback answer"}, nil
	}
	st := f.steps[0]
	f.steps = f.steps[1:]
	return st.resp, st.err
}

func (f *fakeLLM) Profile(name string) llm.Profile {
	if p, ok := llm.DefaultProfiles()[name]; ok {
		return p
	}
	return llm.DefaultProfiles()["default"]
}

func (f *fakeLLM) ProfileForTask(taskType string) llm.Profile {
	return f.Profile(llm.ProfileForTaskType(taskType))
}

func (f *fakeLLM) requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.reqs...)
}

// fakeTools is a scriptable ToolRunner that tracks concurrency.
type fakeTools struct {
	mu          sync.Mutex
	exec        func(ctx context.Context, name, args string) string
	timeouts    map[string]time.Duration
	safe        map[string]bool
	mutating    map[string]bool
	calls       []string
	running     int
	maxParallel int
}

func (f *fakeTools) Execute(ctx context.Context, name, args string) string {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.running++
	if f.running > f.maxParallel {
		f.maxParallel = f.running
	}
	fn := f.exec
	f.mu.Unlock()

	res := "ok:" + name
	if fn != nil {
		res = fn(ctx, name, args)
	}

	f.mu.Lock()
	f.running--
	f.mu.Unlock()
	return res
}

func (f *fakeTools) Schemas() []llm.ToolSpec {
	return []llm.ToolSpec{{Name: "probe", Description: "test probe"}}
}

func (f *fakeTools) TimeoutFor(name string) time.Duration {
	if d, ok := f.timeouts[name]; ok {
		return d
	}
	return time.Second
}

func (f *fakeTools) IsParallelSafe(name string) bool { return f.safe[name] }
func (f *fakeTools) IsCodeMutating(name string) bool { return f.mutating[name] }

// fakeJournal records events and narration in memory.
type fakeJournal struct {
	mu        sync.Mutex
	snap      state.Snapshot
	recent    []string
	events    []map[string]any
	narration []string
}

func (f *fakeJournal) Current() state.Snapshot { return f.snap }

func (f *fakeJournal) AppendEvent(_ state.Stream, record map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, record)
	return nil
}

func (f *fakeJournal) AppendNarration(_ string, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.narration = append(f.narration, line)
	return nil
}

func (f *fakeJournal) RecentNarration(int) []string { return f.recent }

func (f *fakeJournal) hasEventType(typ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev["type"] == typ {
			return true
		}
	}
	return false
}

func newTestLoop(t *testing.T, fl *fakeLLM, ft *fakeTools, fj *fakeJournal, mods ...func(*Options)) (*Loop, *[]events.Event) {
	t.Helper()
	emitted := &[]events.Event{}
	opts := Options{
		LLM:     fl,
		Tools:   ft,
		Journal: fj,
		Emit:    func(ev events.Event) { *emitted = append(*emitted, ev) },
		Layout:  state.Layout{Root: t.TempDir()},
		RepoDir: "/src/ouroboros",
		Config: Config{
			RetryPolicy: backoff.Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0},
		},
	}
	for _, mod := range mods {
		mod(&opts)
	}
	return New(opts), emitted
}

func chatTask(text string) *tasks.Task {
	return tasks.New(tasks.TypeChat, text, 42, 0)
}

func toolStep(note string, cost float64, calls ...llm.ToolCall) llmStep {
	return llmStep{resp: llm.Response{
		Content:   note,
		ToolCalls: calls,
		Usage:     usage.Usage{PromptTokens: 100, CompletionTokens: 10, CostUSD: cost},
	}}
}

func finalStep(text string, cost float64) llmStep {
	return llmStep{resp: llm.Response{
		Content: text,
		Usage:   usage.Usage{PromptTokens: 50, CompletionTokens: 5, CostUSD: cost},
	}}
}

func tc(id, name string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: `{"q":"x"}`}
}

// toolMessages filters the tool turns out of a request buffer.
func toolMessages(req llm.Request) []llm.Message {
	var out []llm.Message
	for _, m := range req.Messages {
		if m.Role == llm.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func systemMessagesContaining(req llm.Request, substr string) int {
	n := 0
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem && strings.Contains(m.Content, substr) {
			n++
		}
	}
	return n
}

func TestRunAnswersWithoutTools(t *testing.T) {
	fl := &fakeLLM{steps: []llmStep{finalStep("all done", 0.01)}}
	ft := &fakeTools{}
	fj := &fakeJournal{}
	loop, _ := newTestLoop(t, fl, ft, fj)

	task := chatTask("hello")
	res := loop.Run(context.Background(), task, nil, nil)

	if res.Failed || res.Cancelled {
		t.Fatalf("unexpected failure flags: %+v", res)
	}
	if res.Text != "all done" {
		t.Errorf("text = %q, want %q", res.Text, "all done")
	}
	if res.Usage.CostUSD != 0.01 {
		t.Errorf("cost = %v, want 0.01", res.Usage.CostUSD)
	}
	if res.Trace == nil || res.Trace.Rounds != 1 {
		t.Errorf("trace rounds = %+v, want 1", res.Trace)
	}
	if res.Trace.TaskID != task.ID {
		t.Errorf("trace task id = %q, want %q", res.Trace.TaskID, task.ID)
	}
	if !fj.hasEventType("llm_round") {
		t.Error("llm_round event not journaled")
	}

	reqs := fl.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	def := llm.DefaultProfiles()["default"]
	if reqs[0].Model != def.Model || reqs[0].Effort != def.Effort || reqs[0].MaxTokens != def.MaxTokens {
		t.Errorf("request profile = %s/%s/%d, want default %s/%s/%d",
			reqs[0].Model, reqs[0].Effort, reqs[0].MaxTokens, def.Model, def.Effort, def.MaxTokens)
	}
	if len(reqs[0].Tools) == 0 {
		t.Error("tools not advertised on a normal round")
	}
}

func TestRunToolRoundThenFinal(t *testing.T) {
	fl := &fakeLLM{steps: []llmStep{
		toolStep("checking things", 0.01, tc("1", "alpha"), tc("2", "beta")),
		finalStep("final answer", 0.01),
	}}
	ft := &fakeTools{}
	fj := &fakeJournal{}
	loop, emitted := newTestLoop(t, fl, ft, fj)

	task := chatTask("look around")
	res := loop.Run(context.Background(), task, nil, nil)

	if res.Text != "final answer" {
		t.Fatalf("text = %q, want final answer", res.Text)
	}
	if got := res.Usage.CostUSD; got != 0.02 {
		t.Errorf("accumulated cost = %v, want 0.02", got)
	}

	reqs := fl.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	tools := toolMessages(reqs[1])
	if len(tools) != 2 {
		t.Fatalf("tool turns = %d, want 2", len(tools))
	}
	if tools[0].ToolCallID != "1" || tools[0].Content != "ok:alpha" {
		t.Errorf("first tool turn = %+v", tools[0])
	}
	if tools[1].ToolCallID != "2" || tools[1].Content != "ok:beta" {
		t.Errorf("second tool turn = %+v", tools[1])
	}

	if len(res.Trace.AssistantNotes) != 1 || res.Trace.AssistantNotes[0] != "checking things" {
		t.Errorf("assistant notes = %v", res.Trace.AssistantNotes)
	}
	if len(res.Trace.ToolCalls) != 2 || res.Trace.ToolCalls[0].Name != "alpha" || res.Trace.ToolCalls[1].Name != "beta" {
		t.Errorf("trace tool calls = %+v", res.Trace.ToolCalls)
	}

	wantLine := `alpha: {"q":"x"} → ok`
	if len(fj.narration) != 2 || fj.narration[0] != wantLine {
		t.Errorf("narration = %v, want first %q", fj.narration, wantLine)
	}

	var sawNote, sawBatch bool
	for _, ev := range *emitted {
		if ev.Type != events.KindSendMessage {
			continue
		}
		if ev.Text == "💬 checking things" {
			sawNote = true
		}
		if strings.Contains(ev.Text, "alpha:") && strings.Contains(ev.Text, "beta:") {
			sawBatch = true
		}
	}
	if !sawNote || !sawBatch {
		t.Errorf("progress events missing: note=%v batch=%v", sawNote, sawBatch)
	}
}

func TestToolResultsKeepEmissionOrder(t *testing.T) {
	ft := &fakeTools{
		safe: map[string]bool{"slow": true, "fast": true},
		exec: func(_ context.Context, name, _ string) string {
			if name == "slow" {
				time.Sleep(50 * time.Millisecond)
			}
			return "ok:" + name
		},
	}
	fl := &fakeLLM{steps: []llmStep{
		toolStep("", 0, tc("1", "slow"), tc("2", "fast")),
		finalStep("done", 0),
	}}
	fj := &fakeJournal{}
	loop, _ := newTestLoop(t, fl, ft, fj)

	loop.Run(context.Background(), chatTask("race"), nil, nil)

	tools := toolMessages(fl.requests()[1])
	if len(tools) != 2 {
		t.Fatalf("tool turns = %d, want 2", len(tools))
	}
	if tools[0].ToolCallID != "1" || tools[1].ToolCallID != "2" {
		t.Errorf("tool turn order = %s, %s; want 1, 2", tools[0].ToolCallID, tools[1].ToolCallID)
	}
	if !strings.HasPrefix(fj.narration[0], "slow:") {
		t.Errorf("narration order = %v", fj.narration)
	}
}

func TestEffortEscalatesWithRounds(t *testing.T) {
	var steps []llmStep
	for i := 0; i < 10; i++ {
		steps = append(steps, toolStep("", 0, tc("1", "probe")))
	}
	steps = append(steps, finalStep("done", 0))

	fl := &fakeLLM{steps: steps}
	loop, _ := newTestLoop(t, fl, &fakeTools{}, &fakeJournal{})

	loop.Run(context.Background(), chatTask("long haul"), nil, nil)

	reqs := fl.requests()
	if len(reqs) != 11 {
		t.Fatalf("requests = %d, want 11", len(reqs))
	}
	for i, want := range []llm.Effort{
		llm.EffortMedium, llm.EffortMedium, llm.EffortMedium, llm.EffortMedium, // rounds 1-4
		llm.EffortHigh, llm.EffortHigh, llm.EffortHigh, llm.EffortHigh, llm.EffortHigh, // rounds 5-9
		llm.EffortXHigh, llm.EffortXHigh, // rounds 10-11
	} {
		if reqs[i].Effort != want {
			t.Errorf("round %d effort = %s, want %s", i+1, reqs[i].Effort, want)
		}
	}
}

func TestToolErrorsEscalateEffort(t *testing.T) {
	cases := []struct {
		errors int
		want   llm.Effort
	}{
		{2, llm.EffortHigh},
		{4, llm.EffortXHigh},
	}
	for _, tt := range cases {
		calls := make([]llm.ToolCall, tt.errors)
		for i := range calls {
			calls[i] = llm.ToolCall{ID: string(rune('1' + i)), Name: "broken", Arguments: "{}"}
		}
		ft := &fakeTools{exec: func(_ context.Context, name, _ string) string {
			return "⚠️ TOOL_ERROR (" + name + "): errorString: nope"
		}}
		fl := &fakeLLM{steps: []llmStep{toolStep("", 0, calls...), finalStep("done", 0)}}
		loop, _ := newTestLoop(t, fl, ft, &fakeJournal{})

		loop.Run(context.Background(), chatTask("fragile"), nil, nil)

		reqs := fl.requests()
		if got := reqs[1].Effort; got != tt.want {
			t.Errorf("%d errors: next-round effort = %s, want %s", tt.errors, got, tt.want)
		}
	}
}

func TestCodeMutatingCallSwitchesProfile(t *testing.T) {
	ft := &fakeTools{mutating: map[string]bool{"repo_write_commit": true}}
	fl := &fakeLLM{steps: []llmStep{
		toolStep("", 0, tc("1", "repo_write_commit")),
		finalStep("committed", 0),
	}}
	loop, _ := newTestLoop(t, fl, ft, &fakeJournal{})

	loop.Run(context.Background(), chatTask("fix the bug"), nil, nil)

	code := llm.DefaultProfiles()["code_task"]
	req := fl.requests()[1]
	if req.Model != code.Model || req.MaxTokens != code.MaxTokens {
		t.Errorf("second round = %s/%d, want code profile %s/%d",
			req.Model, req.MaxTokens, code.Model, code.MaxTokens)
	}
	if req.Effort != llm.EffortHigh {
		t.Errorf("second round effort = %s, want high", req.Effort)
	}
}

func TestBudgetGuardForcesClosure(t *testing.T) {
	fl := &fakeLLM{steps: []llmStep{
		toolStep("spending", 0.6, tc("1", "probe")),
		finalStep("wrapped up", 0.01),
	}}
	fj := &fakeJournal{}
	loop, _ := newTestLoop(t, fl, &fakeTools{}, fj, func(o *Options) {
		o.RemainingBudget = func() float64 { return 1.0 }
	})

	res := loop.Run(context.Background(), chatTask("expensive"), nil, nil)

	if res.Text != "wrapped up" {
		t.Fatalf("text = %q, want closure answer", res.Text)
	}
	reqs := fl.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if len(reqs[1].Tools) != 0 {
		t.Error("closure call still advertises tools")
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleSystem || !strings.Contains(last.Content, "BUDGET LIMIT") {
		t.Errorf("closure note = %+v", last)
	}
	if !fj.hasEventType("budget_limit") {
		t.Error("budget_limit event not journaled")
	}
	if got := res.Usage.CostUSD; got < 0.60 || got > 0.62 {
		t.Errorf("accumulated cost = %v, want 0.61", got)
	}
}

func TestBudgetSoftNudgeOnTenthRound(t *testing.T) {
	var steps []llmStep
	for i := 0; i < 10; i++ {
		steps = append(steps, toolStep("", 0.04, tc("1", "probe")))
	}
	steps = append(steps, finalStep("done", 0))

	fl := &fakeLLM{steps: steps}
	loop, _ := newTestLoop(t, fl, &fakeTools{}, &fakeJournal{}, func(o *Options) {
		o.RemainingBudget = func() float64 { return 1.0 }
	})

	res := loop.Run(context.Background(), chatTask("steady burn"), nil, nil)
	if res.Failed {
		t.Fatalf("unexpected failure: %q", res.Text)
	}

	reqs := fl.requests()
	if len(reqs) != 11 {
		t.Fatalf("requests = %d, want 11", len(reqs))
	}
	for i := 0; i < 10; i++ {
		if n := systemMessagesContaining(reqs[i], "Budget notice"); n != 0 {
			t.Errorf("round %d already carries %d nudges", i+1, n)
		}
	}
	if n := systemMessagesContaining(reqs[10], "Budget notice"); n != 1 {
		t.Errorf("round 11 nudges = %d, want exactly 1", n)
	}
}

func TestSelfCheckAtRoundTwenty(t *testing.T) {
	var steps []llmStep
	for i := 0; i < 20; i++ {
		steps = append(steps, toolStep("", 0.001, tc("1", "probe")))
	}
	steps = append(steps, finalStep("done", 0))

	fl := &fakeLLM{steps: steps}
	fj := &fakeJournal{}
	loop, _ := newTestLoop(t, fl, &fakeTools{}, fj, func(o *Options) {
		o.Config.MaxToolRounds = 25
	})

	loop.Run(context.Background(), chatTask("marathon"), nil, nil)

	reqs := fl.requests()
	if len(reqs) != 21 {
		t.Fatalf("requests = %d, want 21", len(reqs))
	}
	for i := 0; i < 19; i++ {
		if n := systemMessagesContaining(reqs[i], "Self-check:"); n != 0 {
			t.Errorf("round %d already carries a self-check", i+1)
		}
	}
	if n := systemMessagesContaining(reqs[19], `"rounds":20`); n != 1 {
		t.Errorf("round 20 self-checks = %d, want 1", n)
	}
	if !fj.hasEventType("self_check") {
		t.Error("self_check event not journaled")
	}
}

func TestRoundCapForcesClosure(t *testing.T) {
	fl := &fakeLLM{steps: []llmStep{
		toolStep("", 0, tc("1", "probe")),
		toolStep("", 0, tc("2", "probe")),
		finalStep("capped summary", 0),
	}}
	loop, _ := newTestLoop(t, fl, &fakeTools{}, &fakeJournal{}, func(o *Options) {
		o.Config.MaxToolRounds = 2
	})

	res := loop.Run(context.Background(), chatTask("never ends"), nil, nil)

	if res.Text != "capped summary" {
		t.Fatalf("text = %q, want capped summary", res.Text)
	}
	if res.Trace.Rounds != 2 {
		t.Errorf("trace rounds = %d, want 2", res.Trace.Rounds)
	}
	reqs := fl.requests()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3", len(reqs))
	}
	if len(reqs[2].Tools) != 0 {
		t.Error("closure call still advertises tools")
	}
	if n := systemMessagesContaining(reqs[2], "Tool-round limit reached (2 rounds)"); n != 1 {
		t.Errorf("closure note count = %d, want 1", n)
	}
}

func TestInjectedMessagesEnterBufferInOrder(t *testing.T) {
	inject := make(chan string, 4)
	inject <- "first note"
	inject <- "   "
	inject <- "second note"

	fl := &fakeLLM{steps: []llmStep{finalStep("ack", 0)}}
	loop, _ := newTestLoop(t, fl, &fakeTools{}, &fakeJournal{})

	loop.Run(context.Background(), chatTask("base"), inject, nil)

	msgs := fl.requests()[0].Messages
	var users []string
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			users = append(users, m.Content)
		}
	}
	want := []string{"base", "first note", "second note"}
	if len(users) != len(want) {
		t.Fatalf("user turns = %v, want %v", users, want)
	}
	for i := range want {
		if users[i] != want[i] {
			t.Errorf("user turn %d = %q, want %q", i, users[i], want[i])
		}
	}
}

func TestCancelledBetweenRounds(t *testing.T) {
	fl := &fakeLLM{steps: []llmStep{finalStep("never sent", 0)}}
	loop, _ := newTestLoop(t, fl, &fakeTools{}, &fakeJournal{})

	res := loop.Run(context.Background(), chatTask("stop me"), nil, func() bool { return true })

	if !res.Cancelled {
		t.Fatal("cancelled flag not set")
	}
	if len(fl.requests()) != 0 {
		t.Error("llm called despite cancellation")
	}
}

func TestTransientErrorRetriesThenSucceeds(t *testing.T) {
	fl := &fakeLLM{steps: []llmStep{
		{err: &llm.CallError{Provider: "zai", Reason: llm.ReasonServerError}},
		finalStep("recovered", 0),
	}}
	fj := &fakeJournal{}
	loop, emitted := newTestLoop(t, fl, &fakeTools{}, fj)

	res := loop.Run(context.Background(), chatTask("flaky"), nil, nil)

	if res.Failed {
		t.Fatalf("failed despite recovery: %q", res.Text)
	}
	if res.Text != "recovered" {
		t.Errorf("text = %q, want recovered", res.Text)
	}
	if len(fl.requests()) != 2 {
		t.Errorf("attempts = %d, want 2", len(fl.requests()))
	}
	if !fj.hasEventType("llm_api_error") {
		t.Error("llm_api_error not journaled")
	}
	var sawRetryNote bool
	for _, ev := range *emitted {
		if strings.Contains(ev.Text, "LLM API error (attempt 1/3)") {
			sawRetryNote = true
		}
	}
	if !sawRetryNote {
		t.Error("retry progress message not emitted")
	}
}

func TestTransientErrorsExhaustRetries(t *testing.T) {
	transient := &llm.CallError{Provider: "zai", Reason: llm.ReasonServerError}
	fl := &fakeLLM{steps: []llmStep{{err: transient}, {err: transient}, {err: transient}}}
	loop, _ := newTestLoop(t, fl, &fakeTools{}, &fakeJournal{})

	res := loop.Run(context.Background(), chatTask("down"), nil, nil)

	if !res.Failed {
		t.Fatal("failed flag not set")
	}
	if !strings.Contains(res.Text, "No response from the model after 3 attempts") {
		t.Errorf("failure text = %q", res.Text)
	}
	if len(fl.requests()) != 3 {
		t.Errorf("attempts = %d, want 3", len(fl.requests()))
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	fl := &fakeLLM{steps: []llmStep{
		{err: &llm.CallError{Provider: "zai", Reason: llm.ReasonAuth}},
	}}
	fl.steps = append(fl.steps, finalStep("should not reach", 0))
	loop, _ := newTestLoop(t, fl, &fakeTools{}, &fakeJournal{})

	res := loop.Run(context.Background(), chatTask("no key"), nil, nil)

	if !res.Failed {
		t.Fatal("failed flag not set")
	}
	if !strings.HasPrefix(res.Text, "⚠️ LLM call failed:") {
		t.Errorf("failure text = %q", res.Text)
	}
	if len(fl.requests()) != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on auth)", len(fl.requests()))
	}
}

func TestUsageSurvivesFailure(t *testing.T) {
	fl := &fakeLLM{steps: []llmStep{
		toolStep("", 0.05, tc("1", "probe")),
		{err: &llm.CallError{Provider: "zai", Reason: llm.ReasonAuth}},
	}}
	loop, _ := newTestLoop(t, fl, &fakeTools{}, &fakeJournal{})

	res := loop.Run(context.Background(), chatTask("partial"), nil, nil)

	if !res.Failed {
		t.Fatal("failed flag not set")
	}
	if res.Usage.CostUSD != 0.05 {
		t.Errorf("usage at failure = %v, want the round-1 cost 0.05", res.Usage.CostUSD)
	}
}
