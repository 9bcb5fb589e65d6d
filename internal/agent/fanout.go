package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/ouroboros/internal/llm"
)

// timeoutPrefix starts the synthetic result of an abandoned call.
const timeoutPrefix = "⚠️ TOOL_TIMEOUT"

type toolOutcome struct {
	call    llm.ToolCall
	result  string
	isError bool
}

// runTools executes one round of tool calls. When every call names a
// parallel-safe tool and there is more than one, they fan out concurrently
// with at most maxFanout workers; otherwise they run one at a time.
// Outcomes always come back in the order the model emitted the calls,
// regardless of completion order.
func (l *Loop) runTools(ctx context.Context, calls []llm.ToolCall) []toolOutcome {
	outcomes := make([]toolOutcome, len(calls))

	if len(calls) > 1 && l.allParallelSafe(calls) {
		var wg sync.WaitGroup
		sem := make(chan struct{}, min(len(calls), maxFanout))
		for i, call := range calls {
			wg.Add(1)
			go func(idx int, tc llm.ToolCall) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				outcomes[idx] = l.runTool(ctx, tc)
			}(i, call)
		}
		wg.Wait()
		return outcomes
	}

	for i, call := range calls {
		outcomes[i] = l.runTool(ctx, call)
	}
	return outcomes
}

func (l *Loop) allParallelSafe(calls []llm.ToolCall) bool {
	for _, call := range calls {
		if !l.tools.IsParallelSafe(call.Name) {
			return false
		}
	}
	return true
}

// runTool executes one call under its registered deadline. A handler that
// outlives the deadline is abandoned: the loop takes a TOOL_TIMEOUT result
// and moves on, and a wedged worker is the pool watchdog's problem.
func (l *Loop) runTool(ctx context.Context, call llm.ToolCall) toolOutcome {
	timeout := l.tools.TimeoutFor(call.Name)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan string, 1)
	go func() {
		done <- l.tools.Execute(cctx, call.Name, call.Arguments)
	}()

	var result string
	select {
	case result = <-done:
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.Canceled) {
			result = fmt.Sprintf("%s: %s was interrupted by task shutdown.", timeoutPrefix, call.Name)
		} else {
			result = fmt.Sprintf("%s: %s produced no result within %s. The call was abandoned; do not assume it completed.",
				timeoutPrefix, call.Name, timeout)
			l.logger.Warn("tool call abandoned", "tool", call.Name, "timeout", timeout)
		}
	}

	return toolOutcome{
		call:    call,
		result:  result,
		isError: strings.HasPrefix(result, "⚠️"),
	}
}
