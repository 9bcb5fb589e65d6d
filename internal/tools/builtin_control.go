package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/ouroboros/internal/events"
)

// Control tools do not act directly: they emit events the supervisor
// dispatches, so a worker can request but never perform a restart or
// promotion itself.

type requestRestartArgs struct {
	Reason string `json:"reason" jsonschema:"description=Why the runtime should restart"`
}

func requestRestartTool(env *Env) Descriptor {
	return Descriptor{
		Name:        "request_restart",
		Description: "Ask the supervisor to restart the runtime so newly committed code takes effect.",
		Schema:      ArgsSchema[requestRestartArgs](),
		Timeout:     5 * time.Second,
		Handler: Typed(func(_ context.Context, args requestRestartArgs) (string, error) {
			env.emit(events.Event{Type: events.KindRestartRequest, Reason: args.Reason})
			return "Restart requested: " + args.Reason, nil
		}),
	}
}

type requestStablePromotionArgs struct {
	Summary string `json:"summary" jsonschema:"description=What changed since the last promotion"`
}

func requestStablePromotionTool(env *Env) Descriptor {
	return Descriptor{
		Name:        "request_stable_promotion",
		Description: "Ask the owner to approve promoting the dev branch to stable.",
		Schema:      ArgsSchema[requestStablePromotionArgs](),
		Timeout:     5 * time.Second,
		Handler: Typed(func(_ context.Context, args requestStablePromotionArgs) (string, error) {
			env.emit(events.Event{Type: events.KindStablePromotionRequest, Summary: args.Summary})
			return "Stable promotion requested (needs owner approval): " + args.Summary, nil
		}),
	}
}

type scheduleTaskArgs struct {
	Text         string `json:"text" jsonschema:"description=Task description"`
	Priority     int    `json:"priority,omitempty" jsonschema:"description=Priority, higher runs sooner (default 0)"`
	DelayMinutes int    `json:"delay_minutes,omitempty" jsonschema:"description=Run once after this many minutes"`
	Cron         string `json:"cron,omitempty" jsonschema:"description=Cron expression for recurring runs"`
}

func scheduleTaskTool(env *Env) Descriptor {
	return Descriptor{
		Name:        "schedule_task",
		Description: "Enqueue a new task, immediately or on a schedule.",
		Schema:      ArgsSchema[scheduleTaskArgs](),
		Timeout:     5 * time.Second,
		Handler: Typed(func(_ context.Context, args scheduleTaskArgs) (string, error) {
			env.emit(events.Event{
				Type:         events.KindScheduleTask,
				Text:         args.Text,
				Priority:     args.Priority,
				DelayMinutes: args.DelayMinutes,
				Cron:         args.Cron,
			})
			return "Scheduled task request: " + args.Text, nil
		}),
	}
}

type cancelTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"description=Id of the task to cancel"`
}

func cancelTaskTool(env *Env) Descriptor {
	return Descriptor{
		Name:        "cancel_task",
		Description: "Cancel a pending or running task by id.",
		Schema:      ArgsSchema[cancelTaskArgs](),
		Timeout:     5 * time.Second,
		Handler: Typed(func(_ context.Context, args cancelTaskArgs) (string, error) {
			env.emit(events.Event{Type: events.KindCancelTask, TaskID: args.TaskID})
			return fmt.Sprintf("Cancel requested for task_id=%s", args.TaskID), nil
		}),
	}
}

type reindexRequestArgs struct {
	Reason string `json:"reason,omitempty" jsonschema:"description=Why a full reindex is needed"`
}

func reindexRequestTool(env *Env) Descriptor {
	return Descriptor{
		Name:        "reindex_request",
		Description: "Ask the owner to approve rebuilding the drive index.",
		Schema:      ArgsSchema[reindexRequestArgs](),
		Timeout:     5 * time.Second,
		Handler: Typed(func(_ context.Context, args reindexRequestArgs) (string, error) {
			env.emit(events.Event{Type: events.KindReindexRequest, Reason: args.Reason})
			return "Reindex requested (needs owner approval): " + args.Reason, nil
		}),
	}
}
