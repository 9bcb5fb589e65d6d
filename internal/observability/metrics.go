package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the supervisor's operational counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	// TasksTotal counts tasks by type and terminal status.
	TasksTotal *prometheus.CounterVec

	// QueueDepth tracks the current pending queue length.
	QueueDepth prometheus.Gauge

	// RunningTasks tracks tasks currently assigned to workers.
	RunningTasks prometheus.Gauge

	// LLMRequestDuration measures LLM call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens counts tokens by provider, model, and kind
	// (prompt|completion|cached).
	LLMTokens *prometheus.CounterVec

	// SpentUSD accumulates LLM spend in dollars.
	SpentUSD prometheus.Counter

	// BudgetRemainingUSD tracks the remaining budget.
	BudgetRemainingUSD prometheus.Gauge

	// ToolExecutions counts tool invocations by tool and status
	// (ok|error|timeout).
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	ToolDuration *prometheus.HistogramVec

	// WorkerRestarts counts workers killed and replaced by the watchdog.
	WorkerRestarts prometheus.Counter

	// EventsDispatched counts worker events applied, by kind.
	EventsDispatched *prometheus.CounterVec
}

// NewMetrics creates a metric set on its own registry, so repeated
// construction in tests never collides.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ouroboros_tasks_total",
				Help: "Tasks reaching a terminal status, by type and status",
			},
			[]string{"type", "status"},
		),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ouroboros_queue_depth",
			Help: "Pending tasks awaiting a worker",
		}),

		RunningTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ouroboros_running_tasks",
			Help: "Tasks currently executing on workers",
		}),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ouroboros_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ouroboros_llm_tokens_total",
				Help: "Tokens consumed by provider, model, and kind",
			},
			[]string{"provider", "model", "kind"},
		),

		SpentUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "ouroboros_spent_usd_total",
			Help: "Cumulative LLM spend in US dollars",
		}),

		BudgetRemainingUSD: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ouroboros_budget_remaining_usd",
			Help: "Remaining budget in US dollars",
		}),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ouroboros_tool_executions_total",
				Help: "Tool invocations by tool name and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ouroboros_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool"},
		),

		WorkerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ouroboros_worker_restarts_total",
			Help: "Workers killed and replaced by the health watchdog",
		}),

		EventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ouroboros_events_dispatched_total",
				Help: "Worker events applied by the dispatcher, by kind",
			},
			[]string{"kind"},
		),
	}
}

// Handler returns the HTTP handler exposing this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until the server fails. Callers run it in
// a goroutine; an empty addr disables the listener.
func (m *Metrics) Serve(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
