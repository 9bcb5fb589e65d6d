package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"anthropic key",
			"key sk-ant-REDACTED leaked",
			"key [redacted] leaked",
		},
		{
			"openai key",
			"using sk-abcdefghijklmnopqrst123456",
			"using [redacted]",
		},
		{
			"authenticated remote",
			"push to https://x%3Ay@github.com/a/b.git",
			"push to [redacted]github.com/a/b.git",
		},
		{
			"clean text",
			"nothing secret here",
			"nothing secret here",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.in); got != tt.want {
				t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger_RedactsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("starting", "token", "sk-ant-REDACTED")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if got := record["token"]; got != "[redacted]" {
		t.Errorf("token attr = %v, want [redacted]", got)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn record missing")
	}
}

func TestMetrics_Exposition(t *testing.T) {
	m := NewMetrics()
	m.TasksTotal.WithLabelValues("chat", "done").Inc()
	m.SpentUSD.Add(1.25)
	m.QueueDepth.Set(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"ouroboros_tasks_total",
		"ouroboros_spent_usd_total",
		"ouroboros_queue_depth 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics exposition missing %q", want)
		}
	}
}

func TestNewTracer_DisabledWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(context.Background(), TraceConfig{})
	if err != nil {
		t.Fatalf("NewTracer error: %v", err)
	}
	if tracer == nil {
		t.Fatal("tracer should not be nil when disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown error: %v", err)
	}
}
