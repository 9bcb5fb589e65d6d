package llm

import (
	"context"
	"testing"

	"github.com/haasonsaas/ouroboros/internal/usage"
)

type fakeAdapter struct {
	resp Response
	err  error
	last Request
}

func (f *fakeAdapter) chat(_ context.Context, req Request, _ string) (Response, error) {
	f.last = req
	return f.resp, f.err
}

func TestClientChatFillsCost(t *testing.T) {
	fake := &fakeAdapter{resp: Response{
		Content: "done",
		Model:   "zai/glm-4.7",
		Usage:   usage.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000, TotalTokens: 2_000_000},
	}}
	c := NewClient(Options{Registry: testRegistry()})
	c.adapters["zai"] = fake

	resp, err := c.Chat(context.Background(), Request{
		Model:    "zai/glm-4.7",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	// 1M uncached prompt at 0.6 + 1M completion at 2.2
	want := 0.6 + 2.2
	if diff := resp.Usage.CostUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %v, want %v", resp.Usage.CostUSD, want)
	}
}

func TestClientChatKeepsInlineCost(t *testing.T) {
	fake := &fakeAdapter{resp: Response{
		Content: "done",
		Model:   "zai/glm-4.7",
		Usage:   usage.Usage{PromptTokens: 10, CostUSD: 0.5},
	}}
	c := NewClient(Options{Registry: testRegistry()})
	c.adapters["zai"] = fake

	resp, err := c.Chat(context.Background(), Request{Model: "zai/glm-4.7"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Usage.CostUSD != 0.5 {
		t.Errorf("inline cost overwritten: %v", resp.Usage.CostUSD)
	}
}

func TestClientProfileFallback(t *testing.T) {
	c := NewClient(Options{Registry: testRegistry()})
	if got := c.Profile("no-such-profile").Name; got != "default" {
		t.Errorf("Profile fallback = %q", got)
	}
	if got := c.ProfileForTask("code").Name; got != "code_task" {
		t.Errorf("ProfileForTask(code) = %q", got)
	}
}

func TestClientVision(t *testing.T) {
	fake := &fakeAdapter{resp: Response{
		Content: "a cat",
		Model:   "zai/glm-4.7",
		Usage:   usage.Usage{PromptTokens: 7, CompletionTokens: 3},
	}}
	c := NewClient(Options{Registry: testRegistry()})
	c.adapters["zai"] = fake

	text, u, err := c.Vision(context.Background(), "aGVsbG8=", "describe", "", 0)
	if err != nil {
		t.Fatalf("Vision: %v", err)
	}
	if text != "a cat" {
		t.Errorf("text = %q", text)
	}
	if u.PromptTokens != 7 {
		t.Errorf("usage = %+v", u)
	}
	if fake.last.Model != "zai/glm-4.7" {
		t.Errorf("vision model = %q, want default profile model", fake.last.Model)
	}
	if fake.last.MaxTokens != 1024 {
		t.Errorf("vision max tokens = %d, want 1024 default", fake.last.MaxTokens)
	}
	if len(fake.last.Messages) != 1 || fake.last.Messages[0].ImageB64 == "" {
		t.Errorf("vision message = %+v", fake.last.Messages)
	}
	if fake.last.Effort != "" {
		t.Errorf("vision should not send effort, got %q", fake.last.Effort)
	}
}
