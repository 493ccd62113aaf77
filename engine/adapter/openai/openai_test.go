package openai

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockChatClient is a scripted chatClient for adapter tests.
type mockChatClient struct {
	responses []chatResponse
	errs      []error
	requests  []chatRequest
}

func (m *mockChatClient) complete(_ context.Context, req chatRequest) (chatResponse, error) {
	idx := len(m.requests)
	m.requests = append(m.requests, req)
	if idx < len(m.errs) && m.errs[idx] != nil {
		return chatResponse{}, m.errs[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	if len(m.responses) > 0 {
		return m.responses[len(m.responses)-1], nil
	}
	return chatResponse{Text: "ok"}, nil
}

func testAdapter(client chatClient) *Adapter {
	return &Adapter{
		model:      DefaultModel,
		client:     client,
		maxRetries: 3,
		retryDelay: time.Millisecond,
	}
}

// TestAdapter_Execute verifies param handling and the output contract.
func TestAdapter_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("requires prompt", func(t *testing.T) {
		a := testAdapter(&mockChatClient{})
		_, _, err := a.Execute(ctx, map[string]any{})
		if err == nil {
			t.Fatal("expected error for missing prompt")
		}
	})

	t.Run("uses default model and returns message output", func(t *testing.T) {
		client := &mockChatClient{responses: []chatResponse{
			{Text: "answer", InputTokens: 10, OutputTokens: 5},
		}}
		a := testAdapter(client)

		out, meta, err := a.Execute(ctx, map[string]any{"prompt": "question"})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if out["message"] != "answer" {
			t.Errorf("unexpected output: %v", out)
		}
		if meta["model"] != DefaultModel {
			t.Errorf("expected default model, got %v", meta["model"])
		}
		if meta["tokens"] != 15 {
			t.Errorf("expected 15 tokens, got %v", meta["tokens"])
		}
		if client.requests[0].Model != DefaultModel {
			t.Errorf("expected request against %s, got %s", DefaultModel, client.requests[0].Model)
		}
	})

	t.Run("forwards model, system and temperature params", func(t *testing.T) {
		client := &mockChatClient{responses: []chatResponse{{Text: "x"}}}
		a := testAdapter(client)

		_, _, err := a.Execute(ctx, map[string]any{
			"prompt":      "q",
			"model":       "gpt-4o",
			"system":      "be brief",
			"temperature": 0.2,
		})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		req := client.requests[0]
		if req.Model != "gpt-4o" || req.System != "be brief" {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.Temperature == nil || *req.Temperature != 0.2 {
			t.Errorf("expected temperature 0.2, got %v", req.Temperature)
		}
	})
}

// TestAdapter_Retries verifies transient-error retry behavior.
func TestAdapter_Retries(t *testing.T) {
	ctx := context.Background()

	t.Run("retries transient errors until success", func(t *testing.T) {
		client := &mockChatClient{
			errs:      []error{errors.New("connection reset"), errors.New("429 too many requests"), nil},
			responses: []chatResponse{{}, {}, {Text: "finally"}},
		}
		a := testAdapter(client)

		out, _, err := a.Execute(ctx, map[string]any{"prompt": "q"})
		if err != nil {
			t.Fatalf("expected eventual success, got %v", err)
		}
		if out["message"] != "finally" {
			t.Errorf("unexpected output: %v", out)
		}
		if len(client.requests) != 3 {
			t.Errorf("expected 3 attempts, got %d", len(client.requests))
		}
	})

	t.Run("permanent errors fail immediately", func(t *testing.T) {
		client := &mockChatClient{errs: []error{errors.New("invalid api key")}}
		a := testAdapter(client)

		_, _, err := a.Execute(ctx, map[string]any{"prompt": "q"})
		if err == nil {
			t.Fatal("expected error")
		}
		if len(client.requests) != 1 {
			t.Errorf("expected a single attempt, got %d", len(client.requests))
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		client := &mockChatClient{errs: []error{
			errors.New("timeout"), errors.New("timeout"),
			errors.New("timeout"), errors.New("timeout"),
		}}
		a := testAdapter(client)

		_, _, err := a.Execute(ctx, map[string]any{"prompt": "q"})
		if err == nil {
			t.Fatal("expected error after exhausting retries")
		}
		if len(client.requests) != 4 {
			t.Errorf("expected 4 attempts, got %d", len(client.requests))
		}
	})
}

// TestIsTransient spot-checks the retry classifier.
func TestIsTransient(t *testing.T) {
	transient := []string{
		"dial tcp: connection refused",
		"request timeout",
		"rate limit exceeded",
		"502 bad gateway",
	}
	for _, msg := range transient {
		if !isTransient(errors.New(msg)) {
			t.Errorf("expected %q to be transient", msg)
		}
	}
	if isTransient(errors.New("model not found")) {
		t.Error("expected permanent error to not be transient")
	}
	if isTransient(nil) {
		t.Error("nil error is not transient")
	}
}

// TestNew verifies construction defaults.
func TestNew(t *testing.T) {
	a := New("key", "")
	if a.model != DefaultModel {
		t.Errorf("expected default model, got %s", a.model)
	}

	b := NewCompatible("key", "deepseek-chat", "https://api.deepseek.com")
	if b.model != "deepseek-chat" {
		t.Errorf("expected explicit model, got %s", b.model)
	}
}
