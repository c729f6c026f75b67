package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	if err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	if xerrors.CodeOf(err) != xerrors.CodeMissingCredentials {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestCompleteSuccess(t *testing.T) {
	var captured struct {
		Path          string
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]any{
						"role":    "assistant",
						"content": "  Acme builds rockets.  ",
					},
				},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Complete(context.Background(), llm.Request{System: "analyst", Prompt: "about acme"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text != "Acme builds rockets." {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.PromptTokens != 12 || resp.CompletionTokens != 4 {
		t.Fatalf("unexpected usage: %+v", resp)
	}
	if captured.Path != "/chat/completions" {
		t.Fatalf("unexpected path: %s", captured.Path)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != "gpt-4o-mini" {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %v", captured.Body["messages"])
	}
}

func TestCompleteSendsConfiguredTemperature(t *testing.T) {
	zero := 0.0
	cases := []struct {
		name string
		temp *float64
		want float64
	}{
		{name: "default", temp: nil, want: defaultTemperature},
		{name: "explicit zero", temp: &zero, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				defer r.Body.Close()
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					t.Errorf("failed to decode body: %v", err)
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"id":"c","object":"chat.completion","created":1,"model":"gpt-4o-mini",` +
					`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`))
			}))
			defer srv.Close()

			client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Temperature: tc.temp, HTTPClient: srv.Client()})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, err := client.Complete(context.Background(), llm.Request{Prompt: "hi"}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, ok := body["temperature"].(float64)
			if !ok || got != tc.want {
				t.Fatalf("unexpected temperature: %v", body["temperature"])
			}
		})
	}
}

func TestCompleteHTTPErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Complete(context.Background(), llm.Request{Prompt: "test"})
	if err == nil {
		t.Fatalf("expected error when http status is not success")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	client, err := NewClient(Config{APIKey: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Complete(context.Background(), llm.Request{Prompt: "  "}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
