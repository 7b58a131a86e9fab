package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAIChatSuccess(t *testing.T) {
	var payload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1",
			"object":"chat.completion",
			"created":1700000000,
			"model":"gpt-4o-2024-08-06",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"EpisodeName\":\"Tech Roundup\"}"}}],
			"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{
		APIKey:    "test-key",
		BaseURL:   server.URL,
		RateLimit: 100,
	})

	result, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			SystemMessage("You generate episodes."),
			UserMessage("Newsletter 1:\nhello"),
		},
		Temperature:    0,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !result.Success {
		t.Fatal("expected success result")
	}
	if result.TotalTokens != 150 || result.PromptTokens != 120 {
		t.Fatalf("unexpected token counts: %+v", result)
	}
	if result.ModelUsed != "gpt-4o-2024-08-06" {
		t.Fatalf("unexpected model: %s", result.ModelUsed)
	}
	if string(result.ParsedJSON) != `{"EpisodeName":"Tech Roundup"}` {
		t.Fatalf("unexpected parsed JSON: %s", result.ParsedJSON)
	}

	if got, _ := payload["model"].(string); got != "gpt-4o" {
		t.Fatalf("expected default model gpt-4o, got %q", got)
	}
	rf, _ := payload["response_format"].(map[string]any)
	if got, _ := rf["type"].(string); got != "json_object" {
		t.Fatalf("expected json_object response format, got %v", payload["response_format"])
	}
	msgs, _ := payload["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" {
		t.Fatalf("expected system message first, got %v", first["role"])
	}
}

func TestOpenAIChatRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit","type":"rate_limit_error","param":"","code":"rate_limit"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		MaxRetries: -1,
	})

	result, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{UserMessage("hi")},
	})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	rle, ok := IsRateLimitError(err)
	if !ok {
		t.Fatalf("expected RateLimitError, got %T: %v", err, err)
	}
	if rle.RetryAfter != 3*time.Second {
		t.Fatalf("expected RetryAfter=3s, got %v", rle.RetryAfter)
	}
	if result == nil || result.ErrorType != "rate_limit" {
		t.Fatalf("expected rate_limit result, got %+v", result)
	}
	if st := client.RateLimiterStatus(); st.PausedUntil.IsZero() {
		t.Fatal("expected limiter to pause after 429")
	}
}

func TestOpenAIChatValidation(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key"})
	if _, err := client.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error for empty request")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"-1", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOpenAIChatLive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live API test in short mode")
	}
	client := LoadTestConfig().NewOpenAIClient()
	if client == nil {
		t.Skip("OPENAI_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := client.Chat(ctx, &ChatRequest{
		Messages: []Message{
			SystemMessage(`Reply with a JSON object {"ok": true}.`),
			UserMessage("ping"),
		},
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(res.ParsedJSON, &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, res.Content)
	}
}
