package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maeple/aigateway/internal/providers"
)

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New("mock-api-key", WithBaseURL(srv.URL))
}

func journalRequest() *providers.InvokeRequest {
	return &providers.InvokeRequest{
		Model: "gpt-4o-mini",
		Analysis: &providers.AnalysisRequest{
			Task: providers.TaskJournalInsight,
			Text: "Slept 8 hours, went for a run, felt great.",
		},
		TraceID: "trace-mock-1",
	}
}

func TestAdapter_Name(t *testing.T) {
	a := New("key")
	if a.Name() != "openai" {
		t.Fatalf("expected 'openai', got %q", a.Name())
	}
}

func TestAdapter_Invoke_Success(t *testing.T) {
	// Minimal chat.completion payload that openai-go/v3 can unmarshal.
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o-mini",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Great consistency this week.",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("expected system + user message, got %d messages", len(msgs))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Invoke(context.Background(), journalRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "chatcmpl-123" {
		t.Errorf("expected ID 'chatcmpl-123', got %q", resp.ID)
	}
	if resp.Content != "Great consistency this week." {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestAdapter_Invoke_MealPhotoSendsImagePart(t *testing.T) {
	responseBody := map[string]any{
		"id": "chatcmpl-9", "object": "chat.completion", "created": 0, "model": "gpt-4o-mini",
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": "Grilled salmon, ~450 kcal."},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
	}

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sb strings.Builder
		buf := make([]byte, 1<<16)
		for {
			n, err := r.Body.Read(buf)
			sb.Write(buf[:n])
			if err != nil {
				break
			}
		}
		gotBody = sb.String()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	req := &providers.InvokeRequest{
		Analysis: &providers.AnalysisRequest{
			Task:  providers.TaskMealPhoto,
			Image: &providers.ImageAttachment{Data: []byte{0xff, 0xd8, 0xff}, MIME: "image/jpeg"},
		},
	}

	a := newTestAdapter(srv)
	if _, err := a.Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(gotBody, "data:image/jpeg;base64,") {
		t.Error("request body missing inline image data URL")
	}
	if !strings.Contains(gotBody, "image_url") {
		t.Error("request body missing image content part")
	}
}

func TestAdapter_Invoke_ValidationFailsLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("invalid payload must not reach the provider")
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Invoke(context.Background(), &providers.InvokeRequest{
		Analysis: &providers.AnalysisRequest{Task: providers.TaskMealPhoto},
	})
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "requires an image") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAdapter_Invoke_RateLimit(t *testing.T) {
	errBody := map[string]any{
		"error": map[string]any{
			"message": "Rate limit exceeded",
			"type":    "rate_limit_error",
			"code":    "rate_limit_exceeded",
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Invoke(context.Background(), journalRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	adErr, ok := err.(*AdapterError)
	if !ok {
		t.Fatalf("expected *AdapterError, got %T: %v", err, err)
	}
	if adErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", adErr.StatusCode)
	}
	if adErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus() = %d, want 429", adErr.HTTPStatus())
	}
}

func TestAdapter_Invoke_ServerError(t *testing.T) {
	errBody := map[string]any{
		"error": map[string]any{
			"message": "Service unavailable",
			"type":    "server_error",
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Invoke(context.Background(), journalRequest())
	if err == nil {
		t.Fatal("expected error for 503, got nil")
	}

	adErr, ok := err.(*AdapterError)
	if !ok {
		t.Fatalf("expected *AdapterError, got %T: %v", err, err)
	}
	if adErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", adErr.StatusCode)
	}
}
