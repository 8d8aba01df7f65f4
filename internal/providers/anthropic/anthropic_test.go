package anthropic

import (
	"context"
	"encoding/json"
	"io"
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
		Model: "claude-3-5-haiku-20241022",
		Analysis: &providers.AnalysisRequest{
			Task: providers.TaskJournalInsight,
			Text: "Skipped the gym again, feeling low.",
		},
	}
}

func TestAdapter_Name(t *testing.T) {
	a := New("key")
	if a.Name() != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", a.Name())
	}
}

func TestAdapter_Invoke_Success(t *testing.T) {
	responseBody := map[string]any{
		"id":    "msg_01ABC",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-3-5-haiku-20241022",
		"content": []any{
			map[string]any{"type": "text", "text": "It sounds like motivation is the theme this week."},
		},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 12, "output_tokens": 9},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("X-Api-Key") != "mock-api-key" {
			t.Errorf("missing or wrong X-Api-Key header: %s", r.Header.Get("X-Api-Key"))
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["system"] == nil {
			t.Error("expected system prompt in request")
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

	if resp.ID != "msg_01ABC" {
		t.Errorf("expected ID 'msg_01ABC', got %q", resp.ID)
	}
	if !strings.Contains(resp.Content, "motivation") {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 9 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestAdapter_Invoke_MealPhotoSendsImageBlock(t *testing.T) {
	responseBody := map[string]any{
		"id": "msg_02", "type": "message", "role": "assistant", "model": "claude-3-5-haiku-20241022",
		"content":     []any{map[string]any{"type": "text", "text": "Oatmeal with berries, ~320 kcal."}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 1, "output_tokens": 1},
	}

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	req := &providers.InvokeRequest{
		Analysis: &providers.AnalysisRequest{
			Task:  providers.TaskMealPhoto,
			Image: &providers.ImageAttachment{Data: []byte{0x89, 0x50, 0x4e, 0x47}, MIME: "image/png"},
		},
	}

	a := newTestAdapter(srv)
	if _, err := a.Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := string(gotBody)
	if !strings.Contains(body, `"type":"image"`) {
		t.Error("request body missing image block")
	}
	if !strings.Contains(body, `"media_type":"image/png"`) {
		t.Error("request body missing media type")
	}
}

func TestAdapter_Invoke_ValidationFailsLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("invalid payload must not reach the provider")
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Invoke(context.Background(), &providers.InvokeRequest{
		Analysis: &providers.AnalysisRequest{Task: providers.TaskWeeklySummary},
	})
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
}

func TestAdapter_Invoke_Overloaded(t *testing.T) {
	errBody := map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "overloaded_error",
			"message": "Overloaded",
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
	if adErr.HTTPStatus() != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus() = %d, want 503", adErr.HTTPStatus())
	}
}
