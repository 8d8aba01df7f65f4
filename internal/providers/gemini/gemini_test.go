package gemini

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

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a, err := New(context.Background(), "mock-api-key", WithBaseURL(srv.URL+"/v1beta"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func journalRequest() *providers.InvokeRequest {
	return &providers.InvokeRequest{
		Model: "gemini-2.0-flash",
		Analysis: &providers.AnalysisRequest{
			Task: providers.TaskJournalInsight,
			Text: "Meditated twice today, mind felt clearer.",
		},
	}
}

func generateContentResponse(text string) map[string]any {
	return map[string]any{
		"responseId": "resp-42",
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []any{map[string]any{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     7,
			"candidatesTokenCount": 4,
		},
	}
}

func TestAdapter_Invoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["systemInstruction"] == nil {
			t.Error("expected systemInstruction in request")
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(generateContentResponse("Clear trend: meditation helps."))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	resp, err := a.Invoke(context.Background(), journalRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "Clear trend: meditation helps." {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 4 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if resp.ID == "" {
		t.Error("expected non-empty response ID")
	}
}

func TestAdapter_Invoke_MealPhotoSendsInlineData(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(generateContentResponse("Avocado toast, ~280 kcal."))
	}))
	defer srv.Close()

	req := &providers.InvokeRequest{
		Analysis: &providers.AnalysisRequest{
			Task:  providers.TaskMealPhoto,
			Text:  "breakfast",
			Image: &providers.ImageAttachment{Data: []byte{0xff, 0xd8, 0xff}, MIME: "image/jpeg"},
		},
	}

	a := newTestAdapter(t, srv)
	if _, err := a.Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := string(gotBody)
	if !strings.Contains(body, "inlineData") {
		t.Error("request body missing inlineData part")
	}
	if !strings.Contains(body, "image/jpeg") {
		t.Error("request body missing image MIME type")
	}
}

func TestAdapter_Invoke_ValidationFailsLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("invalid payload must not reach the provider")
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	_, err := a.Invoke(context.Background(), &providers.InvokeRequest{
		Analysis: &providers.AnalysisRequest{Task: "bogus", Text: "x"},
	})
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
}

func TestAdapter_Invoke_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    429,
				"message": "Resource has been exhausted",
				"status":  "RESOURCE_EXHAUSTED",
			},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	_, err := a.Invoke(context.Background(), journalRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	adErr, ok := err.(*AdapterError)
	if !ok {
		t.Fatalf("expected *AdapterError, got %T: %v", err, err)
	}
	if adErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus() = %d, want 429", adErr.HTTPStatus())
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		in          string
		wantBase    string
		wantVersion string
	}{
		{"https://example.com/v1beta", "https://example.com/", "v1beta"},
		{"https://example.com", "https://example.com/", ""},
		{"https://example.com/api/v2", "https://example.com/api/", "v2"},
	}
	for _, tc := range cases {
		base, ver := splitBaseURLAndVersion(tc.in)
		if base != tc.wantBase || ver != tc.wantVersion {
			t.Errorf("splitBaseURLAndVersion(%q) = (%q, %q), want (%q, %q)",
				tc.in, base, ver, tc.wantBase, tc.wantVersion)
		}
	}
}
