// Package providers defines the adapter interface and shared types for the
// external AI services the gateway fronts (Gemini, OpenAI, Anthropic).
//
// Each adapter lives in its own sub-package, wraps the provider's official
// SDK, and normalizes requests, responses, and errors. Adapters never retry,
// cache, or rate-limit: resilience is the gateway's job, an adapter is a
// thin translation layer.
package providers

import (
	"context"
	"fmt"
	"time"
)

// Analysis task kinds accepted by every adapter.
const (
	TaskMealPhoto      = "meal_photo"
	TaskJournalInsight = "journal_insight"
	TaskWeeklySummary  = "weekly_summary"
)

type (
	// ImageAttachment carries inline image data for vision tasks.
	ImageAttachment struct {
		// Data is the raw image bytes (base64 on the wire).
		Data []byte `json:"data"`
		// MIME is the image media type, e.g. "image/jpeg".
		MIME string `json:"mime"`
	}

	// AnalysisRequest is the normalized payload for one analysis task.
	AnalysisRequest struct {
		// Task selects the analysis kind (Task* constants).
		Task string `json:"task"`
		// Text is the journal text, food description, or summary input.
		Text string `json:"text,omitempty"`
		// Image is set for vision tasks (meal photos).
		Image *ImageAttachment `json:"image,omitempty"`
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// InvokeRequest — normalized adapter request.
	InvokeRequest struct {
		Model       string
		Temperature float64
		MaxTokens   int
		Analysis    *AnalysisRequest
		TraceID     string
	}

	// InvokeResponse — normalized adapter response.
	InvokeResponse struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content string `json:"content"`
		Usage   Usage  `json:"usage"`
	}
)

// Validate checks the request against the analysis schema. Adapters call it
// before touching the SDK so malformed payloads fail locally, never counting
// against quota or the circuit breaker.
func (r *AnalysisRequest) Validate() error {
	switch r.Task {
	case TaskMealPhoto:
		if r.Image == nil || len(r.Image.Data) == 0 {
			return fmt.Errorf("task %q requires an image", r.Task)
		}
		if r.Image.MIME == "" {
			return fmt.Errorf("task %q requires an image MIME type", r.Task)
		}
	case TaskJournalInsight, TaskWeeklySummary:
		if r.Text == "" {
			return fmt.Errorf("task %q requires text input", r.Task)
		}
	case "":
		return fmt.Errorf("task is required")
	default:
		return fmt.Errorf("unknown task %q", r.Task)
	}
	return nil
}

// SystemPrompt returns the instruction prefix for the task.
func (r *AnalysisRequest) SystemPrompt() string {
	switch r.Task {
	case TaskMealPhoto:
		return "You are a nutrition assistant. Identify the foods in the photo and estimate portion sizes, calories, and macronutrients. Respond with a concise structured summary."
	case TaskJournalInsight:
		return "You are a wellness assistant. Read the journal entry and reflect back the key themes, mood signals, and one gentle suggestion. Be supportive and brief."
	case TaskWeeklySummary:
		return "You are a wellness assistant. Summarize the week of journal entries and meals: trends, wins, and one focus area for next week."
	default:
		return "You are a wellness assistant."
	}
}

// Adapter is the per-provider integration point.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
	HealthCheck(ctx context.Context) error
}

// ProviderTimeout bounds a single upstream call at the HTTP client level.
const ProviderTimeout = 30 * time.Second

// StatusCoder is implemented by adapter errors that carry an upstream HTTP
// status. The error classifier uses it to separate 4xx from 5xx failures.
type StatusCoder interface {
	HTTPStatus() int
}
