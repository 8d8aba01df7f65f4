package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/maeple/aigateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-3-5-haiku-20241022"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for Anthropic (official SDK).
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// New creates a new Anthropic Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	a.client = anthropic.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	)

	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	// Simple auth/connectivity check: GET /v1/models
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toAdapterError(err))
	}
	return nil
}

func (a *Adapter) Invoke(ctx context.Context, req *providers.InvokeRequest) (*providers.InvokeResponse, error) {
	if req.Analysis == nil {
		return nil, fmt.Errorf("anthropic: missing analysis payload")
	}
	if err := req.Analysis.Validate(); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	params := buildParams(req)

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}

	content := ""
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			content += v.Text
		case *anthropic.TextBlock:
			content += v.Text
		}
	}

	return &providers.InvokeResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func buildParams(req *providers.InvokeRequest) anthropic.MessageNewParams {
	an := req.Analysis

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, 2)
	if an.Text != "" {
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfText: &anthropic.TextBlockParam{Text: an.Text},
		})
	}
	if an.Image != nil {
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{
						Data:      base64.StdEncoding.EncodeToString(an.Image.Data),
						MediaType: anthropic.Base64ImageSourceMediaType(an.Image.MIME),
					},
				},
			},
		})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			{Role: anthropic.MessageParamRoleUser, Content: blocks},
		},
		System: []anthropic.TextBlockParam{
			{Text: an.SystemPrompt()},
		},
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

// AdapterError is a structured error returned by the Anthropic API.
type AdapterError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *AdapterError) HTTPStatus() int { return e.StatusCode }

func toAdapterError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &AdapterError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
