// Package server exposes the gateway over HTTP: POST /v1/analyze for
// application calls, plus health, readiness, status, and metrics surfaces.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/maeple/aigateway/internal/breaker"
	"github.com/maeple/aigateway/internal/calllog"
	"github.com/maeple/aigateway/internal/gateway"
	"github.com/maeple/aigateway/internal/metrics"
	"github.com/maeple/aigateway/internal/providers"
	"github.com/maeple/aigateway/internal/queue"
	"github.com/maeple/aigateway/internal/ratelimit"
	"github.com/maeple/aigateway/pkg/apierr"
)

// Options wires a Server.
type Options struct {
	Gateway   *gateway.Gateway
	Breaker   *breaker.Breaker
	Admission *ratelimit.Admission
	Queue     *queue.Queue
	Health    *HealthChecker
	Metrics   *metrics.Registry
	CallLog   *calllog.Logger
	Logger    *slog.Logger

	CORSOrigins []string
	Providers   []string
}

// Server is the HTTP daemon surface.
type Server struct {
	gw        *gateway.Gateway
	brk       *breaker.Breaker
	adm       *ratelimit.Admission
	queue     *queue.Queue
	health    *HealthChecker
	met       *metrics.Registry
	callLog   *calllog.Logger
	log       *slog.Logger
	cors      []string
	providers []string

	srv *fasthttp.Server
}

// New creates a Server.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		gw:        opts.Gateway,
		brk:       opts.Breaker,
		adm:       opts.Admission,
		queue:     opts.Queue,
		health:    opts.Health,
		met:       opts.Metrics,
		callLog:   opts.CallLog,
		log:       log,
		cors:      opts.CORSOrigins,
		providers: opts.Providers,
	}
}

// Start serves on addr (e.g. ":8080"). Blocks until Shutdown.
func (s *Server) Start(addr string) error {
	r := router.New()

	r.POST("/v1/analyze", s.handleAnalyze)
	r.GET("/v1/status", s.handleStatus)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.met != nil {
		r.GET("/metrics", s.met.Handler())
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.cors),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}

type analyzeRequest struct {
	Provider    string                     `json:"provider"`
	Task        string                     `json:"task"`
	Text        string                     `json:"text,omitempty"`
	Image       *providers.ImageAttachment `json:"image,omitempty"`
	Model       string                     `json:"model,omitempty"`
	Temperature float64                    `json:"temperature,omitempty"`
	MaxTokens   int                        `json:"max_tokens,omitempty"`

	// TTLSeconds overrides the cache TTL; 0 means "never cache", absent
	// means the default.
	TTLSeconds     *int            `json:"ttl_seconds,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Priority       string          `json:"priority,omitempty"` // interactive | background
	Fallback       json.RawMessage `json:"fallback,omitempty"`
}

type analyzeResponse struct {
	Result   *providers.InvokeResponse `json:"result,omitempty"`
	Cached   bool                      `json:"cached,omitempty"`
	Queued   bool                      `json:"queued,omitempty"`
	QueueID  string                    `json:"queue_id,omitempty"`
	Degraded bool                      `json:"degraded,omitempty"`
	Fallback json.RawMessage           `json:"fallback,omitempty"`
}

func (s *Server) handleAnalyze(ctx *fasthttp.RequestCtx) {
	var req analyzeRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "malformed JSON body")
		return
	}
	if req.Provider == "" {
		apierr.WriteInvalidRequest(ctx, "provider is required")
		return
	}

	priority := ratelimit.PriorityInteractive
	if req.Priority == "background" {
		priority = ratelimit.PriorityBackground
	}

	var ttl *time.Duration
	if req.TTLSeconds != nil {
		d := time.Duration(*req.TTLSeconds) * time.Second
		ttl = &d
	}

	gwReq := &gateway.Request{
		Provider: req.Provider,
		Analysis: &providers.AnalysisRequest{
			Task:  req.Task,
			Text:  req.Text,
			Image: req.Image,
		},
		Options: gateway.CallOptions{
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			TTL:         ttl,
			Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
			TraceID:     requestIDFrom(ctx),
		},
		Priority: priority,
		Fallback: req.Fallback,
	}

	start := time.Now()
	res := s.gw.Call(ctx, gwReq)
	s.record(gwReq, res, time.Since(start))

	switch res.Kind {
	case gateway.ResultSuccess:
		writeJSON(ctx, fasthttp.StatusOK, analyzeResponse{Result: res.Response, Cached: res.Cached})
	case gateway.ResultQueued:
		writeJSON(ctx, fasthttp.StatusAccepted, analyzeResponse{Queued: true, QueueID: res.QueueID})
	case gateway.ResultDegradedFallback:
		writeJSON(ctx, fasthttp.StatusOK, analyzeResponse{Degraded: true, Fallback: res.Fallback})
	default:
		apierr.WriteGatewayError(ctx, res.Err)
	}
}

func (s *Server) record(req *gateway.Request, res gateway.Result, latency time.Duration) {
	if s.callLog == nil {
		return
	}
	rec := calllog.Record{
		ID:        uuid.New(),
		Provider:  req.Provider,
		Model:     req.Options.Model,
		Task:      req.Analysis.Task,
		Outcome:   res.Kind.String(),
		LatencyMs: uint32(latency.Milliseconds()),
		Cached:    res.Cached,
		QueueID:   res.QueueID,
		CreatedAt: time.Now(),
	}
	if res.Err != nil {
		rec.ErrorKind = string(res.Err.Kind)
	}
	if res.Response != nil {
		rec.InputTokens = uint32(res.Response.Usage.InputTokens)
		rec.OutputTokens = uint32(res.Response.Usage.OutputTokens)
	}
	s.callLog.Log(rec)
}

// providerStatus is one provider block in GET /v1/status.
type providerStatus struct {
	Circuit     breaker.Record `json:"circuit"`
	MinuteCalls int            `json:"minute_calls"`
	DayCalls    int            `json:"day_calls"`
	QueueDepth  int            `json:"queue_depth"`
	DeadLetters int            `json:"dead_letters"`
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	out := make(map[string]providerStatus, len(s.providers))
	for _, p := range s.providers {
		st := providerStatus{Circuit: s.brk.Snapshot(p)}
		if minute, day, err := s.adm.Usage(ctx, p); err == nil {
			st.MinuteCalls, st.DayCalls = minute, day
		}
		if depth, err := s.queue.Depth(ctx, p); err == nil {
			st.QueueDepth = depth
		}
		if dls, err := s.queue.DeadLetters(ctx, p); err == nil {
			st.DeadLetters = len(dls)
		}
		out[p] = st
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue("request_id").(string); ok {
		return id
	}
	return ""
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
