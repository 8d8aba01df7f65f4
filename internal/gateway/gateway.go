// Package gateway composes the fingerprinter, response cache, admission
// controller, circuit breaker, and durability queue into the single call
// path application code uses to reach external AI providers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/maeple/aigateway/internal/breaker"
	"github.com/maeple/aigateway/internal/cache"
	"github.com/maeple/aigateway/internal/connectivity"
	"github.com/maeple/aigateway/internal/fingerprint"
	"github.com/maeple/aigateway/internal/metrics"
	"github.com/maeple/aigateway/internal/providers"
	"github.com/maeple/aigateway/internal/queue"
	"github.com/maeple/aigateway/internal/ratelimit"
	"github.com/maeple/aigateway/pkg/gwerr"
)

// Retry policy defaults for transient provider failures. Quota and circuit
// conditions are never retried inline.
const (
	DefaultRetryBase   = 2 * time.Second
	DefaultRetryFactor = 2
	DefaultMaxRetries  = 3

	DefaultCallTimeout = 45 * time.Second

	queueItemType = "analysis"
)

// CallOptions tunes a single call.
type CallOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int

	// TTL overrides the cache TTL for this call's result. nil uses the cache
	// default; a pointer to zero means "never cache".
	TTL *time.Duration

	// Timeout bounds the provider invocation. Zero uses the default.
	Timeout time.Duration

	// TraceID is propagated to the adapter and logs. Excluded from the
	// fingerprint.
	TraceID string
}

// Request is one logical call into the gateway.
type Request struct {
	Provider string
	Analysis *providers.AnalysisRequest
	Options  CallOptions
	Priority ratelimit.Priority

	// Fallback is an optional degraded value the caller accepts when the
	// provider cannot be reached (circuit open, retries exhausted).
	Fallback json.RawMessage
}

// ResultKind tags the Result union.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultQueued
	ResultDegradedFallback
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultQueued:
		return "queued"
	case ResultDegradedFallback:
		return "degraded_fallback"
	default:
		return "error"
	}
}

// Result is the terminal outcome of one call. Callers must branch on Kind:
// Queued is a legitimate non-error outcome for offline or over-quota
// operation, not a failure.
type Result struct {
	Kind ResultKind

	// Response is set for ResultSuccess.
	Response *providers.InvokeResponse
	// Cached reports whether Response was served from the cache.
	Cached bool

	// QueueID is set for ResultQueued.
	QueueID string

	// Fallback is set for ResultDegradedFallback.
	Fallback json.RawMessage

	// Err is set for ResultError.
	Err *gwerr.Error
}

// Options wires a Gateway.
type Options struct {
	Adapters     map[string]providers.Adapter
	Cache        *cache.ResponseCache
	Admission    *ratelimit.Admission
	Breaker      *breaker.Breaker
	Queue        *queue.Queue
	Connectivity *connectivity.Monitor
	Metrics      *metrics.Registry
	Logger       *slog.Logger

	RetryBase   time.Duration
	RetryFactor int
	CallTimeout time.Duration

	// MaxRetries bounds retries after the first attempt. Nil selects the
	// default (3); an explicit zero disables retries, the same way a zero
	// TTL disables caching.
	MaxRetries *int

	// Now and Sleep override the clock and retry sleeps (tests).
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway is the orchestrator. Safe for concurrent use; per-provider mutable
// state lives inside the breaker and admission controller, each serialized
// per provider.
type Gateway struct {
	adapters map[string]providers.Adapter
	cache    *cache.ResponseCache
	adm      *ratelimit.Admission
	brk      *breaker.Breaker
	queue    *queue.Queue
	conn     *connectivity.Monitor
	met      *metrics.Registry
	log      *slog.Logger

	retryBase   time.Duration
	retryFactor int
	maxRetries  int
	callTimeout time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	cancels []func()
}

// queuedCall is the durable descriptor for a deferred call.
type queuedCall struct {
	Analysis *providers.AnalysisRequest `json:"analysis"`
	Options  CallOptions                `json:"options"`
	Priority ratelimit.Priority         `json:"priority"`
}

// New wires a Gateway. Adapters, Cache, Admission, Breaker, and Queue are
// required; Connectivity and Metrics are optional.
func New(opts Options) (*Gateway, error) {
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("gateway: no adapters configured")
	}
	if opts.Cache == nil || opts.Admission == nil || opts.Breaker == nil || opts.Queue == nil {
		return nil, fmt.Errorf("gateway: cache, admission, breaker, and queue are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = DefaultRetryBase
	}
	retryFactor := opts.RetryFactor
	if retryFactor <= 0 {
		retryFactor = DefaultRetryFactor
	}
	maxRetries := DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
		if maxRetries < 0 {
			maxRetries = 0
		}
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	g := &Gateway{
		adapters:    opts.Adapters,
		cache:       opts.Cache,
		adm:         opts.Admission,
		brk:         opts.Breaker,
		queue:       opts.Queue,
		conn:        opts.Connectivity,
		met:         opts.Metrics,
		log:         log,
		retryBase:   retryBase,
		retryFactor: retryFactor,
		maxRetries:  maxRetries,
		callTimeout: callTimeout,
		now:         now,
		sleep:       sleep,
	}

	g.queue.RegisterHandler(queueItemType, g.replayItem)

	// Breaker transitions feed the metrics gauges.
	g.cancels = append(g.cancels, g.brk.Subscribe(func(tr breaker.Transition) {
		g.met.SetCircuitState(tr.Provider, int(tr.To))
		g.met.RecordCircuitTransition(tr.Provider, tr.To.String())
		g.log.Info("circuit_transition",
			slog.String("provider", tr.Provider),
			slog.String("from", tr.From.String()),
			slog.String("to", tr.To.String()),
		)
	}))

	// The offline→online edge triggers the queue drain.
	if g.conn != nil {
		g.cancels = append(g.cancels, g.conn.Subscribe(func(tr connectivity.Transition) {
			g.met.SetConnectivity(tr.Online)
			if tr.Online {
				go func() {
					if err := g.queue.Drain(context.Background()); err != nil {
						g.log.Warn("queue_drain_failed", slog.String("error", err.Error()))
					}
				}()
			}
		}))

		// The monitor may have come up online before this subscription
		// existed, so the edge above never fires for items persisted by a
		// previous process. Replay them now.
		if g.conn.Online() {
			go func() {
				if err := g.queue.Drain(context.Background()); err != nil {
					g.log.Warn("queue_drain_failed", slog.String("error", err.Error()))
				}
			}()
		}
	}

	return g, nil
}

// Close detaches the gateway's subscriptions.
func (g *Gateway) Close() {
	for _, cancel := range g.cancels {
		cancel()
	}
}

// Call runs one request through the full resilience path: fingerprint, cache,
// connectivity, admission, breaker, provider, retry policy.
func (g *Gateway) Call(ctx context.Context, req *Request) Result {
	start := g.now()
	g.met.IncInFlight()
	defer g.met.DecInFlight()

	res := g.call(ctx, req)

	g.met.ObserveCall(req.Provider, res.Kind.String(), g.now().Sub(start))
	return res
}

func (g *Gateway) call(ctx context.Context, req *Request) Result {
	// A malformed request is the caller's bug: surfaced as-is, never masked
	// by a fallback value.
	adapter, ok := g.adapters[req.Provider]
	if !ok {
		return Result{Kind: ResultError, Err: &gwerr.Error{
			Kind:    gwerr.KindValidation,
			Message: fmt.Sprintf("unknown provider %q", req.Provider),
		}}
	}
	if req.Analysis == nil {
		return Result{Kind: ResultError, Err: &gwerr.Error{
			Kind:    gwerr.KindValidation,
			Message: "missing analysis payload",
		}}
	}
	if err := req.Analysis.Validate(); err != nil {
		return Result{Kind: ResultError, Err: &gwerr.Error{
			Kind:    gwerr.KindValidation,
			Message: err.Error(),
			Err:     err,
		}}
	}

	key := g.fingerprintFor(req)

	if raw, hit := g.cache.Get(ctx, key); hit {
		g.met.CacheHit()
		var resp providers.InvokeResponse
		if err := json.Unmarshal(raw, &resp); err == nil {
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("provider", req.Provider),
				slog.String("fingerprint", key),
			)
			return Result{Kind: ResultSuccess, Response: &resp, Cached: true}
		}
		// Corrupt entry: drop it and fall through to a live call.
		_ = g.cache.Invalidate(ctx, key)
	}
	g.met.CacheMiss()

	if g.conn != nil && !g.conn.Online() {
		return g.enqueue(ctx, req, "offline")
	}

	return g.dispatch(ctx, adapter, req, key)
}

// dispatch runs the admission → breaker → invoke → retry loop. Every retry
// re-enters admission: a retry still consumes quota.
func (g *Gateway) dispatch(ctx context.Context, adapter providers.Adapter, req *Request, key string) Result {
	attempt := 0
	for {
		if outcome, done := g.admit(ctx, req); done {
			return outcome
		}

		if err := g.brk.Allow(req.Provider); err != nil {
			if req.Fallback != nil {
				return Result{Kind: ResultDegradedFallback, Fallback: req.Fallback}
			}
			return errResult(req, gwerr.Classify(err))
		}

		resp, err := g.invoke(ctx, adapter, req)
		if err == nil {
			g.brk.RecordSuccess(req.Provider)
			g.cacheResult(req, key, resp)
			return Result{Kind: ResultSuccess, Response: resp}
		}

		gerr := gwerr.Classify(err)
		g.log.WarnContext(ctx, "provider_call_failed",
			slog.String("provider", req.Provider),
			slog.String("kind", string(gerr.Kind)),
			slog.Int("attempt", attempt),
			slog.String("error", gerr.Error()),
		)

		// A quota rejection from the provider itself is deferred, not failed.
		if gerr.Kind == gwerr.KindQuotaExceeded {
			g.brk.RecordFailure(req.Provider)
			return g.enqueue(ctx, req, "provider quota")
		}

		// Request validation never reaches the provider, so a validation
		// failure here is the provider returning garbage: breaker failure,
		// degraded fallback if the caller offered one.
		g.brk.RecordFailure(req.Provider)

		if gerr.Kind == gwerr.KindNetwork && g.conn != nil {
			// A network failure skips the inline retry loop entirely: the
			// link is marked down and the request goes straight to the
			// durable queue, where the offline→online edge replays it.
			g.conn.SetOnline(false)
			return g.enqueue(ctx, req, "network failure")
		}

		if !gerr.Retryable() || attempt >= g.maxRetries {
			return errResult(req, gerr)
		}

		delay := g.backoff(attempt)
		attempt++
		g.met.RecordRetry(req.Provider)
		if err := g.sleep(ctx, delay); err != nil {
			return errResult(req, gwerr.Classify(err))
		}
	}
}

// admit runs the admission controller, honoring a single Wait. The returned
// Result is meaningful only when done is true.
func (g *Gateway) admit(ctx context.Context, req *Request) (Result, bool) {
	for waited := false; ; waited = true {
		res, err := g.adm.Admit(ctx, req.Provider, req.Priority)
		if err != nil {
			return errResult(req, gwerr.Classify(err)), true
		}
		g.met.RecordAdmission(req.Provider, res.Decision.String())

		switch res.Decision {
		case ratelimit.Allowed:
			return Result{}, false

		case ratelimit.Wait:
			if waited {
				// Second Wait in a row: stop blocking the caller.
				return g.enqueue(ctx, req, "quota exhausted"), true
			}
			g.adm.BeginWait(req.Provider)
			err := g.sleep(ctx, res.Wait)
			g.adm.EndWait(req.Provider)
			if err != nil {
				return errResult(req, gwerr.Classify(err)), true
			}

		default: // Rejected
			return g.enqueue(ctx, req, "quota exhausted"), true
		}
	}
}

func (g *Gateway) invoke(ctx context.Context, adapter providers.Adapter, req *Request) (*providers.InvokeResponse, error) {
	timeout := req.Options.Timeout
	if timeout <= 0 {
		timeout = g.callTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := adapter.Invoke(cctx, &providers.InvokeRequest{
		Model:       req.Options.Model,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
		Analysis:    req.Analysis,
		TraceID:     req.Options.TraceID,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Content == "" {
		return nil, &gwerr.Error{
			Kind:    gwerr.KindValidation,
			Message: fmt.Sprintf("%s: empty response content", req.Provider),
		}
	}
	return resp, nil
}

// cacheResult writes a paid-for result through to the cache. It runs on a
// background context: caller cancellation after success must not void the
// write.
func (g *Gateway) cacheResult(req *Request, key string, resp *providers.InvokeResponse) {
	ttl := cache.TTLDefault
	if req.Options.TTL != nil {
		ttl = *req.Options.TTL
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		g.log.Warn("cache_marshal_failed", slog.String("error", err.Error()))
		return
	}
	if err := g.cache.Set(context.Background(), key, raw, ttl); err != nil {
		g.log.Warn("cache_write_failed",
			slog.String("provider", req.Provider),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) enqueue(ctx context.Context, req *Request, reason string) Result {
	id, err := g.queue.Enqueue(ctx, req.Provider, queueItemType, queuedCall{
		Analysis: req.Analysis,
		Options:  req.Options,
		Priority: req.Priority,
	}, 0)
	if err != nil {
		return errResult(req, gwerr.Classify(err))
	}
	g.log.InfoContext(ctx, "call_queued",
		slog.String("provider", req.Provider),
		slog.String("queue_id", id),
		slog.String("reason", reason),
	)
	return Result{Kind: ResultQueued, QueueID: id}
}

// replayItem is the queue handler: a queued item re-enters the full
// admission and breaker path, never around it. Success populates the cache
// under the original fingerprint, so the caller's next identical request is
// a hit.
func (g *Gateway) replayItem(ctx context.Context, item *queue.Item) error {
	var qc queuedCall
	if err := json.Unmarshal(item.Descriptor, &qc); err != nil {
		return fmt.Errorf("gateway: corrupt queued call: %w", err)
	}

	adapter, ok := g.adapters[item.Provider]
	if !ok {
		return fmt.Errorf("gateway: unknown provider %q", item.Provider)
	}

	req := &Request{
		Provider: item.Provider,
		Analysis: qc.Analysis,
		Options:  qc.Options,
		Priority: ratelimit.PriorityBackground,
	}
	key := g.fingerprintFor(req)

	// Already answered since it was queued.
	if _, hit := g.cache.Get(ctx, key); hit {
		return nil
	}

	if g.conn != nil && !g.conn.Online() {
		return queue.ErrRetryLater
	}

	res, err := g.adm.Admit(ctx, item.Provider, ratelimit.PriorityBackground)
	if err != nil {
		return err
	}
	g.met.RecordAdmission(item.Provider, res.Decision.String())
	if res.Decision != ratelimit.Allowed {
		return queue.ErrRetryLater
	}

	if err := g.brk.Allow(item.Provider); err != nil {
		return queue.ErrRetryLater
	}

	resp, err := g.invoke(ctx, adapter, req)
	if err != nil {
		gerr := gwerr.Classify(err)
		g.brk.RecordFailure(item.Provider)
		if gerr.Kind == gwerr.KindNetwork && g.conn != nil {
			g.conn.SetOnline(false)
			return queue.ErrRetryLater
		}
		return gerr
	}

	g.brk.RecordSuccess(item.Provider)
	g.cacheResult(req, key, resp)
	return nil
}

// Drain replays the queue immediately. Exposed for callers that want to
// trigger a drain outside the connectivity edge (admin surface, tests).
func (g *Gateway) Drain(ctx context.Context) error {
	return g.queue.Drain(ctx)
}

func (g *Gateway) fingerprintFor(req *Request) string {
	payload, _ := json.Marshal(req.Analysis)
	return fingerprint.Key(req.Provider, payload, fingerprint.Options{
		Model:       req.Options.Model,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
	})
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.retryBase
	for i := 0; i < attempt; i++ {
		d *= time.Duration(g.retryFactor)
	}
	return d
}

// errResult substitutes the caller's degraded fallback for a terminal
// failure when one was offered.
func errResult(req *Request, gerr *gwerr.Error) Result {
	if req.Fallback != nil {
		return Result{Kind: ResultDegradedFallback, Fallback: req.Fallback}
	}
	return Result{Kind: ResultError, Err: gerr}
}
