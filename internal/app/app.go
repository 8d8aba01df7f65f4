// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore — the durable backend (Redis when configured)
//  2. initProviders — analysis provider adapters
//  3. initServices — cache, admission, breaker, queue, connectivity, metrics
//  4. initGateway — call orchestrator + HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/maeple/aigateway/internal/breaker"
	"github.com/maeple/aigateway/internal/cache"
	"github.com/maeple/aigateway/internal/calllog"
	"github.com/maeple/aigateway/internal/config"
	"github.com/maeple/aigateway/internal/connectivity"
	"github.com/maeple/aigateway/internal/gateway"
	"github.com/maeple/aigateway/internal/kvstore"
	"github.com/maeple/aigateway/internal/metrics"
	"github.com/maeple/aigateway/internal/providers"
	anthropicprov "github.com/maeple/aigateway/internal/providers/anthropic"
	geminiprov "github.com/maeple/aigateway/internal/providers/gemini"
	openaiprov "github.com/maeple/aigateway/internal/providers/openai"
	"github.com/maeple/aigateway/internal/queue"
	"github.com/maeple/aigateway/internal/ratelimit"
	"github.com/maeple/aigateway/internal/server"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store kvstore.Store

	respCache *cache.ResponseCache
	adm       *ratelimit.Admission
	brk       *breaker.Breaker
	queue     *queue.Queue
	conn      *connectivity.Monitor
	met       *metrics.Registry
	callLog   *calllog.Logger

	adapters map[string]providers.Adapter
	gw       *gateway.Gateway
	health   *server.HealthChecker
	srv      *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.Int("providers", len(a.adapters)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.callLog != nil {
		if err := a.callLog.Close(); err != nil {
			a.log.Error("call log close error", slog.String("error", err.Error()))
		}
		a.callLog = nil
	}
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	if a.respCache != nil {
		a.respCache.Close()
		a.respCache = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
}

// buildAdapters creates an adapter map from non-empty API keys.
func buildAdapters(ctx context.Context, cfg *config.Config, log *slog.Logger) map[string]providers.Adapter {
	adapters := make(map[string]providers.Adapter)

	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		if a, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...); err == nil {
			adapters["gemini"] = a
		} else {
			log.Error("gemini adapter init failed", slog.String("error", err.Error()))
		}
	}
	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		adapters["openai"] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		adapters["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}

	return adapters
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
