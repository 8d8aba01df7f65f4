package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maeple/aigateway/internal/breaker"
	"github.com/maeple/aigateway/internal/cache"
	"github.com/maeple/aigateway/internal/calllog"
	"github.com/maeple/aigateway/internal/connectivity"
	"github.com/maeple/aigateway/internal/gateway"
	"github.com/maeple/aigateway/internal/kvstore"
	"github.com/maeple/aigateway/internal/metrics"
	"github.com/maeple/aigateway/internal/queue"
	"github.com/maeple/aigateway/internal/ratelimit"
	"github.com/maeple/aigateway/internal/server"
)

const shutdownGrace = 10 * time.Second

// initStore establishes the durable backend shared by the cache, admission
// windows and the deferred queue. Redis is only required when STORE_MODE=redis.
func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Store.Mode {
	case "redis":
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))

		st, err := kvstore.NewRedisStoreFromURL(ctx, a.cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.store = st
		a.log.Info("redis connected")

	case "memory":
		a.store = kvstore.NewMemoryStore()
		a.log.Info("store backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	return nil
}

// initProviders builds the adapter map. At least one provider must be
// configured — this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.adapters = buildAdapters(a.baseCtx, a.cfg, a.log)
	if len(a.adapters) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.adapters))
	for n := range a.adapters {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the shared subsystems the gateway coordinates.
func (a *App) initServices(ctx context.Context) error {
	a.met = metrics.New()
	a.met.SetBuildInfo(a.version)

	a.respCache = cache.New(a.baseCtx, a.store, cache.Options{
		DefaultTTL: a.cfg.Cache.TTL,
		Logger:     a.log,
	})

	a.adm = ratelimit.New(a.store, ratelimit.Config{
		Defaults: ratelimit.Limits{
			PerMinute: a.cfg.Admission.PerMinute,
			PerDay:    a.cfg.Admission.PerDay,
		},
		WaitCeiling: a.cfg.Admission.WaitCeiling,
		Logger:      a.log,
	})

	a.brk = breaker.New(breaker.Config{
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		SuccessThreshold: a.cfg.Breaker.SuccessThreshold,
		ResetTimeout:     a.cfg.Breaker.ResetTimeout,
	}, breaker.WithStore(a.store))

	a.queue = queue.New(a.store, queue.Options{
		MaxItems:    a.cfg.Queue.MaxItems,
		MaxAttempts: a.cfg.Queue.MaxAttempts,
		Logger:      a.log,
		Metrics:     a.met,
	})

	a.conn = connectivity.NewMonitor(a.baseCtx, connectivity.Options{
		Interval: a.cfg.Connectivity.ProbeInterval,
		Timeout:  a.cfg.Connectivity.ProbeTimeout,
		Logger:   a.log,
	})

	cl, err := calllog.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("call log: %w", err)
	}
	a.callLog = cl

	return nil
}

// initGateway wires the call orchestrator and the HTTP surface.
func (a *App) initGateway(_ context.Context) error {
	gw, err := gateway.New(gateway.Options{
		Adapters:     a.adapters,
		Cache:        a.respCache,
		Admission:    a.adm,
		Breaker:      a.brk,
		Queue:        a.queue,
		Connectivity: a.conn,
		Metrics:      a.met,
		Logger:       a.log,

		RetryBase:   a.cfg.Retry.Base,
		RetryFactor: a.cfg.Retry.Factor,
		MaxRetries:  &a.cfg.Retry.MaxRetries,
		CallTimeout: a.cfg.Retry.ProviderTimeout,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	a.gw = gw

	a.health = server.NewHealthChecker(a.baseCtx, a.adapters, a.store, a.conn.Online)

	names := make([]string, 0, len(a.adapters))
	for n := range a.adapters {
		names = append(names, n)
	}

	a.srv = server.New(server.Options{
		Gateway:     a.gw,
		Breaker:     a.brk,
		Admission:   a.adm,
		Queue:       a.queue,
		Health:      a.health,
		Metrics:     a.met,
		CallLog:     a.callLog,
		Logger:      a.log,
		CORSOrigins: a.cfg.CORSOrigins,
		Providers:   names,
	})

	return nil
}
