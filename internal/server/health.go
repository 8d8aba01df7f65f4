package server

import (
	"context"
	"sync"
	"time"

	"github.com/maeple/aigateway/internal/kvstore"
	"github.com/maeple/aigateway/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against the adapters and the durable
// store and exposes the latest results.
type HealthChecker struct {
	adapters map[string]providers.Adapter
	store    kvstore.Store
	online   func() bool
	baseCtx  context.Context

	adapterStatuses map[string]*componentStatus
	storeStatus     componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. online may be nil when no connectivity monitor is wired.
func NewHealthChecker(
	ctx context.Context,
	adapters map[string]providers.Adapter,
	store kvstore.Store,
	online func() bool,
) *HealthChecker {
	if ctx == nil {
		panic("health: context must not be nil")
	}
	hc := &HealthChecker{
		adapters:        adapters,
		store:           store,
		online:          online,
		adapterStatuses: make(map[string]*componentStatus),
		startTime:       time.Now(),
		done:            make(chan struct{}),
		baseCtx:         ctx,
	}

	for name := range adapters {
		hc.adapterStatuses[name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Online        bool              `json:"online"`
	Providers     map[string]string `json:"providers"`
	Store         string            `json:"store"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.adapterStatuses))
	for name, s := range hc.adapterStatuses {
		st := s.get()
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	store := hc.storeStatus.get()
	if store == "down" {
		overall = "degraded"
	}

	online := true
	if hc.online != nil {
		online = hc.online()
	}
	if !online {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Online:        online,
		Providers:     provs,
		Store:         store,
	}
}

// ReadinessOK returns true when the durable store is reachable — queue,
// quota, and cache all depend on it.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.storeStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Adapter probes — run in parallel.
	var wg sync.WaitGroup
	for name, adapter := range hc.adapters {
		s := hc.adapterStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adapter.HealthCheck(ctx); err != nil {
				s.set("degraded")
			} else {
				s.set("ok")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.store == nil {
			hc.storeStatus.set("ok")
			return
		}
		if err := hc.store.Ping(ctx); err != nil {
			hc.storeStatus.set("down")
		} else {
			hc.storeStatus.set("ok")
		}
	}()

	wg.Wait()
}
