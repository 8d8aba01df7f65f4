// Package ratelimit implements the admission controller: per-provider
// per-minute and per-day quota windows with priority-aware waiting.
//
// Counters are persisted write-through to the durable store under
// ratelimit:{provider}:{windowKind}, so a process restart cannot be used to
// evade quota. Per-provider state is single-writer: every read and mutation
// of a provider's windows happens under that provider's mutex.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/maeple/aigateway/internal/kvstore"
)

// Priority orders callers competing for quota.
type Priority int

const (
	// PriorityInteractive — a user is waiting on the result.
	PriorityInteractive Priority = 1
	// PriorityBackground — deferred work; yields quota to interactive callers.
	PriorityBackground Priority = 2
)

// Decision is the admission outcome.
type Decision int

const (
	// Allowed — quota consumed; proceed with the call.
	Allowed Decision = iota
	// Wait — quota exhausted but a slot frees within the wait ceiling;
	// interactive callers may block for Result.Wait and retry once.
	Wait
	// Rejected — quota exhausted for too long; route to the durability queue.
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Wait:
		return "wait"
	default:
		return "rejected"
	}
}

// Result is the outcome of one Admit call.
type Result struct {
	Decision Decision
	// Wait is the suggested wait before retrying; set only for Decision == Wait.
	Wait time.Duration
}

// Limits holds the quota for one provider. Zero means unlimited for that
// window.
type Limits struct {
	PerMinute int
	PerDay    int
}

// DefaultWaitCeiling bounds how long an interactive caller is asked to block
// instead of being queued.
const DefaultWaitCeiling = 2 * time.Second

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour

	windowKindMinute = "minute"
	windowKindDay    = "day"
)

// Config tunes an Admission controller.
type Config struct {
	// Defaults apply to providers without an entry in PerProvider.
	Defaults Limits

	// PerProvider overrides limits for named providers.
	PerProvider map[string]Limits

	// WaitCeiling bounds Wait decisions. Default: 2s.
	WaitCeiling time.Duration

	// Logger for persistence warnings. Defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock (tests). Defaults to time.Now.
	Now func() time.Time
}

// windowState is the persisted shape of one quota window.
type windowState struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// providerWindows holds the single-writer quota state for one provider.
type providerWindows struct {
	mu     sync.Mutex
	loaded bool
	minute windowState
	day    windowState

	// interactive callers currently sleeping on a Wait decision; background
	// callers yield remaining capacity to them.
	waiters int
}

// Admission is the admission controller. Safe for concurrent use.
type Admission struct {
	store       kvstore.Store
	cfg         Config
	now         func() time.Time
	waitCeiling time.Duration
	log         *slog.Logger

	mu        sync.RWMutex
	providers map[string]*providerWindows
}

// New creates an Admission controller over the given durable store.
func New(store kvstore.Store, cfg Config) *Admission {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ceiling := cfg.WaitCeiling
	if ceiling <= 0 {
		ceiling = DefaultWaitCeiling
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Admission{
		store:       store,
		cfg:         cfg,
		now:         now,
		waitCeiling: ceiling,
		log:         log,
		providers:   make(map[string]*providerWindows),
	}
}

// Admit decides whether a call to provider may proceed now.
//
// Both windows are rolled over if expired, then checked; when both pass, both
// counters are incremented atomically (single writer per provider) and
// persisted. When either fails, interactive callers whose wait until the
// binding window rolls over is within the ceiling get Wait; everyone else
// gets Rejected.
func (a *Admission) Admit(ctx context.Context, provider string, pri Priority) (Result, error) {
	limits := a.limitsFor(provider)
	if limits.PerMinute <= 0 && limits.PerDay <= 0 {
		return Result{Decision: Allowed}, nil
	}

	pw := a.get(provider)
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if err := a.load(ctx, provider, pw); err != nil {
		return Result{}, err
	}

	now := a.now()
	rollOver(&pw.minute, now, minuteWindow)
	rollOver(&pw.day, now, dayWindow)

	minuteOK := limits.PerMinute <= 0 || pw.minute.Count < limits.PerMinute
	dayOK := limits.PerDay <= 0 || pw.day.Count < limits.PerDay

	if minuteOK && dayOK {
		// Background callers yield their slot while interactive callers are
		// sleeping on this provider's quota.
		if pri == PriorityBackground && pw.waiters > 0 && remaining(limits, pw) <= pw.waiters {
			return Result{Decision: Rejected}, nil
		}

		pw.minute.Count++
		pw.day.Count++
		a.persist(ctx, provider, pw)
		return Result{Decision: Allowed}, nil
	}

	var wait time.Duration
	if !minuteOK {
		wait = pw.minute.WindowStart.Add(minuteWindow).Sub(now)
	}
	if !dayOK {
		if w := pw.day.WindowStart.Add(dayWindow).Sub(now); w > wait {
			wait = w
		}
	}

	if pri == PriorityInteractive && wait <= a.waitCeiling {
		return Result{Decision: Wait, Wait: wait}, nil
	}
	return Result{Decision: Rejected}, nil
}

// BeginWait registers an interactive caller that is about to sleep on a Wait
// decision for provider. Pair with EndWait.
func (a *Admission) BeginWait(provider string) {
	pw := a.get(provider)
	pw.mu.Lock()
	pw.waiters++
	pw.mu.Unlock()
}

// EndWait removes a waiter registered by BeginWait.
func (a *Admission) EndWait(provider string) {
	pw := a.get(provider)
	pw.mu.Lock()
	if pw.waiters > 0 {
		pw.waiters--
	}
	pw.mu.Unlock()
}

// Usage returns the current counts for provider (observability).
func (a *Admission) Usage(ctx context.Context, provider string) (minute, day int, err error) {
	pw := a.get(provider)
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if err := a.load(ctx, provider, pw); err != nil {
		return 0, 0, err
	}
	now := a.now()
	rollOver(&pw.minute, now, minuteWindow)
	rollOver(&pw.day, now, dayWindow)
	return pw.minute.Count, pw.day.Count, nil
}

func (a *Admission) limitsFor(provider string) Limits {
	if l, ok := a.cfg.PerProvider[provider]; ok {
		return l
	}
	return a.cfg.Defaults
}

// remaining returns the tighter remaining capacity across both windows.
// Caller holds pw.mu.
func remaining(limits Limits, pw *providerWindows) int {
	rem := int(^uint(0) >> 1)
	if limits.PerMinute > 0 {
		rem = limits.PerMinute - pw.minute.Count
	}
	if limits.PerDay > 0 {
		if r := limits.PerDay - pw.day.Count; r < rem {
			rem = r
		}
	}
	return rem
}

func rollOver(w *windowState, now time.Time, length time.Duration) {
	if w.WindowStart.IsZero() || now.Sub(w.WindowStart) >= length {
		w.WindowStart = now
		w.Count = 0
	}
}

// load pulls persisted windows on the first touch of a provider. Caller
// holds pw.mu.
func (a *Admission) load(ctx context.Context, provider string, pw *providerWindows) error {
	if pw.loaded {
		return nil
	}

	for _, kind := range []struct {
		name string
		dst  *windowState
	}{
		{windowKindMinute, &pw.minute},
		{windowKindDay, &pw.day},
	} {
		raw, found, err := a.store.Get(ctx, kvstore.KeyRateLimit(provider, kind.name))
		if err != nil {
			return err
		}
		if found {
			if err := json.Unmarshal(raw, kind.dst); err != nil {
				// Corrupt record: start a fresh window rather than failing
				// every future call.
				*kind.dst = windowState{}
			}
		}
	}

	pw.loaded = true
	return nil
}

// persist writes both windows, best effort. A store outage degrades to
// in-memory enforcement rather than blocking calls. Caller holds pw.mu.
func (a *Admission) persist(ctx context.Context, provider string, pw *providerWindows) {
	for _, kind := range []struct {
		name string
		src  *windowState
	}{
		{windowKindMinute, &pw.minute},
		{windowKindDay, &pw.day},
	} {
		raw, err := json.Marshal(kind.src)
		if err != nil {
			continue
		}
		if err := a.store.Set(ctx, kvstore.KeyRateLimit(provider, kind.name), raw, 0); err != nil {
			a.log.WarnContext(ctx, "ratelimit_persist_error",
				slog.String("provider", provider),
				slog.String("window", kind.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (a *Admission) get(provider string) *providerWindows {
	a.mu.RLock()
	pw, ok := a.providers[provider]
	a.mu.RUnlock()
	if ok {
		return pw
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if pw, ok = a.providers[provider]; ok {
		return pw
	}
	pw = &providerWindows{}
	a.providers[provider] = pw
	return pw
}
