// Package breaker implements the per-provider circuit breaker.
//
// One parametrized state machine type covers every provider — thresholds and
// timeouts are configuration, not separate implementations. States:
//
//	StateClosed   — normal operation; all requests pass through.
//	StateOpen     — provider is failing; requests are rejected immediately
//	                and the adapter is never invoked.
//	StateHalfOpen — recovery probing; requests pass through until the
//	                success threshold closes the breaker or a single failure
//	                reopens it.
//
// The OPEN→HALF_OPEN transition is automatic once ResetTimeout has elapsed;
// no external trigger is needed. All state for a given provider is mutated
// under that provider's own mutex — a single writer, so concurrent callers
// cannot lose updates.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/maeple/aigateway/internal/kvstore"
	"github.com/maeple/aigateway/pkg/gwerr"
)

// State represents the operational state of a provider's breaker.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

// String returns "closed", "open", or "half_open".
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Default thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 60 * time.Second
)

// Config holds breaker tuning parameters. Zero values fall back to the
// package defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive probe successes that
	// closes a half-open breaker. Default: 2.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 60s.
	ResetTimeout time.Duration
}

func (c *Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c *Config) successThreshold() int {
	if c.SuccessThreshold > 0 {
		return c.SuccessThreshold
	}
	return DefaultSuccessThreshold
}

func (c *Config) resetTimeout() time.Duration {
	if c.ResetTimeout > 0 {
		return c.ResetTimeout
	}
	return DefaultResetTimeout
}

// Record is the observable snapshot of one provider's breaker, also mirrored
// to the durable store under circuit:{provider} for operator inspection.
// The in-memory record is authoritative; the mirror is write-through only.
type Record struct {
	Provider             string    `json:"provider"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastTransitionAt     time.Time `json:"last_transition_at"`
}

// Transition describes one observed state change.
type Transition struct {
	Provider string
	From     State
	To       State
	At       time.Time
}

// providerBreaker holds per-provider state. Single-writer: every read and
// mutation happens under mu.
type providerBreaker struct {
	mu sync.Mutex

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastTransitionAt     time.Time
}

// Breaker manages independent circuit breakers for each provider. A single
// provider's outage never affects the others. Safe for concurrent use.
type Breaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerBreaker

	cfg   Config
	now   func() time.Time
	store kvstore.Store // optional write-through mirror

	subMu  sync.Mutex
	subs   map[int]func(Transition)
	nextID int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStore enables the durable write-through mirror of breaker records.
func WithStore(store kvstore.Store) Option {
	return func(b *Breaker) { b.store = store }
}

// New creates a Breaker with the given thresholds. Providers are tracked
// lazily on first use.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		breakers: make(map[string]*providerBreaker),
		cfg:      cfg,
		now:      time.Now,
		subs:     make(map[int]func(Transition)),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether provider should receive the next request. Returns
// nil when the call may proceed and a CircuitOpenError otherwise.
//
//   - Closed   → allowed.
//   - Open     → rejected, unless ResetTimeout has elapsed since the breaker
//     opened, in which case it transitions to HalfOpen and the call proceeds
//     as a probe.
//   - HalfOpen → allowed (probing).
func (b *Breaker) Allow(provider string) error {
	pb := b.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		if b.now().Sub(pb.lastTransitionAt) >= b.cfg.resetTimeout() {
			b.transition(provider, pb, StateHalfOpen)
			return nil
		}
		return gwerr.CircuitOpen(provider)
	}

	return nil
}

// RecordSuccess notes a successful provider call.
func (b *Breaker) RecordSuccess(provider string) {
	pb := b.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case StateClosed:
		pb.consecutiveFailures = 0

	case StateHalfOpen:
		pb.consecutiveSuccesses++
		if pb.consecutiveSuccesses >= b.cfg.successThreshold() {
			b.transition(provider, pb, StateClosed)
		}
	}
}

// RecordFailure notes a failed provider call. In the closed state the
// breaker opens once the consecutive-failure threshold is reached; in the
// half-open state a single failure reopens it and restarts the reset timer.
func (b *Breaker) RecordFailure(provider string) {
	pb := b.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case StateClosed:
		pb.consecutiveFailures++
		pb.consecutiveSuccesses = 0
		if pb.consecutiveFailures >= b.cfg.failureThreshold() {
			b.transition(provider, pb, StateOpen)
		}

	case StateHalfOpen:
		b.transition(provider, pb, StateOpen)
	}
}

// State returns the current state for provider.
func (b *Breaker) State(provider string) State {
	pb := b.get(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state
}

// Snapshot returns the current record for provider.
func (b *Breaker) Snapshot(provider string) Record {
	pb := b.get(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return Record{
		Provider:             provider,
		State:                pb.state,
		ConsecutiveFailures:  pb.consecutiveFailures,
		ConsecutiveSuccesses: pb.consecutiveSuccesses,
		LastTransitionAt:     pb.lastTransitionAt,
	}
}

// Subscribe registers fn for every state transition. The returned cancel
// function removes the subscription. fn runs synchronously on the mutating
// goroutine and must not call back into the Breaker.
func (b *Breaker) Subscribe(fn func(Transition)) (cancel func()) {
	b.subMu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

// transition moves pb to the target state, resets counters, stamps the
// transition time, notifies subscribers, and mirrors the record. Caller
// holds pb.mu.
func (b *Breaker) transition(provider string, pb *providerBreaker, to State) {
	from := pb.state
	now := b.now()

	pb.state = to
	pb.consecutiveFailures = 0
	pb.consecutiveSuccesses = 0
	pb.lastTransitionAt = now

	b.notify(Transition{Provider: provider, From: from, To: to, At: now})
	b.mirror(provider, pb)
}

func (b *Breaker) notify(tr Transition) {
	b.subMu.Lock()
	fns := make([]func(Transition), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.subMu.Unlock()

	for _, fn := range fns {
		fn(tr)
	}
}

// mirror writes the record to the durable store, best effort. Caller holds
// pb.mu.
func (b *Breaker) mirror(provider string, pb *providerBreaker) {
	if b.store == nil {
		return
	}
	raw, err := json.Marshal(Record{
		Provider:             provider,
		State:                pb.state,
		ConsecutiveFailures:  pb.consecutiveFailures,
		ConsecutiveSuccesses: pb.consecutiveSuccesses,
		LastTransitionAt:     pb.lastTransitionAt,
	})
	if err != nil {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), time.Second)
	defer cancelFn()
	_ = b.store.Set(ctx, kvstore.KeyCircuit(provider), raw, 0)
}

func (b *Breaker) get(provider string) *providerBreaker {
	b.mu.RLock()
	pb, ok := b.breakers[provider]
	b.mu.RUnlock()
	if ok {
		return pb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if pb, ok = b.breakers[provider]; ok {
		return pb
	}
	pb = &providerBreaker{state: StateClosed, lastTransitionAt: b.now()}
	b.breakers[provider] = pb
	return pb
}
