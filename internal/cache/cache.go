// Package cache implements the TTL response cache keyed by request
// fingerprint.
//
// The cache is tiered: a fast in-process map in front of the durable
// key-value store. The durable tier is the source of truth on cold start —
// a process restart repopulates the hot tier lazily from it. Expiry is
// checked lazily on every read; a bounded janitor additionally sweeps the hot
// tier so memory stays bounded without a durable-tier scan.
//
// TTL semantics (the part ad hoc implementations get wrong):
//   - TTLDefault  → the configured default TTL (1h unless overridden).
//   - 0           → do NOT cache this entry at all.
//   - d > 0       → cache for exactly d.
//
// A zero TTL is authoritative and never falls back to the default.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/maeple/aigateway/internal/kvstore"
)

// TTLDefault is the sentinel callers pass when they did not specify a TTL.
const TTLDefault = time.Duration(-1)

const janitorInterval = 5 * time.Minute

// Entry is the persisted shape of one cached response.
type Entry struct {
	Value      []byte    `json:"value"`
	InsertedAt time.Time `json:"inserted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ResponseCache is the tiered fingerprint-keyed response cache.
// It is safe for concurrent use; reads and writes for different fingerprints
// are independent.
type ResponseCache struct {
	store      kvstore.Store
	defaultTTL time.Duration
	log        *slog.Logger
	now        func() time.Time

	mu  sync.RWMutex
	hot map[string]Entry

	done      chan struct{}
	closeOnce sync.Once
}

// Options tunes a ResponseCache. Zero values use defaults.
type Options struct {
	// DefaultTTL applies when callers pass TTLDefault. Default: 1h.
	DefaultTTL time.Duration

	// Logger for degraded-store warnings. Defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock (tests). Defaults to time.Now.
	Now func() time.Time
}

// New creates a ResponseCache over the given durable store and starts the
// hot-tier janitor. The janitor stops when ctx is cancelled or Close is called.
func New(ctx context.Context, store kvstore.Store, opts Options) *ResponseCache {
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &ResponseCache{
		store:      store,
		defaultTTL: ttl,
		log:        log,
		now:        now,
		hot:        make(map[string]Entry),
		done:       make(chan struct{}),
	}
	go c.janitor(ctx)
	return c
}

// Get returns the cached value for fingerprint. Returns (nil, false) on a
// miss or when the entry has expired. Durable-tier errors degrade to a miss
// so a broken store never fails a call.
func (c *ResponseCache) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.hot[fingerprint]
	c.mu.RUnlock()

	if ok {
		if now.Before(entry.ExpiresAt) {
			return entry.Value, true
		}
		c.mu.Lock()
		delete(c.hot, fingerprint)
		c.mu.Unlock()
		// Fall through: the durable tier may hold a fresher entry written by
		// another replica.
	}

	raw, found, err := c.store.Get(ctx, kvstore.KeyCache(fingerprint))
	if err != nil {
		c.log.WarnContext(ctx, "cache_get_error",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !found {
		return nil, false
	}

	if err := json.Unmarshal(raw, &entry); err != nil {
		c.log.WarnContext(ctx, "cache_entry_corrupt",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
		_ = c.store.Delete(ctx, kvstore.KeyCache(fingerprint))
		return nil, false
	}

	if !now.Before(entry.ExpiresAt) {
		_ = c.store.Delete(ctx, kvstore.KeyCache(fingerprint))
		return nil, false
	}

	c.mu.Lock()
	c.hot[fingerprint] = entry
	c.mu.Unlock()

	return entry.Value, true
}

// Set stores value under fingerprint.
//
//	ttl == TTLDefault → use the configured default
//	ttl == 0          → never cache; the call is a no-op
//	ttl > 0           → cache for exactly ttl
func (c *ResponseCache) Set(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		return nil
	}
	if ttl == TTLDefault || ttl < 0 {
		ttl = c.defaultTTL
	}

	now := c.now()
	entry := Entry{
		Value:      value,
		InsertedAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	c.mu.Lock()
	c.hot[fingerprint] = entry
	c.mu.Unlock()

	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, kvstore.KeyCache(fingerprint), raw, ttl); err != nil {
		// Degrade gracefully: the hot tier still serves until restart.
		c.log.WarnContext(ctx, "cache_set_error",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Invalidate removes fingerprint from both tiers.
func (c *ResponseCache) Invalidate(ctx context.Context, fingerprint string) error {
	c.mu.Lock()
	delete(c.hot, fingerprint)
	c.mu.Unlock()
	return c.store.Delete(ctx, kvstore.KeyCache(fingerprint))
}

// Len returns the number of hot-tier entries (including not-yet-swept
// expired ones).
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hot)
}

// Close stops the janitor.
func (c *ResponseCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *ResponseCache) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepHot()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *ResponseCache) sweepHot() {
	now := c.now()

	c.mu.Lock()
	for k, v := range c.hot {
		if !now.Before(v.ExpiresAt) {
			delete(c.hot, k)
		}
	}
	c.mu.Unlock()
}
