package cache

import (
	"context"
	"testing"
	"time"

	"github.com/maeple/aigateway/internal/kvstore"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(t *testing.T) (*ResponseCache, *fakeClock, kvstore.Store) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := kvstore.NewMemoryStore()
	c := New(context.Background(), store, Options{Now: clock.now})
	t.Cleanup(c.Close)
	return c, clock, store
}

func TestCache_SetGetWithinTTL(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "fp", []byte("result"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	clock.advance(59 * time.Second)

	val, ok := c.Get(ctx, "fp")
	if !ok {
		t.Fatal("expected hit before expiry")
	}
	if string(val) != "result" {
		t.Errorf("got %q", val)
	}
}

func TestCache_MissAfterExpiry(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "fp", []byte("result"), time.Minute)
	clock.advance(time.Minute) // t == expiresAt is already a miss

	if _, ok := c.Get(ctx, "fp"); ok {
		t.Error("expected miss at expiry boundary")
	}
}

func TestCache_TTLZeroMeansNeverCache(t *testing.T) {
	c, _, store := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "fp", []byte("result"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, ok := c.Get(ctx, "fp"); ok {
		t.Error("ttl=0 must not cache — zero is not 'use default'")
	}

	if _, found, _ := store.Get(ctx, kvstore.KeyCache("fp")); found {
		t.Error("ttl=0 must not write the durable tier")
	}
}

func TestCache_DefaultTTLSentinel(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "fp", []byte("result"), TTLDefault)

	clock.advance(59 * time.Minute)
	if _, ok := c.Get(ctx, "fp"); !ok {
		t.Error("default TTL entry should survive 59m")
	}

	clock.advance(2 * time.Minute)
	if _, ok := c.Get(ctx, "fp"); ok {
		t.Error("default TTL entry should expire after 1h")
	}
}

func TestCache_ColdStartReadsDurableTier(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := kvstore.NewMemoryStore()
	ctx := context.Background()

	first := New(ctx, store, Options{Now: clock.now})
	first.Set(ctx, "fp", []byte("paid-for"), time.Hour)
	first.Close()

	// New process, empty hot tier, same durable store.
	second := New(ctx, store, Options{Now: clock.now})
	defer second.Close()

	val, ok := second.Get(ctx, "fp")
	if !ok {
		t.Fatal("durable tier must be the source of truth on cold start")
	}
	if string(val) != "paid-for" {
		t.Errorf("got %q", val)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c, _, store := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "fp", []byte("v"), time.Hour)
	if err := c.Invalidate(ctx, "fp"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, ok := c.Get(ctx, "fp"); ok {
		t.Error("invalidated entry should miss")
	}
	if _, found, _ := store.Get(ctx, kvstore.KeyCache("fp")); found {
		t.Error("invalidate should remove the durable copy")
	}
}

func TestCache_SweepBoundsHotTier(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Minute)
	c.Set(ctx, "b", []byte("2"), time.Hour)

	clock.advance(2 * time.Minute)
	c.sweepHot()

	if c.Len() != 1 {
		t.Errorf("sweep should evict expired hot entries, len=%d", c.Len())
	}
}
