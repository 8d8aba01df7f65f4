package breaker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/maeple/aigateway/internal/kvstore"
	"github.com/maeple/aigateway/pkg/gwerr"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(Config{}, WithClock(clock.now)), clock
}

func tripOpen(b *Breaker, provider string) {
	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure(provider)
	}
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker()
	if b.State("gemini") != StateClosed {
		t.Errorf("initial state should be closed, got %s", b.State("gemini"))
	}
	if err := b.Allow("gemini"); err != nil {
		t.Errorf("closed breaker should allow: %v", err)
	}
}

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker()

	// Five consecutive failures trip the breaker; the sixth call is rejected
	// without ever reaching the provider.
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure("gemini")
		if b.State("gemini") != StateClosed {
			t.Fatalf("should stay closed before threshold, failure %d", i+1)
		}
	}
	b.RecordFailure("gemini")

	if b.State("gemini") != StateOpen {
		t.Fatalf("should be open after %d failures", DefaultFailureThreshold)
	}

	err := b.Allow("gemini")
	if err == nil {
		t.Fatal("open breaker must reject")
	}
	if !gwerr.IsKind(err, gwerr.KindCircuitOpen) {
		t.Errorf("rejection should be a circuit-open error, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure("gemini")
	}
	b.RecordSuccess("gemini")

	// A full new streak is needed after the reset.
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure("gemini")
	}
	if b.State("gemini") != StateClosed {
		t.Error("success should have reset the consecutive-failure count")
	}
}

func TestBreaker_HalfOpensAfterResetTimeout(t *testing.T) {
	b, clock := newTestBreaker()
	tripOpen(b, "gemini")

	clock.advance(DefaultResetTimeout - time.Second)
	if err := b.Allow("gemini"); err == nil {
		t.Fatal("should still reject before reset timeout")
	}

	clock.advance(2 * time.Second)
	if err := b.Allow("gemini"); err != nil {
		t.Fatalf("should allow a probe after reset timeout: %v", err)
	}
	if b.State("gemini") != StateHalfOpen {
		t.Errorf("state should be half_open, got %s", b.State("gemini"))
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clock := newTestBreaker()
	tripOpen(b, "gemini")
	clock.advance(DefaultResetTimeout)
	b.Allow("gemini") // transition to half-open

	b.RecordSuccess("gemini")
	if b.State("gemini") != StateHalfOpen {
		t.Fatal("one probe success should not yet close the breaker")
	}
	b.RecordSuccess("gemini")
	if b.State("gemini") != StateClosed {
		t.Error("breaker should close after the success threshold")
	}
}

func TestBreaker_HalfOpenReopensOnSingleFailure(t *testing.T) {
	b, clock := newTestBreaker()
	tripOpen(b, "gemini")
	openedAt := clock.t

	clock.advance(DefaultResetTimeout)
	b.Allow("gemini") // half-open

	b.RecordFailure("gemini")
	if b.State("gemini") != StateOpen {
		t.Fatal("a single probe failure must reopen the breaker")
	}

	rec := b.Snapshot("gemini")
	if !rec.LastTransitionAt.After(openedAt) {
		t.Error("reopening must restart the reset timer")
	}

	// The next probe requires another full reset timeout.
	clock.advance(DefaultResetTimeout - time.Second)
	if err := b.Allow("gemini"); err == nil {
		t.Error("probe must wait a full reset timeout after reopening")
	}
}

func TestBreaker_ProvidersAreIndependent(t *testing.T) {
	b, _ := newTestBreaker()
	tripOpen(b, "gemini")

	if err := b.Allow("openai"); err != nil {
		t.Errorf("gemini outage must not affect openai: %v", err)
	}
}

func TestBreaker_SubscribeObservesTransitions(t *testing.T) {
	b, clock := newTestBreaker()

	var got []Transition
	cancel := b.Subscribe(func(tr Transition) { got = append(got, tr) })
	defer cancel()

	tripOpen(b, "gemini")
	clock.advance(DefaultResetTimeout)
	b.Allow("gemini")
	b.RecordSuccess("gemini")
	b.RecordSuccess("gemini")

	want := []struct{ from, to State }{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d transitions, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].From != w.from || got[i].To != w.to {
			t.Errorf("transition %d: %s→%s, want %s→%s",
				i, got[i].From, got[i].To, w.from, w.to)
		}
	}
}

func TestBreaker_SubscribeCancel(t *testing.T) {
	b, _ := newTestBreaker()

	count := 0
	cancel := b.Subscribe(func(Transition) { count++ })
	cancel()

	tripOpen(b, "gemini")
	if count != 0 {
		t.Error("cancelled subscription should not fire")
	}
}

func TestBreaker_MirrorsRecordToStore(t *testing.T) {
	store := kvstore.NewMemoryStore()
	clock := &fakeClock{t: time.Now()}
	b := New(Config{}, WithClock(clock.now), WithStore(store))

	tripOpen(b, "gemini")

	raw, found, err := store.Get(context.Background(), kvstore.KeyCircuit("gemini"))
	if err != nil || !found {
		t.Fatalf("expected mirrored record: found=%v err=%v", found, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.State != StateOpen {
		t.Errorf("mirrored state %s, want open", rec.State)
	}
}

func TestBreaker_CustomThresholds(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Second},
		WithClock(clock.now))

	b.RecordFailure("p")
	b.RecordFailure("p")
	if b.State("p") != StateOpen {
		t.Fatal("custom failure threshold not honored")
	}

	clock.advance(time.Second)
	b.Allow("p")
	b.RecordSuccess("p")
	if b.State("p") != StateClosed {
		t.Error("custom success threshold not honored")
	}
}
