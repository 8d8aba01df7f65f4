package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"
)

// flakyProbe lets tests flip the simulated network state.
type flakyProbe struct {
	mu sync.Mutex
	up bool
}

func (p *flakyProbe) set(up bool) {
	p.mu.Lock()
	p.up = up
	p.mu.Unlock()
}

func (p *flakyProbe) probe(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.up
}

func newTestMonitor(t *testing.T, probe Probe) *Monitor {
	t.Helper()
	m := NewMonitor(context.Background(), Options{
		Probe:    probe,
		Interval: time.Hour, // tests drive state via SetOnline
	})
	t.Cleanup(m.Close)
	return m
}

func TestInitialProbeRunsSynchronously(t *testing.T) {
	up := &flakyProbe{up: true}
	m := newTestMonitor(t, up.probe)
	if !m.Online() {
		t.Error("Online() = false after a passing initial probe")
	}

	down := &flakyProbe{up: false}
	m2 := newTestMonitor(t, down.probe)
	if m2.Online() {
		t.Error("Online() = true after a failing initial probe")
	}
}

func TestSetOnlineFlips(t *testing.T) {
	p := &flakyProbe{up: true}
	m := newTestMonitor(t, p.probe)

	m.SetOnline(false)
	if m.Online() {
		t.Error("Online() = true after SetOnline(false)")
	}
	m.SetOnline(true)
	if !m.Online() {
		t.Error("Online() = false after SetOnline(true)")
	}
}

func TestSubscribeFiresOnFlipOnly(t *testing.T) {
	p := &flakyProbe{up: true}
	m := newTestMonitor(t, p.probe)

	var got []Transition
	cancel := m.Subscribe(func(tr Transition) { got = append(got, tr) })
	defer cancel()

	m.SetOnline(true) // no flip
	if len(got) != 0 {
		t.Fatalf("callback fired without a state change: %v", got)
	}

	m.SetOnline(false)
	m.SetOnline(false) // still no flip
	m.SetOnline(true)

	if len(got) != 2 {
		t.Fatalf("callbacks = %d, want 2", len(got))
	}
	if got[0].Online || !got[1].Online {
		t.Errorf("transition order wrong: %v", got)
	}
}

func TestSubscribeCancel(t *testing.T) {
	p := &flakyProbe{up: true}
	m := newTestMonitor(t, p.probe)

	calls := 0
	cancel := m.Subscribe(func(Transition) { calls++ })
	m.SetOnline(false)
	cancel()
	m.SetOnline(true)

	if calls != 1 {
		t.Errorf("calls = %d, want 1 after cancel", calls)
	}
}
