// Package connectivity tracks whether the gateway has a usable network path
// to the outside world. Call sites consult Online() before dispatching;
// subscribers (the queue drain) react when connectivity returns.
package connectivity

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	defaultProbeAddr     = "1.1.1.1:443"
)

// Probe reports whether the network is reachable right now.
type Probe func(ctx context.Context) bool

// Transition describes an online/offline flip.
type Transition struct {
	Online bool
	At     time.Time
}

// Options tunes a Monitor. Zero values use defaults.
type Options struct {
	// Probe overrides the reachability check. Default: TCP dial to a public
	// anycast resolver.
	Probe Probe

	// Interval between background probes. Default: 30s.
	Interval time.Duration

	// Timeout per probe. Default: 5s.
	Timeout time.Duration

	Logger *slog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Monitor runs background reachability probes and exposes the latest result.
// Safe for concurrent use.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time
	baseCtx  context.Context

	mu     sync.RWMutex
	online bool
	subs   map[int]func(Transition)
	nextID int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor creates a Monitor and immediately starts background probes.
// The first probe runs synchronously so Online() is never a guess.
func NewMonitor(ctx context.Context, opts Options) *Monitor {
	if ctx == nil {
		panic("connectivity: context must not be nil")
	}
	probe := opts.Probe
	if probe == nil {
		probe = dialProbe(defaultProbeAddr)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		log:      log,
		now:      now,
		baseCtx:  ctx,
		subs:     make(map[int]func(Transition)),
		done:     make(chan struct{}),
	}

	m.runProbe()

	m.wg.Add(1)
	go m.run()

	return m
}

// Online reports the last probe result.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline forces the connectivity state, firing subscribers on a flip.
// Used by call sites that learn about connectivity from a failed or
// recovered dispatch before the next scheduled probe.
func (m *Monitor) SetOnline(online bool) {
	m.transition(online)
}

// Subscribe registers fn to run on every online/offline flip. Callbacks run
// synchronously on the flipping goroutine. The returned cancel removes the
// subscription.
func (m *Monitor) Subscribe(fn func(Transition)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close stops the background probe goroutine.
func (m *Monitor) Close() {
	close(m.done)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runProbe()
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) runProbe() {
	ctx, cancel := context.WithTimeout(m.baseCtx, m.timeout)
	defer cancel()
	m.transition(m.probe(ctx))
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	tr := Transition{Online: online, At: m.now()}
	subs := make([]func(Transition), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if online {
		m.log.Info("connectivity_restored")
	} else {
		m.log.Warn("connectivity_lost")
	}

	for _, fn := range subs {
		fn(tr)
	}
}

func dialProbe(addr string) Probe {
	var d net.Dialer
	return func(ctx context.Context) bool {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}
