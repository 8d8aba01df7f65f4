// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when the gateway is embedded
// in other applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. A nil *Registry is safe: every method
// no-ops, so subsystems can take metrics as an optional dependency.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_calls
	inFlight prometheus.Gauge

	// gateway_calls_total{provider,outcome}
	callsTotal *prometheus.CounterVec

	// gateway_call_duration_seconds{provider,outcome}
	callDuration *prometheus.HistogramVec

	// gateway_admission_decisions_total{provider,decision}
	admissionDecisions *prometheus.CounterVec

	// gateway_circuit_breaker_state{provider} — 0=closed, 1=open, 2=half_open
	circuitState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{provider,to_state}
	circuitTransitions *prometheus.CounterVec

	// gateway_cache_hits_total / gateway_cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_queue_depth{provider}
	queueDepth *prometheus.GaugeVec

	// gateway_queue_enqueued_total{provider}
	queueEnqueued *prometheus.CounterVec

	// gateway_queue_drained_total{provider,outcome}
	queueDrained *prometheus.CounterVec

	// gateway_dead_letters_total{provider,reason}
	deadLetters *prometheus.CounterVec

	// gateway_retries_total{provider}
	retries *prometheus.CounterVec

	// gateway_connectivity_online — 1 online, 0 offline
	connectivity prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_calls",
			Help: "Current number of in-flight gateway calls",
		}),

		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_calls_total",
				Help: "Total gateway calls by terminal outcome",
			},
			[]string{"provider", "outcome"},
		),

		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_call_duration_seconds",
				Help:    "End-to-end gateway call duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45, 60},
			},
			[]string{"provider", "outcome"},
		),

		admissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_decisions_total",
				Help: "Admission controller decisions",
			},
			[]string{"provider", "decision"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half_open)",
			},
			[]string{"provider"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"provider", "to_state"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Response cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Response cache misses",
		}),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_queue_depth",
				Help: "Durability queue depth per provider",
			},
			[]string{"provider"},
		),

		queueEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_queue_enqueued_total",
				Help: "Requests enqueued to the durability queue",
			},
			[]string{"provider"},
		),

		queueDrained: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_queue_drained_total",
				Help: "Queued requests replayed from the durability queue",
			},
			[]string{"provider", "outcome"},
		),

		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dead_letters_total",
				Help: "Queued requests moved to the dead-letter namespace",
			},
			[]string{"provider", "reason"},
		),

		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retries_total",
				Help: "Inline retries of transient provider failures",
			},
			[]string{"provider"},
		),

		connectivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connectivity_online",
			Help: "Connectivity monitor state (1=online, 0=offline)",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.callsTotal,
		r.callDuration,
		r.admissionDecisions,
		r.circuitState,
		r.circuitTransitions,
		r.cacheHits,
		r.cacheMisses,
		r.queueDepth,
		r.queueEnqueued,
		r.queueDrained,
		r.deadLetters,
		r.retries,
		r.connectivity,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	if r == nil {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
	return r.metricsHandler
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) IncInFlight() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

func (r *Registry) DecInFlight() {
	if r == nil {
		return
	}
	r.inFlight.Dec()
}

// ObserveCall records one terminal gateway call outcome.
func (r *Registry) ObserveCall(provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.callsTotal.WithLabelValues(provider, outcome).Inc()
	r.callDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordAdmission(provider, decision string) {
	if r == nil {
		return
	}
	r.admissionDecisions.WithLabelValues(provider, decision).Inc()
}

func (r *Registry) SetCircuitState(provider string, state int) {
	if r == nil {
		return
	}
	r.circuitState.WithLabelValues(provider).Set(float64(state))
}

func (r *Registry) RecordCircuitTransition(provider, toState string) {
	if r == nil {
		return
	}
	r.circuitTransitions.WithLabelValues(provider, toState).Inc()
}

func (r *Registry) CacheHit() {
	if r == nil {
		return
	}
	r.cacheHits.Inc()
}

func (r *Registry) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheMisses.Inc()
}

func (r *Registry) SetQueueDepth(provider string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(provider).Set(float64(depth))
}

func (r *Registry) RecordEnqueue(provider string) {
	if r == nil {
		return
	}
	r.queueEnqueued.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordDrain(provider, outcome string) {
	if r == nil {
		return
	}
	r.queueDrained.WithLabelValues(provider, outcome).Inc()
}

func (r *Registry) RecordDeadLetter(provider, reason string) {
	if r == nil {
		return
	}
	r.deadLetters.WithLabelValues(provider, reason).Inc()
}

func (r *Registry) RecordRetry(provider string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(provider).Inc()
}

func (r *Registry) SetConnectivity(online bool) {
	if r == nil {
		return
	}
	if online {
		r.connectivity.Set(1)
	} else {
		r.connectivity.Set(0)
	}
}
