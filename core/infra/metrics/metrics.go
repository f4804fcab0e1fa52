package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DecisionMetrics records authorization decision outcomes.
type DecisionMetrics interface {
	IncDecision(result, resource, action string)
	IncCacheHit(resource, action string)
	ObservePDPCall(resource, action string, durationSeconds float64)
	SetBreakerState(state string)
}

// GatewayMetrics captures request metrics for the HTTP surface.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements DecisionMetrics and GatewayMetrics without emitting anything.
type Noop struct{}

func (Noop) IncDecision(string, string, string)             {}
func (Noop) IncCacheHit(string, string)                     {}
func (Noop) ObservePDPCall(string, string, float64)         {}
func (Noop) SetBreakerState(string)                         {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// BreakerStates lists the label values used by the breaker state gauge.
var BreakerStates = []string{"closed", "open", "half_open"}

// Prom implements DecisionMetrics backed by Prometheus collectors.
type Prom struct {
	decisions    *prometheus.CounterVec
	cacheHits    *prometheus.CounterVec
	pdpDuration  *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	once         sync.Once
}

// NewProm registers decision collectors under namespace on the default registry.
func NewProm(namespace string) *Prom {
	p := &Prom{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_total",
			Help:      "Authorization decisions by result, resource kind and action",
		}, []string{"result", "resource", "action"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_hit_total",
			Help:      "Decision cache hits by resource kind and action",
		}, []string{"resource", "action"}),
		pdpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pdp_call_duration_seconds",
			Help:      "Latency of policy decision point calls",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"resource", "action"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pdp_circuit_state",
			Help:      "PDP circuit breaker state (1 for the active state)",
		}, []string{"state"}),
	}
	p.register()
	p.SetBreakerState("closed")
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.decisions, p.cacheHits, p.pdpDuration, p.breakerState)
	})
}

func (p *Prom) IncDecision(result, resource, action string) {
	p.decisions.WithLabelValues(result, resource, action).Inc()
}

func (p *Prom) IncCacheHit(resource, action string) {
	p.cacheHits.WithLabelValues(resource, action).Inc()
}

func (p *Prom) ObservePDPCall(resource, action string, durationSeconds float64) {
	p.pdpDuration.WithLabelValues(resource, action).Observe(durationSeconds)
}

func (p *Prom) SetBreakerState(state string) {
	for _, s := range BreakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.breakerState.WithLabelValues(s).Set(v)
	}
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
