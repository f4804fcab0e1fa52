package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncDecision("allow", "weather", "read")
	m.IncCacheHit("weather", "read")
	m.ObservePDPCall("weather", "read", 0.01)
	m.SetBreakerState("open")
	m.ObserveRequest("GET", "/health", "200", 0.001)
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("authz")
	m.IncDecision("allow", "weather", "read")
	m.IncDecision("error", "weather", "read")
	m.IncCacheHit("weather", "read")
	m.ObservePDPCall("weather", "read", 0.02)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "authz_decision_total", map[string]string{"result": "allow", "resource": "weather", "action": "read"}) {
		t.Fatalf("expected decision metric")
	}
	if !hasMetric(families, "authz_decision_total", map[string]string{"result": "error"}) {
		t.Fatalf("expected error decision metric")
	}
	if !hasMetric(families, "authz_decision_cache_hit_total", map[string]string{"resource": "weather", "action": "read"}) {
		t.Fatalf("expected cache hit metric")
	}
	if !hasMetric(families, "authz_pdp_call_duration_seconds", map[string]string{"resource": "weather", "action": "read"}) {
		t.Fatalf("expected pdp duration metric")
	}
}

func TestPromBreakerStateGauge(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("authz")
	m.SetBreakerState("open")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, state := range BreakerStates {
		want := 0.0
		if state == "open" {
			want = 1
		}
		got, ok := gaugeValue(families, "authz_pdp_circuit_state", map[string]string{"state": state})
		if !ok || got != want {
			t.Fatalf("state %s: expected %v got %v (found=%v)", state, want, got, ok)
		}
	}
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("authz")
	m.ObserveRequest("GET", "/health", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "authz_http_requests_total", map[string]string{"method": "GET", "route": "/health", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "authz_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/health"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("authz")
	m.IncDecision("deny", "system", "flush")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func gaugeValue(families []*dto.MetricFamily, name string, labels map[string]string) (float64, bool) {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return metric.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
