package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/cordum-authz/core/authz"
	"github.com/cordum/cordum-authz/core/infra/buildinfo"
	"github.com/cordum/cordum-authz/core/infra/logging"
	infraMetrics "github.com/cordum/cordum-authz/core/infra/metrics"
)

const (
	headerRequestID    = "X-Request-Id"
	maxRequestBodySize = 1 << 20
	shutdownTimeout    = 10 * time.Second
)

// Server exposes the authorization gateway over HTTP.
type Server struct {
	gw       *authz.Gateway
	resolver *authz.Resolver
	metrics  infraMetrics.GatewayMetrics
	bus      BusStatus
	started  time.Time
}

// BusStatus reports the audit bus connection; *bus.Publisher satisfies it.
type BusStatus interface {
	IsConnected() bool
	Status() string
}

func NewServer(gw *authz.Gateway, resolver *authz.Resolver, m infraMetrics.GatewayMetrics) *Server {
	if m == nil {
		m = infraMetrics.Noop{}
	}
	return &Server{gw: gw, resolver: resolver, metrics: m, started: time.Now()}
}

// SetAuditBus adds the audit bus connection to the health report.
func (s *Server) SetAuditBus(b BusStatus) {
	s.bus = b
}

// Handler returns the API routes wrapped with request-id propagation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// 1. Health
	mux.HandleFunc("GET /health", s.handleHealth)

	// 2. Decisions
	mux.HandleFunc("POST /api/v1/authorize", s.instrumented("/api/v1/authorize", s.handleAuthorize))

	// 3. Admin
	mux.HandleFunc("POST /api/v1/admin/flush-cache", s.instrumented("/api/v1/admin/flush-cache", s.handleFlushCache))

	return requestIDMiddleware(mux)
}

// Run serves the API on httpAddr and metrics on metricsAddr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("authz-gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("authz-gateway", "metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("authz-gateway", "http listening", "addr", httpAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = metricsSrv.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logging.Error("authz-gateway", "http server error", "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logging.Info("authz-gateway", "shutting down")
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// --- Handlers ---

type busHealth struct {
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
}

type healthResponse struct {
	Status        string          `json:"status"`
	Breaker       string          `json:"breaker"`
	AuditBus      *busHealth      `json:"audit_bus,omitempty"`
	Build         buildinfo.Build `json:"build"`
	UptimeSeconds int64           `json:"uptime_seconds"`
}

// handleHealth always answers 200; a lost audit bus only marks the gateway degraded since
// decisions are still logged locally.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Breaker:       s.gw.BreakerState().State,
		Build:         buildinfo.Current(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.bus != nil {
		resp.AuditBus = &busHealth{Connected: s.bus.IsConnected(), Status: s.bus.Status()}
		if !resp.AuditBus.Connected {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type authorizeResource struct {
	Kind          string         `json:"kind"`
	ID            string         `json:"id"`
	Attr          map[string]any `json:"attr"`
	PolicyVersion string         `json:"policy_version"`
	Scope         string         `json:"scope"`
}

type authorizeRequest struct {
	Resource authorizeResource `json:"resource"`
	Action   string            `json:"action"`
}

type authorizeResponse struct {
	Allowed     bool   `json:"allowed"`
	RequestID   string `json:"request_id"`
	PrincipalID string `json:"principal_id"`
	Assurance   string `json:"assurance"`
}

// handleAuthorize decides for the caller's own identity; the principal is never taken from the body.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	req.Resource.Kind = strings.TrimSpace(req.Resource.Kind)
	if req.Action == "" || req.Resource.Kind == "" {
		http.Error(w, "resource.kind and action are required", http.StatusBadRequest)
		return
	}

	principal := s.resolver.Resolve(authz.MetadataFromHTTP(r))
	resource := authz.Resource{
		Kind:          req.Resource.Kind,
		ID:            req.Resource.ID,
		Attr:          req.Resource.Attr,
		PolicyVersion: req.Resource.PolicyVersion,
		Scope:         req.Resource.Scope,
	}
	allowed := s.gw.Check(r.Context(), principal, resource, req.Action)
	writeJSON(w, http.StatusOK, authorizeResponse{
		Allowed:     allowed,
		RequestID:   authz.RequestIDFromContext(r.Context()),
		PrincipalID: principal.ID,
		Assurance:   principal.Assurance(),
	})
}

type flushResponse struct {
	Deleted int `json:"deleted"`
}

func (s *Server) handleFlushCache(w http.ResponseWriter, r *http.Request) {
	principal := s.resolver.Resolve(authz.MetadataFromHTTP(r))
	n, err := s.gw.FlushCacheAs(r.Context(), principal)
	if err != nil {
		if authz.IsPermissionDenied(err) {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		http.Error(w, "cache flush failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, flushResponse{Deleted: n})
}

// --- Helpers ---

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(authz.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrumented wraps handlers to record metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}
