package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/cordum-authz/core/infra/logging"
	"github.com/cordum/cordum-authz/core/infra/metrics"
)

const (
	resultAllow = "allow"
	resultDeny  = "deny"
	resultError = "error"
)

type requestIDKey struct{}

// WithRequestID attaches a request id used for audit correlation and PDP requests.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, strings.TrimSpace(id))
}

// RequestIDFromContext returns the request id attached to ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDOrNew(ctx context.Context) string {
	if id := RequestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

// GatewayConfig wires the collaborators of a Gateway. PDP is required; the rest have defaults.
// The breaker's state-change hook is taken over to drive the breaker metric.
type GatewayConfig struct {
	PDP     PDPClient
	Cache   DecisionCache
	Breaker *Breaker
	Audit   *AuditLogger
	TTL     TTLPolicy
	Metrics metrics.DecisionMetrics
}

// Gateway makes fail-closed authorization decisions: cache first, then the PDP behind a
// circuit breaker, with one audit event per outcome. It is safe for concurrent use.
type Gateway struct {
	pdp     PDPClient
	cache   DecisionCache
	breaker *Breaker
	audit   *AuditLogger
	ttl     TTLPolicy
	metrics metrics.DecisionMetrics
	now     func() time.Time
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.PDP == nil {
		return nil, fmt.Errorf("pdp client required")
	}
	g := &Gateway{
		pdp:     cfg.PDP,
		cache:   cfg.Cache,
		breaker: cfg.Breaker,
		audit:   cfg.Audit,
		ttl:     cfg.TTL,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
	if g.cache == nil {
		g.cache = NewMemoryDecisionCache()
	}
	if g.breaker == nil {
		g.breaker = NewBreaker(0, DefaultBreakerResetTimeout)
	}
	if g.audit == nil {
		g.audit = NewAuditLogger("cordum-authz", NewSlogAuditSink(nil))
	}
	if g.ttl == (TTLPolicy{}) {
		g.ttl = DefaultTTLPolicy()
	}
	if g.metrics == nil {
		g.metrics = metrics.Noop{}
	}
	g.breaker.OnStateChange(g.metrics.SetBreakerState)
	g.metrics.SetBreakerState(g.breaker.State().State)
	return g, nil
}

// Check reports whether principal may perform action on resource. Any failure denies.
func (g *Gateway) Check(ctx context.Context, principal Principal, resource Resource, action string) bool {
	ctx = WithRequestID(ctx, requestIDOrNew(ctx))
	key := CacheKey(principal, resource, action)

	if allowed, ok := g.cache.Get(ctx, key); ok {
		g.metrics.IncCacheHit(resource.Kind, action)
		logging.Debug("gateway", "decision cache hit", "resource", resource.Kind, "action", action)
		g.record(ctx, principal, resource, action, allowed, 0, ReasonCacheHit, nil)
		return allowed
	}

	var decision PDPDecision
	start := g.now()
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		callStart := g.now()
		d, err := g.pdp.IsAllowed(ctx, action, principal, resource)
		g.metrics.ObservePDPCall(resource.Kind, action, g.now().Sub(callStart).Seconds())
		decision = d
		return err
	})
	latency := g.now().Sub(start)

	if err != nil {
		g.metrics.IncDecision(resultError, resource.Kind, action)
		reason := PDPErrorReason(err)
		if errors.Is(err, ErrCircuitOpen) {
			reason = ReasonCircuitOpen
			logging.Error("gateway", "pdp circuit open, denying", "resource", resource.Kind, "action", action)
		} else {
			logging.Error("gateway", "pdp call failed, denying", "resource", resource.Kind, "action", action, "error", err)
		}
		g.record(ctx, principal, resource, action, false, latency, reason, nil)
		return false
	}

	result := resultDeny
	if decision.Allowed {
		result = resultAllow
	}
	g.metrics.IncDecision(result, resource.Kind, action)

	// The PDP answered; finish bookkeeping even if the caller has gone away.
	bg := context.WithoutCancel(ctx)
	g.record(bg, principal, resource, action, decision.Allowed, latency, ReasonPDPCheck, decision.PolicyIDs)
	g.cache.Set(bg, key, decision.Allowed, g.ttl.For(resource))
	return decision.Allowed
}

// Require is Check as an error: nil when allowed, *PermissionDeniedError otherwise.
func (g *Gateway) Require(ctx context.Context, principal Principal, resource Resource, action string) error {
	if g.Check(ctx, principal, resource, action) {
		return nil
	}
	return &PermissionDeniedError{
		PrincipalID: principal.ID,
		Action:      action,
		Kind:        resource.Kind,
		ResourceID:  resource.ID,
	}
}

// FlushCache removes every cached decision.
func (g *Gateway) FlushCache(ctx context.Context) (int, error) {
	n, err := g.cache.InvalidateAll(ctx)
	if err != nil {
		logging.Error("gateway", "decision cache flush failed", "deleted", n, "error", err)
		return n, err
	}
	logging.Info("gateway", "decision cache flushed", "deleted", n)
	return n, nil
}

// FlushCacheAs flushes the cache only if principal may flush system:cache.
func (g *Gateway) FlushCacheAs(ctx context.Context, principal Principal) (int, error) {
	target := Resource{Kind: SystemResourceKind, ID: CacheResourceID}
	if err := g.Require(ctx, principal, target, ActionFlush); err != nil {
		return 0, err
	}
	return g.FlushCache(ctx)
}

// BreakerState exposes the PDP breaker snapshot for health reporting.
func (g *Gateway) BreakerState() BreakerState {
	return g.breaker.State()
}

func (g *Gateway) record(ctx context.Context, p Principal, r Resource, action string, allowed bool, latency time.Duration, reason string, policyIDs []string) {
	g.audit.LogDecision(ctx, DecisionRecord{
		RequestID: RequestIDFromContext(ctx),
		Principal: p,
		Resource:  r,
		Action:    action,
		Allowed:   allowed,
		Latency:   latency,
		Reason:    reason,
		PolicyIDs: policyIDs,
	})
}
