package authz

import (
	"context"
	"time"
)

// DefaultPDPTimeout bounds a single PDP round trip.
const DefaultPDPTimeout = 500 * time.Millisecond

// PDPDecision is the PDP's verdict for one action.
type PDPDecision struct {
	Allowed   bool
	PolicyIDs []string
}

// PDPClient asks the policy decision point whether principal may perform action on resource.
// Implementations apply their own timeout and never cache or circuit-break.
type PDPClient interface {
	IsAllowed(ctx context.Context, action string, principal Principal, resource Resource) (PDPDecision, error)
}

// PDPClientFunc adapts a function to PDPClient.
type PDPClientFunc func(ctx context.Context, action string, principal Principal, resource Resource) (PDPDecision, error)

func (f PDPClientFunc) IsAllowed(ctx context.Context, action string, principal Principal, resource Resource) (PDPDecision, error) {
	return f(ctx, action, principal, resource)
}

func withPDPTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultPDPTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
