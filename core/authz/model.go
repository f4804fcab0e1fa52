package authz

import (
	"sort"
	"strings"
)

// Assurance levels carried in Principal.Attr["assurance_level"].
const (
	AssuranceNone   = "none"
	AssuranceLow    = "low"
	AssuranceMedium = "medium"
	AssuranceHigh   = "high"
)

// Principal provenance carried in Principal.Attr["source"].
const (
	SourceLocal    = "local"
	SourceHeader   = "header"
	SourceJWT      = "jwt"
	SourceFallback = "fallback"
)

const (
	attrAssurance      = "assurance_level"
	attrSource         = "source"
	attrFallbackReason = "fallback_reason"
	attrSensitivity    = "sensitivity"
)

// Principal is the acting identity for a decision.
type Principal struct {
	ID            string         `json:"id"`
	Roles         []string       `json:"roles"`
	Attr          map[string]any `json:"attr,omitempty"`
	PolicyVersion string         `json:"policy_version,omitempty"`
	Scope         string         `json:"scope,omitempty"`
}

// Assurance returns the identity assurance level, or "none" when unset.
func (p Principal) Assurance() string {
	if v, ok := p.Attr[attrAssurance].(string); ok && v != "" {
		return v
	}
	return AssuranceNone
}

// Source returns where the identity came from.
func (p Principal) Source() string {
	v, _ := p.Attr[attrSource].(string)
	return v
}

// HasRole reports whether role is in the principal's role set.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Resource is the protected object a decision is about.
type Resource struct {
	Kind          string         `json:"kind"`
	ID            string         `json:"id"`
	Attr          map[string]any `json:"attr,omitempty"`
	PolicyVersion string         `json:"policy_version,omitempty"`
	Scope         string         `json:"scope,omitempty"`
}

// Sensitivity returns Attr["sensitivity"] verbatim, or "" when absent or not a string.
// Tier names match exactly; "LOW" is not "low".
func (r Resource) Sensitivity() string {
	v, _ := r.Attr[attrSensitivity].(string)
	return v
}

// DecisionRequest groups the inputs of one authorization check.
type DecisionRequest struct {
	Principal Principal `json:"principal"`
	Resource  Resource  `json:"resource"`
	Action    string    `json:"action"`
}

// NormalizeRoles returns roles as a sorted set with blanks removed.
func NormalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// DefaultPrincipal is used when no usable identity is present.
func DefaultPrincipal() Principal {
	return Principal{
		ID:    "local_user",
		Roles: []string{"user"},
		Attr: map[string]any{
			attrSource:    SourceLocal,
			attrAssurance: AssuranceLow,
		},
	}
}

// AnonymousPrincipal is substituted when identity verification fails under the deny fallback.
func AnonymousPrincipal(reason string) Principal {
	attr := map[string]any{
		attrSource:    SourceFallback,
		attrAssurance: AssuranceNone,
	}
	if reason != "" {
		attr[attrFallbackReason] = reason
	}
	return Principal{ID: "anonymous", Roles: []string{"anonymous"}, Attr: attr}
}

// Resource kind and id guarding the administrative cache flush.
const (
	SystemResourceKind = "system"
	CacheResourceID    = "cache"
	ActionFlush        = "flush"
)
