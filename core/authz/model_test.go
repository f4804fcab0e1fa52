package authz

import (
	"errors"
	"fmt"
	"testing"
)

func TestNormalizeRoles(t *testing.T) {
	got := NormalizeRoles([]string{" user", "admin", "", "user ", "admin"})
	if fmt.Sprint(got) != "[admin user]" {
		t.Fatalf("unexpected roles: %v", got)
	}
	if got := NormalizeRoles(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil set, got %#v", got)
	}
}

func TestAnonymousPrincipal(t *testing.T) {
	p := AnonymousPrincipal("verify token: bad signature")
	if p.ID != "anonymous" || !p.HasRole("anonymous") || p.HasRole("user") {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if p.Assurance() != AssuranceNone || p.Source() != SourceFallback {
		t.Fatalf("unexpected attrs: %v", p.Attr)
	}
	if p.Attr["fallback_reason"] != "verify token: bad signature" {
		t.Fatalf("expected fallback reason, got %v", p.Attr)
	}
	if _, ok := AnonymousPrincipal("").Attr["fallback_reason"]; ok {
		t.Fatalf("expected no reason attribute when empty")
	}
}

func TestDefaultPrincipalIsFresh(t *testing.T) {
	a := DefaultPrincipal()
	a.Attr["source"] = "mutated"
	if DefaultPrincipal().Source() != SourceLocal {
		t.Fatalf("default principal must not share attribute maps")
	}
}

func TestPDPErrorUnwrap(t *testing.T) {
	inner := errors.New("eof")
	err := fmt.Errorf("call: %w", &PDPError{Op: "check", Err: inner})
	if !errors.Is(err, inner) {
		t.Fatalf("expected unwrap to reach inner error")
	}
	if got := (&PDPError{Err: inner}).Error(); got != "pdp: eof" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(malformed("x"), ErrMalformedResponse) {
		t.Fatalf("expected malformed to wrap sentinel")
	}
}
