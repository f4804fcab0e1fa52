package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned when the breaker rejects a PDP call without attempting it.
	ErrCircuitOpen = errors.New("pdp circuit open")
	// ErrMalformedResponse means the PDP answered with a payload that does not match its contract.
	ErrMalformedResponse = errors.New("malformed pdp response")
)

// PDPError is a transport-level failure talking to the PDP.
type PDPError struct {
	Op  string
	Err error
}

func (e *PDPError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("pdp: %v", e.Err)
	}
	return fmt.Sprintf("pdp %s: %v", e.Op, e.Err)
}

func (e *PDPError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PermissionDeniedError is returned by Gateway.Require when the action is not allowed.
type PermissionDeniedError struct {
	PrincipalID string
	Action      string
	Kind        string
	ResourceID  string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s may not %s %s:%s", e.PrincipalID, e.Action, e.Kind, e.ResourceID)
}

// IsPermissionDenied reports whether err is or wraps a PermissionDeniedError.
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
