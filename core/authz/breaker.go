package authz

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Breaker states as reported by Breaker.State and the breaker metric.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// DefaultBreakerResetTimeout is how long the breaker stays open before admitting a trial call.
const DefaultBreakerResetTimeout = 30 * time.Second

// BreakerState is a point-in-time view of the breaker.
type BreakerState struct {
	State    string
	Failures int
	OpenedAt time.Time
}

// Breaker guards calls to a remote dependency. After threshold consecutive failures it opens
// and rejects calls with ErrCircuitOpen; once the reset timeout elapses it lets exactly one
// trial through, closing on success and reopening on failure.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
	onChange     func(state string)

	mu       sync.Mutex
	state    string
	failures int
	openedAt time.Time
	trialing bool
}

// NewBreaker returns a closed breaker. Non-positive arguments fall back to 5 failures and 30s.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultBreakerResetTimeout
	}
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        StateClosed,
	}
}

// OnStateChange registers fn to be called after every transition. It must be set before use.
func (b *Breaker) OnStateChange(fn func(state string)) {
	b.onChange = fn
}

// State returns the current snapshot, applying the open to half-open timeout if it has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	changed := b.advanceLocked()
	snap := BreakerState{State: b.state, Failures: b.failures, OpenedAt: b.openedAt}
	b.mu.Unlock()
	b.notify(changed)
	return snap
}

// Execute runs fn if the breaker admits it and records the outcome. A call abandoned because
// the caller cancelled ctx records nothing and releases a half-open trial slot. An expired
// caller deadline is a timeout and counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, changed, err := b.acquire()
	b.notify(changed)
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	if callErr != nil && errors.Is(ctx.Err(), context.Canceled) {
		b.release(trial)
		return callErr
	}
	if callErr != nil {
		b.notify(b.recordFailure(trial))
		return callErr
	}
	b.notify(b.recordSuccess(trial))
	return nil
}

func (b *Breaker) acquire() (trial bool, changed string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed = b.advanceLocked()
	switch b.state {
	case StateOpen:
		return false, changed, ErrCircuitOpen
	case StateHalfOpen:
		if b.trialing {
			return false, changed, ErrCircuitOpen
		}
		b.trialing = true
		return true, changed, nil
	default:
		return false, changed, nil
	}
}

func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialing = false
	b.mu.Unlock()
}

func (b *Breaker) recordFailure(trial bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trialing = false
	}
	switch b.state {
	case StateHalfOpen:
		if trial {
			return b.openLocked()
		}
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			return b.openLocked()
		}
	}
	return ""
}

func (b *Breaker) recordSuccess(trial bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trialing = false
	}
	switch b.state {
	case StateHalfOpen:
		if trial {
			b.state = StateClosed
			b.failures = 0
			b.openedAt = time.Time{}
			return StateClosed
		}
	case StateClosed:
		b.failures = 0
	}
	return ""
}

func (b *Breaker) openLocked() string {
	b.state = StateOpen
	b.openedAt = b.now()
	b.trialing = false
	return StateOpen
}

func (b *Breaker) advanceLocked() string {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.resetTimeout)) {
		b.state = StateHalfOpen
		b.trialing = false
		return StateHalfOpen
	}
	return ""
}

func (b *Breaker) notify(state string) {
	if state != "" && b.onChange != nil {
		b.onChange(state)
	}
}
