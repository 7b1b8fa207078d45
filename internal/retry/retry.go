// Package retry re-runs operations that fail with transient errors, using
// capped exponential backoff with additive jitter and a wall-clock budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/johndauphine/scan-migrate/internal/logging"
)

// ErrTimeoutExceeded is matched by errors.Is when the budget ran out before
// the attempts did.
var ErrTimeoutExceeded = errors.New("retry budget exceeded")

// TimeoutExceededError carries the last failure seen before the budget ran out.
type TimeoutExceededError struct {
	Budget   time.Duration
	Attempts int
	Last     error
}

func (e *TimeoutExceededError) Error() string {
	return fmt.Sprintf("retry budget %s exceeded after %d attempts: %v", e.Budget, e.Attempts, e.Last)
}

func (e *TimeoutExceededError) Is(target error) bool { return target == ErrTimeoutExceeded }

func (e *TimeoutExceededError) Unwrap() error { return e.Last }

// Policy configures retries. The zero value makes a single attempt.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Budget bounds the total time spent, including waits. Zero means unbounded.
	Budget time.Duration
	// Name labels retry log lines.
	Name string

	// jitter returns a value in [0, 1). Tests replace it.
	jitter func() float64
	now    func() time.Time
}

// DefaultPolicy matches the remote service's observed recovery times.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Budget:        300 * time.Second,
	}
}

// WithName returns a copy of p whose log lines carry name.
func (p Policy) WithName(name string) Policy {
	p.Name = name
	return p
}

// Delay returns the wait before retry number attempt (0-based), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) jittered(attempt int) time.Duration {
	d := p.Delay(attempt)
	j := rand.Float64
	if p.jitter != nil {
		j = p.jitter
	}
	return d + time.Duration(j()*0.1*float64(d))
}

func (p Policy) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// schedule is the backoff.BackOff driving one Do call.
type schedule struct {
	policy   Policy
	attempt  int
	started  time.Time
	exceeded bool
}

func (s *schedule) Reset() {
	s.attempt = 0
	s.exceeded = false
	s.started = s.policy.clock()
}

func (s *schedule) NextBackOff() time.Duration {
	if s.attempt >= s.policy.MaxRetries {
		return backoff.Stop
	}
	d := s.policy.jittered(s.attempt)
	if s.policy.Budget > 0 && s.policy.clock().Sub(s.started)+d > s.policy.Budget {
		s.exceeded = true
		return backoff.Stop
	}
	s.attempt++
	return d
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// policy gives up. Exhausting the retries returns op's last error unchanged.
// Running out of budget returns a *TimeoutExceededError.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var (
		result   T
		attempts int
	)
	operation := func() error {
		attempts++
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	sched := &schedule{policy: p}
	notify := func(err error, wait time.Duration) {
		logging.Warn("%s: attempt %d/%d failed: %v; retrying in %s",
			p.label(), attempts, p.MaxRetries+1, err, wait.Round(10*time.Millisecond))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(sched, ctx), notify)
	if err == nil {
		return result, nil
	}
	var zero T
	if sched.exceeded {
		logging.Error("%s: budget %s exceeded after %d attempts", p.label(), p.Budget, attempts)
		return zero, &TimeoutExceededError{Budget: p.Budget, Attempts: attempts, Last: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil && IsTransient(err) {
		return zero, fmt.Errorf("%w (last error: %v)", ctxErr, err)
	}
	if attempts > p.MaxRetries && IsTransient(err) {
		logging.Error("%s: max retries (%d) exceeded: %v", p.label(), p.MaxRetries, err)
	}
	return zero, err
}

func (p Policy) label() string {
	if p.Name == "" {
		return "retry"
	}
	return p.Name
}

// IsTransient reports whether err is worth retrying: errors that say so via
// a Transient() method, and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
