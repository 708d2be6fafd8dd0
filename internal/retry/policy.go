// Package retry provides a small backoff policy for transient transport
// failures, chiefly publishing build requests over NATS.
package retry

import (
	"context"
	"time"

	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

// BackoffMode selects how the delay grows between attempts.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Policy encapsulates retry/backoff settings for transient failures.
// It is immutable after construction.
type Policy struct {
	Mode       BackoffMode
	Initial    time.Duration // base delay
	Max        time.Duration // cap for growth
	MaxRetries int           // retry attempts after the first failure
}

// DefaultPolicy returns the policy used by the emission boundary: linear,
// 1s initial, 30s cap, 2 retries.
func DefaultPolicy() Policy {
	return Policy{Mode: BackoffLinear, Initial: time.Second, Max: 30 * time.Second, MaxRetries: 2}
}

// Delay returns the backoff delay for the given retry attempt number
// (1-based: first retry => 1).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	switch p.Mode {
	case BackoffFixed:
		return p.Initial
	case BackoffExponential:
		d := p.Initial * (1 << (retryCount - 1))
		if d > p.Max {
			return p.Max
		}
		return d
	default: // linear
		d := time.Duration(retryCount) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	}
}

// Validate ensures invariants; returns an error if the policy cannot be
// applied.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return ferrors.ValidationError("retry initial delay must be >0").Build()
	}
	if p.Max <= 0 {
		return ferrors.ValidationError("retry max delay must be >0").Build()
	}
	if p.MaxRetries < 0 {
		return ferrors.ValidationError("retry count cannot be negative").Build()
	}
	return nil
}

// Do runs op, retrying per the policy until it succeeds, the attempts are
// exhausted, or ctx is canceled. The last error is returned unwrapped so
// callers keep its classification.
func Do(ctx context.Context, p Policy, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= p.MaxRetries {
			return err
		}
		timer := time.NewTimer(p.Delay(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
