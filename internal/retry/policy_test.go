package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, BackoffLinear, p.Mode)
	assert.Equal(t, time.Second, p.Initial)
	assert.Equal(t, 30*time.Second, p.Max)
	assert.Equal(t, 2, p.MaxRetries)
	require.NoError(t, p.Validate())
}

func TestDelayModes(t *testing.T) {
	fixed := Policy{Mode: BackoffFixed, Initial: 2 * time.Second, Max: time.Minute}
	assert.Equal(t, 2*time.Second, fixed.Delay(1))
	assert.Equal(t, 2*time.Second, fixed.Delay(5))

	linear := Policy{Mode: BackoffLinear, Initial: time.Second, Max: 3 * time.Second}
	assert.Equal(t, time.Second, linear.Delay(1))
	assert.Equal(t, 2*time.Second, linear.Delay(2))
	assert.Equal(t, 3*time.Second, linear.Delay(10), "linear growth is capped at max")

	exp := Policy{Mode: BackoffExponential, Initial: time.Second, Max: 5 * time.Second}
	assert.Equal(t, time.Second, exp.Delay(1))
	assert.Equal(t, 2*time.Second, exp.Delay(2))
	assert.Equal(t, 4*time.Second, exp.Delay(3))
	assert.Equal(t, 5*time.Second, exp.Delay(4), "exponential growth is capped at max")
}

func TestDelayZeroForNonPositiveAttempt(t *testing.T) {
	p := DefaultPolicy()
	assert.Zero(t, p.Delay(0))
	assert.Zero(t, p.Delay(-1))
}

func TestValidateRejectsImpossiblePolicies(t *testing.T) {
	assert.Error(t, Policy{Initial: 0, Max: time.Second}.Validate())
	assert.Error(t, Policy{Initial: time.Second, Max: 0}.Validate())
	assert.Error(t, Policy{Initial: time.Second, Max: time.Second, MaxRetries: -1}.Validate())
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{Mode: BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 3}

	calls := 0
	err := Do(context.Background(), p, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	p := Policy{Mode: BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 2}

	sentinel := errors.New("still broken")
	calls := 0
	err := Do(context.Background(), p, func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls, "one initial attempt plus two retries")
}

func TestDoStopsOnContextCancel(t *testing.T) {
	p := Policy{Mode: BackoffFixed, Initial: time.Hour, Max: time.Hour, MaxRetries: 5}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, p, func() error { return errors.New("transient") })
	require.ErrorIs(t, err, context.Canceled)
}
