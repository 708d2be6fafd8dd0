package debounce

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 10 * time.Second

func waitForCalls(t *testing.T, calls *atomic.Int64, want int64) {
	t.Helper()
	require.Eventually(t, func() bool { return calls.Load() == want },
		2*time.Second, time.Millisecond,
		"expected %d invocations, got %d", want, calls.Load())
}

func assertNoMoreCalls(t *testing.T, calls *atomic.Int64, want int64) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, want, calls.Load())
}

func TestNewValidation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fn := func() error { return nil }

	_, err := New(nil, wait, fn)
	assert.Error(t, err)
	_, err = New(clock, 0, fn)
	assert.Error(t, err)
	_, err = New(clock, wait, nil)
	assert.Error(t, err)
	_, err = New(clock, wait, fn)
	assert.NoError(t, err)
}

func TestSingleTriggerInvokesOnceAfterWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	d, err := New(clock, wait, func() error { calls.Add(1); return nil })
	require.NoError(t, err)

	d.Trigger()
	clock.Advance(wait - time.Second)
	assertNoMoreCalls(t, &calls, 0)

	clock.Advance(time.Second)
	waitForCalls(t, &calls, 1)
	assertNoMoreCalls(t, &calls, 1)
}

func TestRepeatTriggerKeepsOriginalDeadline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	d, err := New(clock, wait, func() error { calls.Add(1); return nil })
	require.NoError(t, err)

	d.Trigger()
	clock.Advance(wait / 2)
	d.Trigger() // without UntilIdle this must not move the deadline

	clock.Advance(wait / 2)
	waitForCalls(t, &calls, 1)
	clock.Advance(wait)
	assertNoMoreCalls(t, &calls, 1)
}

func TestUntilIdleSlidesTheWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	d, err := New(clock, wait, func() error { calls.Add(1); return nil }, UntilIdle())
	require.NoError(t, err)

	d.Trigger()
	clock.Advance(wait / 2)
	d.Trigger() // resets the deadline to a full wait from now

	// The original deadline passes with nothing fired.
	clock.Advance(wait / 2)
	assertNoMoreCalls(t, &calls, 0)

	// Fires at second_trigger_time + wait.
	clock.Advance(wait / 2)
	waitForCalls(t, &calls, 1)
}

func TestTriggerDuringRunQueuesImmediateRerun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	gate := make(chan struct{})
	var calls atomic.Int64
	d, err := New(clock, wait, func() error {
		calls.Add(1)
		<-gate
		return nil
	})
	require.NoError(t, err)

	d.Trigger()
	clock.Advance(wait)
	waitForCalls(t, &calls, 1)

	d.Trigger() // while running: queue exactly one more
	d.Trigger() // already queued: no-op

	gate <- struct{}{} // finish first run

	// The queued run starts immediately, with no clock advance.
	waitForCalls(t, &calls, 2)
	gate <- struct{}{}
	assertNoMoreCalls(t, &calls, 2)
}

func TestStopWhileWaitingFlushesImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	d, err := New(clock, wait, func() error { calls.Add(1); return nil })
	require.NoError(t, err)

	d.Trigger()
	done := d.Stop()

	// No clock advance needed: stop flushes the pending wait.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop to drain")
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestStopHonorsQueuedRunBeforeSignaling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	gate := make(chan struct{})
	var calls atomic.Int64
	d, err := New(clock, wait, func() error {
		calls.Add(1)
		<-gate
		return nil
	})
	require.NoError(t, err)

	d.Trigger()
	clock.Advance(wait)
	waitForCalls(t, &calls, 1)

	d.Trigger() // queued behind the in-flight run
	done := d.Stop()

	gate <- struct{}{} // first run finishes; queued run must still execute
	waitForCalls(t, &calls, 2)

	select {
	case <-done:
		t.Fatal("stop signaled before the queued run completed")
	default:
	}

	gate <- struct{}{}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop to drain")
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestStopWhileIdleResolvesImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d, err := New(clock, wait, func() error { return nil })
	require.NoError(t, err)

	select {
	case <-d.Stop():
	default:
		t.Fatal("stop on an idle debouncer must resolve immediately")
	}
}

func TestTriggersIgnoredWhileStoppedUntilStart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	d, err := New(clock, wait, func() error { calls.Add(1); return nil })
	require.NoError(t, err)

	<-d.Stop()
	d.Trigger()
	clock.Advance(2 * wait)
	assertNoMoreCalls(t, &calls, 0)

	d.Start()
	d.Trigger()
	clock.Advance(wait)
	waitForCalls(t, &calls, 1)
}

func TestActionFailureDoesNotWedgeTheMachine(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	d, err := New(clock, wait, func() error {
		calls.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, err)

	d.Trigger()
	clock.Advance(wait)
	waitForCalls(t, &calls, 1)

	// A second cycle behaves identically after the failure.
	d.Trigger()
	clock.Advance(wait)
	waitForCalls(t, &calls, 2)
}

func TestActionPanicIsContained(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int64
	d, err := New(clock, wait, func() error {
		calls.Add(1)
		panic("boom")
	})
	require.NoError(t, err)

	d.Trigger()
	clock.Advance(wait)
	waitForCalls(t, &calls, 1)

	d.Trigger()
	clock.Advance(wait)
	waitForCalls(t, &calls, 2)
}
