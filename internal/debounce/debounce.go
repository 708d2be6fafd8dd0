// Package debounce provides a coalescing-delay primitive: bursts of trigger
// signals collapse into one delayed invocation of a wrapped action.
package debounce

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

type phase int

const (
	phaseIdle phase = iota
	phaseWaiting
	phaseRunning
	phaseRunningQueued
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseWaiting:
		return "waiting"
	case phaseRunning:
		return "running"
	case phaseRunningQueued:
		return "running_queued"
	default:
		return "unknown"
	}
}

// Debouncer wraps a no-argument action so that repeated triggers within the
// wait window collapse into a single delayed invocation.
//
// Phase machine:
//
//	idle    --Trigger-->  waiting (timer armed for wait)
//	waiting --Trigger-->  waiting (untilIdle resets the timer, otherwise no-op)
//	waiting --timer--->   running (action invoked on its own goroutine)
//	running --Trigger-->  running_queued (one more run owed)
//	running --done----->  idle (waiters released)
//	running_queued --done--> running (immediate re-invocation, no waiting
//	                         phase; waiters released only after this run)
//
// Stop flushes a pending wait (the debounced work is not dropped) and returns
// a channel that closes once the current and any queued run have finished.
// A queued run is still honored after Stop: it may be the request that caused
// the shutdown in the first place.
type Debouncer struct {
	clock     clockwork.Clock
	wait      time.Duration
	fn        func() error
	untilIdle bool

	mu      sync.Mutex
	phase   phase
	timer   clockwork.Timer
	stopped bool
	waiters []chan struct{}
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// UntilIdle makes the wait window sliding: each trigger during the waiting
// phase pushes the deadline out to a full wait from now, so the action only
// fires after a contiguous idle gap of at least wait.
func UntilIdle() Option {
	return func(d *Debouncer) { d.untilIdle = true }
}

// New creates a Debouncer around fn. The action's error is logged, never
// propagated: a failing action must not wedge the phase machine.
func New(clock clockwork.Clock, wait time.Duration, fn func() error, opts ...Option) (*Debouncer, error) {
	if clock == nil {
		return nil, ferrors.ValidationError("clock is required").Build()
	}
	if wait <= 0 {
		return nil, ferrors.ValidationError("wait must be > 0").Build()
	}
	if fn == nil {
		return nil, ferrors.ValidationError("function is required").Build()
	}
	d := &Debouncer{clock: clock, wait: wait, fn: fn}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Trigger signals that the debounced action should run soon. Safe to call
// from any goroutine. Triggers on a stopped Debouncer are ignored.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	switch d.phase {
	case phaseIdle:
		d.timer = d.clock.AfterFunc(d.wait, d.timerFired)
		d.phase = phaseWaiting
	case phaseWaiting:
		if d.untilIdle {
			d.timer.Reset(d.wait)
		}
	case phaseRunning:
		d.phase = phaseRunningQueued
	case phaseRunningQueued:
		// Already owed a run.
	}
}

func (d *Debouncer) timerFired() {
	d.mu.Lock()
	if d.phase != phaseWaiting {
		// Stop flushed or canceled the wait before the timer callback ran.
		d.mu.Unlock()
		return
	}
	d.phase = phaseRunning
	d.mu.Unlock()
	go d.run()
}

func (d *Debouncer) run() {
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("debounced function panicked", slog.Any("panic", r))
			}
		}()
		if err := d.fn(); err != nil {
			slog.Error("debounced function failed", slog.String("error", err.Error()))
		}
	}()
	d.complete()
}

func (d *Debouncer) complete() {
	d.mu.Lock()
	if d.phase == phaseRunningQueued {
		// Re-invoke immediately; waiters keep waiting for the queued run.
		d.phase = phaseRunning
		d.mu.Unlock()
		go d.run()
		return
	}
	d.phase = phaseIdle
	waiters := d.waiters
	d.waiters = nil
	d.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Start re-enables a stopped Debouncer so future triggers schedule again.
func (d *Debouncer) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = false
}

// Stop disables further triggers and returns a channel that closes once all
// pending work has drained. A pending wait is flushed (run immediately, not
// dropped); a running action and any queued re-run complete first.
func (d *Debouncer) Stop() <-chan struct{} {
	d.mu.Lock()
	d.stopped = true

	switch d.phase {
	case phaseWaiting:
		d.timer.Stop()
		d.phase = phaseRunning
		ch := make(chan struct{})
		d.waiters = append(d.waiters, ch)
		d.mu.Unlock()
		go d.run()
		return ch
	case phaseRunning, phaseRunningQueued:
		ch := make(chan struct{})
		d.waiters = append(d.waiters, ch)
		d.mu.Unlock()
		return ch
	default:
		d.mu.Unlock()
		ch := make(chan struct{})
		close(ch)
		return ch
	}
}
