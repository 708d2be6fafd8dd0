// Package scheduler implements the time-driven Nightly trigger engine: it
// computes calendar fire times, keeps its bookmarks in the object state
// store, decides on each fire whether accumulated changes justify a build,
// and hands finished buildsets to the emission boundary.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/buildsched/internal/changes"
	"git.home.luguber.info/inful/buildsched/internal/emission"
	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
	"git.home.luguber.info/inful/buildsched/internal/logfields"
	"git.home.luguber.info/inful/buildsched/internal/metrics"
	"git.home.luguber.info/inful/buildsched/internal/objstate"
)

// className is the object class under which every Nightly scheduler resolves
// its durable object id.
const className = "Nightly"

// Bookmark names in the object state store. These are part of the durable
// layout and must not change between releases.
const (
	stateLastBuild         = "last_build"
	stateLastOnlyIfChanged = "last_only_if_changed"
	stateLastCodebases     = "lastCodebases"
	statePendingChanges    = "pending_changes"
)

// codebaseState is the per-codebase bookmark recorded when pinning source
// stamps to the last observed change.
type codebaseState struct {
	Revision   string `json:"revision"`
	Branch     string `json:"branch"`
	Repository string `json:"repository"`
	LastChange int64  `json:"lastChange"`
}

// pendingChange is one entry of the ordered pending-changes bookmark. The
// full change is kept so a fire after a restart can still attach it.
type pendingChange struct {
	Change    changes.Change `json:"change"`
	Important bool           `json:"important"`
}

type changeDelivery struct {
	change changes.Change
	done   chan error
}

type forceRequest struct {
	reason string
	owner  string
	done   chan error
}

// Nightly is one periodic trigger engine instance. All bookmark reads and
// writes happen on a single run-loop goroutine, so one fire evaluation is in
// flight at a time and change deliveries serialize with timer events.
type Nightly struct {
	cfg   Config
	store *objstate.Store
	emit  emission.Emitter
	clock clockwork.Clock
	log   *slog.Logger
	rec   metrics.Recorder

	enabled atomic.Bool

	mu        sync.Mutex
	activated bool // operator intent: Activate called, Deactivate not yet
	running   bool // run loop goroutine alive
	cancel    context.CancelFunc
	done      chan struct{}
	objectID  int64

	changeCh chan changeDelivery
	forceCh  chan forceRequest

	// Wakeup deadlines owned by the run loop.
	nextMain  time.Time
	nextForce time.Time
}

// Option configures a Nightly scheduler.
type Option func(*Nightly)

// WithClock replaces the wall clock; tests inject a fake.
func WithClock(clock clockwork.Clock) Option {
	return func(n *Nightly) { n.clock = clock }
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(n *Nightly) { n.log = log }
}

// WithRecorder replaces the no-op metrics recorder.
func WithRecorder(rec metrics.Recorder) Option {
	return func(n *Nightly) { n.rec = rec }
}

// New validates cfg and builds a Nightly scheduler. The scheduler starts
// enabled but inactive; Activate begins its activity.
func New(cfg Config, store *objstate.Store, emitter emission.Emitter, opts ...Option) (*Nightly, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	n := &Nightly{
		cfg:      cfg,
		store:    store,
		emit:     emitter,
		clock:    clockwork.NewRealClock(),
		log:      slog.Default(),
		rec:      metrics.NoopRecorder{},
		changeCh: make(chan changeDelivery),
		forceCh:  make(chan forceRequest),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(logfields.Scheduler(cfg.Name))
	n.enabled.Store(true)
	return n, nil
}

// Name returns the scheduler's configured name.
func (n *Nightly) Name() string { return n.cfg.Name }

// Enabled reports the runtime enable flag.
func (n *Nightly) Enabled() bool { return n.enabled.Load() }

// Activate records operator intent to run and, when enabled, starts the run
// loop: bookmarks are loaded, change intake begins, and the next wakeup is
// scheduled from both calendars.
func (n *Nightly) Activate(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.activated = true
	if !n.enabled.Load() || n.running {
		return nil
	}
	return n.startActivityLocked(ctx)
}

// Deactivate stops the run loop. A fire evaluation already in flight runs to
// completion so bookmark writes are never torn. Bookmarks remain as last
// written.
func (n *Nightly) Deactivate() {
	n.mu.Lock()
	n.activated = false
	n.mu.Unlock()
	n.stopActivity()
}

// SetEnabled toggles the runtime enable flag. Disabling an active scheduler
// suspends its activity without touching bookmarks; re-enabling resumes it if
// Activate intent still stands.
func (n *Nightly) SetEnabled(ctx context.Context, enabled bool) error {
	if n.enabled.Swap(enabled) == enabled {
		return nil
	}
	if !enabled {
		n.stopActivity()
		n.log.Info("scheduler disabled")
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.log.Info("scheduler enabled")
	if !n.activated || n.running {
		return nil
	}
	return n.startActivityLocked(ctx)
}

func (n *Nightly) startActivityLocked(ctx context.Context) error {
	objectID, err := n.store.GetObjectID(ctx, n.cfg.Name, className)
	if err != nil {
		return err
	}
	n.objectID = objectID

	// A scheduler that is not change-gated can never use recorded
	// classifications; flush any left behind by an earlier configuration.
	if !n.cfg.OnlyIfChanged {
		pending, err := objstate.GetStateDefault[[]pendingChange](ctx, n.store, objectID, statePendingChanges, nil)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			n.log.Info("flushing stale pending changes",
				logfields.StateName(statePendingChanges), "count", len(pending))
			if err := n.store.SetState(ctx, objectID, statePendingChanges, []pendingChange{}); err != nil {
				return err
			}
		}
	}

	// Change gating that was just switched on owes one catch-up build: an
	// important change may have slipped by while gating was off. The catch-up
	// fires here at activation rather than waiting for the next calendar
	// tick, which could be a full period away.
	if n.cfg.OnlyIfChanged {
		lastOnlyIfChanged, err := objstate.GetStateDefault[*bool](ctx, n.store, objectID, stateLastOnlyIfChanged, nil)
		if err != nil {
			return err
		}
		if lastOnlyIfChanged != nil && !*lastOnlyIfChanged {
			n.log.Info("change gating newly enabled, firing catch-up build")
			if err := n.evaluate(ctx, n.clock.Now(), false, n.cfg.Reason, ""); err != nil {
				// Bookmarks are untouched on failure; the next tick retries.
				n.log.Error("catch-up evaluation failed", logfields.Error(err))
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.done = make(chan struct{})
	n.running = true
	go n.runLoop(runCtx, n.done)

	n.log.Info("scheduler activated", logfields.ObjectID(objectID))
	return nil
}

func (n *Nightly) stopActivity() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	cancel()
	<-done
}

// SubmitChange delivers one change to the run loop and returns after the
// pending bookmark write is durable. Changes submitted while the scheduler is
// inactive or disabled are dropped.
func (n *Nightly) SubmitChange(ctx context.Context, ch changes.Change) error {
	n.mu.Lock()
	running := n.running
	done := n.done
	n.mu.Unlock()
	if !running {
		return nil
	}

	delivery := changeDelivery{change: ch, done: make(chan error, 1)}
	select {
	case n.changeCh <- delivery:
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-delivery.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Force fires the scheduler unconditionally, consuming any pending changes.
// Owner identifies who asked, for the emitted request's audit trail.
func (n *Nightly) Force(ctx context.Context, reason, owner string) error {
	n.mu.Lock()
	running := n.running
	done := n.done
	n.mu.Unlock()
	if !running {
		if !n.enabled.Load() {
			n.rec.IncSkip(n.cfg.Name, metrics.SkipDisabled)
		}
		return ferrors.SchedulerError("scheduler is not active").
			WithContext("scheduler", n.cfg.Name).
			Build()
	}

	req := forceRequest{reason: reason, owner: owner, done: make(chan error, 1)}
	select {
	case n.forceCh <- req:
	case <-done:
		return ferrors.SchedulerError("scheduler deactivated during force").
			WithContext("scheduler", n.cfg.Name).
			Build()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Nightly) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	now := n.clock.Now()
	n.computeWakeups(now)
	timer := n.clock.NewTimer(n.wakeup().Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			n.onTick(ctx)
			timer.Reset(n.wakeup().Sub(n.clock.Now()))
		case delivery := <-n.changeCh:
			delivery.done <- n.onChange(ctx, delivery.change)
		case req := <-n.forceCh:
			req.done <- n.onForce(ctx, req)
		}
	}
}

// computeWakeups records the next deadline of each calendar strictly after
// the given time.
func (n *Nightly) computeWakeups(after time.Time) {
	n.nextMain = n.cfg.Spec.Next(after)
	if n.cfg.ForceSpec != nil {
		n.nextForce = n.cfg.ForceSpec.Next(after)
	}
	n.log.Debug("next wakeup scheduled", logfields.FireAt(n.wakeup()))
}

// wakeup returns the sooner of the two recorded deadlines.
func (n *Nightly) wakeup() time.Time {
	if !n.nextForce.IsZero() && n.nextForce.Before(n.nextMain) {
		return n.nextForce
	}
	return n.nextMain
}

func (n *Nightly) onTick(ctx context.Context) {
	now := n.clock.Now()
	mainDue := !now.Before(n.nextMain)
	forceDue := !n.nextForce.IsZero() && !now.Before(n.nextForce)
	n.computeWakeups(now)

	if !mainDue && !forceDue {
		return
	}
	if err := n.evaluate(ctx, now, forceDue, n.cfg.Reason, ""); err != nil {
		n.log.Error("fire evaluation failed", logfields.Error(err))
	}
}

func (n *Nightly) onForce(ctx context.Context, req forceRequest) error {
	reason := req.reason
	if reason == "" {
		reason = n.cfg.Reason
	}
	return n.evaluate(ctx, n.clock.Now(), true, reason, req.owner)
}

// evaluate is the single fire-decision path. force fires are unconditional;
// otherwise the change-sensitivity policy, the pending bookmark, and the
// recorded history decide. Bookmarks are persisted after every evaluation
// that reaches a decision, fire or skip alike; an emission failure leaves
// them untouched so the next tick retries with nothing lost.
func (n *Nightly) evaluate(ctx context.Context, now time.Time, force bool, reason, owner string) error {
	lastBuild, err := objstate.GetStateDefault[*int64](ctx, n.store, n.objectID, stateLastBuild, nil)
	if err != nil {
		return err
	}
	lastOnlyIfChanged, err := objstate.GetStateDefault[*bool](ctx, n.store, n.objectID, stateLastOnlyIfChanged, nil)
	if err != nil {
		return err
	}
	pending, err := objstate.GetStateDefault[[]pendingChange](ctx, n.store, n.objectID, statePendingChanges, nil)
	if err != nil {
		return err
	}

	fire := true
	switch {
	case force:
	case !n.cfg.OnlyIfChanged:
	case anyImportant(pending):
	case lastBuild == nil:
		// First ever fire evaluation: build once so there is a baseline.
	case lastOnlyIfChanged != nil && !*lastOnlyIfChanged:
		// Change-gating was just switched on; an important change may have
		// slipped by while it was off, so catch up once.
	default:
		fire = false
	}

	if fire {
		if err := n.emitBuildset(ctx, pending, reason, owner); err != nil {
			n.rec.IncEmitFailure(n.cfg.Name)
			n.log.Error("buildset emission failed", logfields.Error(err), logfields.Reason(reason))
			return err
		}
		n.rec.IncFire(n.cfg.Name)
		n.rec.IncBuildsetEmitted(n.cfg.Name)
		if len(pending) > 0 {
			if err := n.store.SetState(ctx, n.objectID, statePendingChanges, []pendingChange{}); err != nil {
				return err
			}
		}
	} else {
		n.rec.IncSkip(n.cfg.Name, metrics.SkipNoImportantChanges)
		n.log.Debug("fire skipped, no important changes pending")
	}

	if err := n.store.SetState(ctx, n.objectID, stateLastBuild, now.Unix()); err != nil {
		return err
	}
	return n.store.SetState(ctx, n.objectID, stateLastOnlyIfChanged, n.cfg.OnlyIfChanged)
}

func anyImportant(pending []pendingChange) bool {
	for _, p := range pending {
		if p.Important {
			return true
		}
	}
	return false
}

func (n *Nightly) emitBuildset(ctx context.Context, pending []pendingChange, reason, owner string) error {
	bs := emission.Buildset{
		Scheduler:  n.cfg.Name,
		Builders:   n.cfg.Builders,
		Reason:     reason,
		Priority:   n.cfg.Priority,
		Properties: n.cfg.Properties,
		Owner:      owner,
	}

	var (
		result emission.BuildsetResult
		err    error
	)
	if len(pending) > 0 {
		// All recorded changes ride along, important and unimportant alike,
		// in arrival order. Off-branch changes never made it this far.
		chs := make([]changes.Change, len(pending))
		for i, p := range pending {
			chs[i] = p.Change
		}
		result, err = n.emit.AddBuildsetForChanges(ctx, bs, chs)
	} else {
		var stamps []emission.SourceStamp
		stamps, err = n.sourceStamps(ctx)
		if err != nil {
			return err
		}
		result, err = n.emit.AddBuildsetForSourceStamps(ctx, bs, stamps)
	}
	if err != nil {
		return err
	}

	n.log.Info("buildset emitted",
		logfields.RequestSet(result.RequestSetID),
		logfields.Reason(reason),
		"change_count", len(pending))
	return nil
}

// sourceStamps builds the stamps for a fire with no changes attached: one per
// configured codebase, pinned to the last recorded change when absolute
// stamps are on, otherwise "latest on branch".
func (n *Nightly) sourceStamps(ctx context.Context) ([]emission.SourceStamp, error) {
	if len(n.cfg.Codebases) == 0 {
		return []emission.SourceStamp{{Branch: n.cfg.Branch}}, nil
	}

	var last map[string]codebaseState
	if n.cfg.CreateAbsoluteSourceStamps {
		var err error
		last, err = objstate.GetStateDefault[map[string]codebaseState](ctx, n.store, n.objectID, stateLastCodebases, nil)
		if err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(n.cfg.Codebases))
	for name := range n.cfg.Codebases {
		names = append(names, name)
	}
	sort.Strings(names)

	stamps := make([]emission.SourceStamp, 0, len(names))
	for _, name := range names {
		cb := n.cfg.Codebases[name]
		stamp := emission.SourceStamp{
			Codebase:   name,
			Repository: cb.Repository,
			Branch:     cb.Branch,
		}
		if recorded, ok := last[name]; ok {
			stamp.Revision = recorded.Revision
			stamp.Branch = recorded.Branch
			stamp.Repository = recorded.Repository
		}
		stamps = append(stamps, stamp)
	}
	return stamps, nil
}

// onChange classifies and records one change. The pending bookmark is durable
// before this returns, so a crash between notification and fire loses
// nothing.
func (n *Nightly) onChange(ctx context.Context, ch changes.Change) error {
	if !n.cfg.Filter.Match(ch) {
		return nil
	}

	if n.cfg.CreateAbsoluteSourceStamps {
		if err := n.pinCodebase(ctx, ch); err != nil {
			return err
		}
	}

	if !n.cfg.OnlyIfChanged {
		return nil
	}

	important, err := n.cfg.Important(ch)
	if err != nil {
		// A broken predicate must not drop the change; record it as
		// unimportant and keep going.
		important = false
		n.log.Warn("importance predicate failed, treating change as unimportant",
			logfields.ChangeID(ch.ID), logfields.Error(err))
	}

	pending, err := objstate.GetStateDefault[[]pendingChange](ctx, n.store, n.objectID, statePendingChanges, nil)
	if err != nil {
		return err
	}
	pending = append(pending, pendingChange{Change: ch, Important: important})
	if err := n.store.SetState(ctx, n.objectID, statePendingChanges, pending); err != nil {
		return err
	}

	n.rec.IncChangeRecorded(n.cfg.Name, important)
	n.log.Debug("change recorded",
		logfields.ChangeID(ch.ID),
		logfields.Codebase(ch.Codebase),
		"important", important)
	return nil
}

// pinCodebase records the change's revision as the codebase's last-known
// stamp, importance regardless. Older changes never overwrite newer ones.
func (n *Nightly) pinCodebase(ctx context.Context, ch changes.Change) error {
	last, err := objstate.GetStateDefault[map[string]codebaseState](ctx, n.store, n.objectID, stateLastCodebases, nil)
	if err != nil {
		return err
	}
	if last == nil {
		last = make(map[string]codebaseState)
	}
	if recorded, ok := last[ch.Codebase]; ok && recorded.LastChange > ch.ID {
		return nil
	}
	last[ch.Codebase] = codebaseState{
		Revision:   ch.Revision,
		Branch:     ch.Branch,
		Repository: ch.Repository,
		LastChange: ch.ID,
	}
	if err := n.store.SetState(ctx, n.objectID, stateLastCodebases, last); err != nil {
		return err
	}
	n.log.Debug("codebase stamp pinned",
		logfields.Codebase(ch.Codebase),
		logfields.Revision(ch.Revision),
		logfields.Branch(ch.Branch))
	return nil
}
