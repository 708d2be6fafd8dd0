package daemon

import (
	"context"
	"time"

	"git.home.luguber.info/inful/buildsched/internal/changes"
	"git.home.luguber.info/inful/buildsched/internal/emission"
	"git.home.luguber.info/inful/buildsched/internal/events"
)

// eventfulEmitter decorates an Emitter so every successful emission is also
// announced on the in-process bus for logging and metrics consumers.
type eventfulEmitter struct {
	inner emission.Emitter
	bus   *events.Bus
}

var _ emission.Emitter = (*eventfulEmitter)(nil)

func (e *eventfulEmitter) AddBuildsetForSourceStamps(ctx context.Context, bs emission.Buildset, stamps []emission.SourceStamp) (emission.BuildsetResult, error) {
	result, err := e.inner.AddBuildsetForSourceStamps(ctx, bs, stamps)
	if err != nil {
		return result, err
	}
	e.announce(ctx, bs, result, nil)
	return result, nil
}

func (e *eventfulEmitter) AddBuildsetForChanges(ctx context.Context, bs emission.Buildset, chs []changes.Change) (emission.BuildsetResult, error) {
	result, err := e.inner.AddBuildsetForChanges(ctx, bs, chs)
	if err != nil {
		return result, err
	}
	e.announce(ctx, bs, result, emission.ChangeIDs(chs))
	return result, nil
}

func (e *eventfulEmitter) announce(ctx context.Context, bs emission.Buildset, result emission.BuildsetResult, changeIDs []int64) {
	// Best effort: a full bus must not stall the emission path, so the
	// publish gets a short deadline and the event is dropped on overrun.
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = e.bus.Publish(ctx, events.BuildsetEmitted{
		Scheduler:    bs.Scheduler,
		RequestSetID: result.RequestSetID,
		Builders:     bs.Builders,
		Reason:       bs.Reason,
		ChangeIDs:    changeIDs,
		EmittedAt:    time.Now().UTC(),
	})
}
