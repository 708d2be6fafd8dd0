package daemon

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"

	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
	"git.home.luguber.info/inful/buildsched/internal/logfields"
	"git.home.luguber.info/inful/buildsched/internal/objstate"
)

// heartbeat is the bookmark the maintenance job refreshes so operators can
// tell a live daemon from a stale database.
type heartbeat struct {
	Hostname string    `json:"hostname"`
	PID      int       `json:"pid"`
	SeenAt   time.Time `json:"seen_at"`
}

// maintenance runs periodic housekeeping: WAL checkpointing the state
// database and refreshing the daemon heartbeat bookmark.
type maintenance struct {
	store     *objstate.Store
	scheduler gocron.Scheduler
	log       *slog.Logger
}

func newMaintenance(store *objstate.Store, interval time.Duration, log *slog.Logger) (*maintenance, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, ferrors.RuntimeError("failed to create maintenance scheduler").
			WithCause(err).
			Build()
	}

	m := &maintenance{store: store, scheduler: gs, log: log}
	_, err = gs.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(m.run),
		gocron.WithName("state-maintenance"),
	)
	if err != nil {
		_ = gs.Shutdown()
		return nil, ferrors.RuntimeError("failed to create maintenance job").
			WithCause(err).
			Build()
	}
	return m, nil
}

func (m *maintenance) start() {
	m.scheduler.Start()
}

func (m *maintenance) shutdown() error {
	return m.scheduler.Shutdown()
}

func (m *maintenance) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.store.Checkpoint(ctx); err != nil {
		m.log.Error("state checkpoint failed", logfields.Error(err))
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	objectID, err := m.store.GetObjectID(ctx, hostname, "Daemon")
	if err != nil {
		m.log.Error("failed to resolve daemon object", logfields.Error(err))
		return
	}
	hb := heartbeat{Hostname: hostname, PID: os.Getpid(), SeenAt: time.Now().UTC()}
	if err := m.store.SetState(ctx, objectID, "heartbeat", hb); err != nil {
		m.log.Error("failed to record heartbeat", logfields.Error(err))
		return
	}
	m.log.Debug("maintenance pass completed", logfields.ObjectID(objectID))
}
