// Package daemon wires the scheduling core together: the state store, the
// NATS change intake, the buildset emitter, the schedulers, and the
// supporting services (metrics, maintenance, config reload).
package daemon

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/buildsched/internal/config"
	"git.home.luguber.info/inful/buildsched/internal/emission"
	"git.home.luguber.info/inful/buildsched/internal/events"
	"git.home.luguber.info/inful/buildsched/internal/logfields"
	"git.home.luguber.info/inful/buildsched/internal/metrics"
	"git.home.luguber.info/inful/buildsched/internal/objstate"
	"git.home.luguber.info/inful/buildsched/internal/scheduler"
)

// Daemon is the long-running scheduling process.
type Daemon struct {
	cfgPath string
	log     *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config

	store      *objstate.Store
	bus        *events.Bus
	emitter    *emission.NATSEmitter
	intake     *intake
	schedulers map[string]*scheduler.Nightly
	rec        metrics.Recorder

	maintenance *maintenance
	watcher     *configWatcher
	metricsSrv  *http.Server

	feedDone chan struct{}
}

// New builds a daemon from a validated configuration. cfgPath is kept for
// the reload watcher.
func New(cfg *config.Config, cfgPath string, log *slog.Logger) *Daemon {
	return &Daemon{
		cfgPath:    cfgPath,
		cfg:        cfg,
		log:        log,
		bus:        events.NewBus(),
		schedulers: make(map[string]*scheduler.Nightly),
		rec:        metrics.NoopRecorder{},
	}
}

// Run starts every component and blocks until ctx is canceled, then shuts
// down in reverse dependency order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		d.teardown()
		return err
	}

	<-ctx.Done()
	d.log.Info("shutdown requested")
	d.teardown()
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	cfg := d.config()

	var registry *prom.Registry
	if cfg.Monitoring.Metrics.Enabled {
		registry = prom.NewRegistry()
		d.rec = metrics.NewPrometheusRecorder(registry)
	}

	store, err := objstate.Open(cfg.Storage.StateDB)
	if err != nil {
		return err
	}
	d.store = store

	d.emitter, err = emission.NewNATSEmitter(cfg.NATS.URL, cfg.NATS.RequestSubject, d.log)
	if err != nil {
		return err
	}
	emitter := &eventfulEmitter{inner: d.emitter, bus: d.bus}

	for i := range cfg.Schedulers {
		sc := &cfg.Schedulers[i]
		schedCfg, err := buildSchedulerConfig(sc)
		if err != nil {
			return err
		}
		sched, err := scheduler.New(schedCfg, store, emitter,
			scheduler.WithLogger(d.log), scheduler.WithRecorder(d.rec))
		if err != nil {
			return err
		}
		if !sc.IsEnabled() {
			if err := sched.SetEnabled(ctx, false); err != nil {
				return err
			}
		}
		if err := sched.Activate(ctx); err != nil {
			return err
		}
		d.schedulers[sched.Name()] = sched
	}

	d.feedDone = make(chan struct{})
	go d.feedLoop(ctx)

	d.intake, err = newIntake(cfg.NATS.URL, d.bus, d.log)
	if err != nil {
		return err
	}
	if err := d.intake.start(ctx, cfg.NATS.ChangeSubject, cfg.NATS.ForceSubject); err != nil {
		return err
	}

	d.maintenance, err = newMaintenance(store, cfg.Maintenance.Interval.Std(), d.log)
	if err != nil {
		return err
	}
	d.maintenance.start()

	if cfg.Monitoring.Metrics.Enabled {
		d.startMetricsServer(cfg.Monitoring.Metrics, registry)
	}

	d.watcher, err = newConfigWatcher(d.cfgPath, d, d.log)
	if err != nil {
		return err
	}
	if err := d.watcher.start(); err != nil {
		return err
	}

	d.log.Info("daemon started", "schedulers", len(d.schedulers))
	return nil
}

// feedLoop fans bus events out to the schedulers. A single goroutine
// delivers changes sequentially, preserving arrival order; each scheduler's
// SubmitChange returns only after its pending bookmark is durable.
func (d *Daemon) feedLoop(ctx context.Context) {
	defer close(d.feedDone)

	changeCh, unsubChanges := events.Subscribe[events.ChangeReceived](d.bus, 64)
	defer unsubChanges()
	forceCh, unsubForce := events.Subscribe[events.ForceBuildRequested](d.bus, 16)
	defer unsubForce()
	emittedCh, unsubEmitted := events.Subscribe[events.BuildsetEmitted](d.bus, 16)
	defer unsubEmitted()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-changeCh:
			if !ok {
				return
			}
			for _, sched := range d.schedulerList() {
				if err := sched.SubmitChange(ctx, evt.Change); err != nil {
					d.log.Error("change delivery failed",
						logfields.Scheduler(sched.Name()),
						logfields.ChangeID(evt.Change.ID),
						logfields.Error(err))
				}
			}
		case evt, ok := <-forceCh:
			if !ok {
				return
			}
			sched := d.schedulerByName(evt.Scheduler)
			if sched == nil {
				d.log.Warn("force request for unknown scheduler", logfields.Scheduler(evt.Scheduler))
				continue
			}
			if err := sched.Force(ctx, evt.Reason, evt.Owner); err != nil {
				d.log.Error("force fire failed", logfields.Scheduler(evt.Scheduler), logfields.Error(err))
			}
		case evt, ok := <-emittedCh:
			if !ok {
				return
			}
			d.log.Info("build requests outstanding",
				logfields.Scheduler(evt.Scheduler),
				logfields.RequestSet(evt.RequestSetID),
				"builders", evt.Builders)
		}
	}
}

func (d *Daemon) schedulerList() []*scheduler.Nightly {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*scheduler.Nightly, 0, len(d.schedulers))
	for _, s := range d.schedulers {
		out = append(out, s)
	}
	return out
}

func (d *Daemon) schedulerByName(name string) *scheduler.Nightly {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.schedulers[name]
}

func (d *Daemon) config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// applyReload applies a changed configuration to the running daemon. Only
// per-scheduler enabled toggles take effect live; anything else needs a
// restart and is logged as such.
func (d *Daemon) applyReload(ctx context.Context, newCfg *config.Config) error {
	current := d.config()

	restartNeeded := false
	if newCfg.Storage != current.Storage || newCfg.NATS != current.NATS ||
		newCfg.Monitoring != current.Monitoring || newCfg.Maintenance != current.Maintenance {
		restartNeeded = true
	}

	newByName := make(map[string]*config.SchedulerConfig, len(newCfg.Schedulers))
	for i := range newCfg.Schedulers {
		newByName[newCfg.Schedulers[i].Name] = &newCfg.Schedulers[i]
	}

	for i := range current.Schedulers {
		cur := &current.Schedulers[i]
		next, ok := newByName[cur.Name]
		if !ok {
			restartNeeded = true
			continue
		}
		if !schedulerConfigEqualIgnoringEnabled(cur, next) {
			restartNeeded = true
		}
		if next.IsEnabled() == cur.IsEnabled() {
			continue
		}
		sched := d.schedulerByName(cur.Name)
		if sched == nil {
			continue
		}
		if err := sched.SetEnabled(ctx, next.IsEnabled()); err != nil {
			return err
		}
		_ = d.bus.Publish(ctx, events.SchedulerEnabledChanged{
			Scheduler: cur.Name,
			Enabled:   next.IsEnabled(),
			ChangedAt: time.Now().UTC(),
		})
	}
	if len(newByName) != len(current.Schedulers) {
		restartNeeded = true
	}

	if restartNeeded {
		d.log.Warn("configuration changes beyond scheduler enable flags require a restart")
	}

	// Remember the applied enable flags so repeated reloads diff correctly.
	merged := *current
	merged.Schedulers = make([]config.SchedulerConfig, len(current.Schedulers))
	copy(merged.Schedulers, current.Schedulers)
	for i := range merged.Schedulers {
		if next, ok := newByName[merged.Schedulers[i].Name]; ok {
			merged.Schedulers[i].Enabled = next.Enabled
		}
	}
	d.mu.Lock()
	d.cfg = &merged
	d.mu.Unlock()
	return nil
}

// schedulerConfigEqualIgnoringEnabled compares the fields that cannot change
// without a restart.
func schedulerConfigEqualIgnoringEnabled(a, b *config.SchedulerConfig) bool {
	ac, bc := *a, *b
	ac.Enabled, bc.Enabled = nil, nil
	// Calendars, builders, codebases and properties are compared through
	// their serialized form; reflect.DeepEqual would treat nil and empty
	// maps as different even though they configure the same scheduler.
	ay, errA := yaml.Marshal(&ac)
	by, errB := yaml.Marshal(&bc)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ay, by)
}

func (d *Daemon) startMetricsServer(cfg config.MetricsConfig, registry *prom.Registry) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.HTTPHandler(registry))
	d.metricsSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("metrics listener failed", logfields.Error(err))
		}
	}()
	d.log.Info("metrics listener started", "listen", cfg.Listen, "path", cfg.Path)
}

// teardown stops components in reverse start order: no new config changes,
// no new ticks, no new intake, drain schedulers, then close the transports
// and the store.
func (d *Daemon) teardown() {
	if d.watcher != nil {
		d.watcher.shutdown()
	}
	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if d.maintenance != nil {
		if err := d.maintenance.shutdown(); err != nil {
			d.log.Error("maintenance shutdown failed", logfields.Error(err))
		}
	}
	if d.intake != nil {
		d.intake.stop()
	}
	for _, sched := range d.schedulerList() {
		sched.Deactivate()
	}
	d.bus.Close()
	if d.feedDone != nil {
		<-d.feedDone
	}
	if d.emitter != nil {
		_ = d.emitter.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error("state store close failed", logfields.Error(err))
		}
	}
	d.log.Info("daemon stopped")
}

// Validate builds every scheduler from cfg without starting anything,
// surfacing the first configuration error. Used by the validate command.
func Validate(cfg *config.Config) error {
	for i := range cfg.Schedulers {
		if _, err := buildSchedulerConfig(&cfg.Schedulers[i]); err != nil {
			return err
		}
	}
	return nil
}
