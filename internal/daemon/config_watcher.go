package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/buildsched/internal/config"
	"git.home.luguber.info/inful/buildsched/internal/debounce"
	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
	"git.home.luguber.info/inful/buildsched/internal/logfields"
)

// reloadDebounce is how long the watcher waits for the config file to go
// quiet before reloading; editors tend to write in bursts.
const reloadDebounce = 2 * time.Second

// configWatcher monitors the configuration file and applies safe changes to
// the running daemon. Only the per-scheduler `enabled` flag is applied live;
// any other difference logs a restart-required warning.
type configWatcher struct {
	configPath string
	daemon     *Daemon
	watcher    *fsnotify.Watcher
	debouncer  *debounce.Debouncer
	log        *slog.Logger

	stop chan struct{}
}

func newConfigWatcher(configPath string, d *Daemon, log *slog.Logger) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferrors.RuntimeError("failed to create file watcher").
			WithCause(err).
			Build()
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		_ = watcher.Close()
		return nil, ferrors.ConfigError("failed to resolve config path").
			WithCause(err).
			WithContext("path", configPath).
			Build()
	}

	cw := &configWatcher{
		configPath: absPath,
		daemon:     d,
		watcher:    watcher,
		log:        log,
		stop:       make(chan struct{}),
	}

	// Bursty writes collapse into one reload once the file stays quiet.
	cw.debouncer, err = debounce.New(clockwork.NewRealClock(), reloadDebounce, cw.reload, debounce.UntilIdle())
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return cw, nil
}

// start watches the directory containing the config file; watching the
// directory survives editors that replace the file on save.
func (cw *configWatcher) start() error {
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return ferrors.RuntimeError("failed to watch config directory").
			WithCause(err).
			WithContext("path", filepath.Dir(cw.configPath)).
			Build()
	}
	cw.log.Info("configuration watcher started", "config_path", cw.configPath)
	go cw.watchLoop()
	return nil
}

// shutdown stops event handling and drains any pending reload.
func (cw *configWatcher) shutdown() {
	close(cw.stop)
	_ = cw.watcher.Close()
	<-cw.debouncer.Stop()
}

func (cw *configWatcher) watchLoop() {
	configFile := filepath.Base(cw.configPath)

	for {
		select {
		case <-cw.stop:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Rename):
				cw.debouncer.Trigger()
			case event.Op.Has(fsnotify.Remove):
				cw.log.Warn("config file removed", "file", event.Name)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Error("config watcher error", logfields.Error(err))
		}
	}
}

func (cw *configWatcher) reload() error {
	cw.log.Info("reloading configuration", "config_path", cw.configPath)

	newConfig, err := config.Load(cw.configPath)
	if err != nil {
		cw.log.Error("configuration reload rejected", logfields.Error(err))
		return err
	}

	if err := cw.daemon.applyReload(context.Background(), newConfig); err != nil {
		cw.log.Error("failed to apply new configuration", logfields.Error(err))
		return err
	}

	cw.log.Info("configuration reloaded")
	return nil
}
