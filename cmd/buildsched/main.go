package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/buildsched/internal/config"
	"git.home.luguber.info/inful/buildsched/internal/daemon"
	"git.home.luguber.info/inful/buildsched/internal/objstate"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"buildsched.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Daemon struct {
	} `cmd:"" help:"Run the scheduling daemon"`

	Validate struct {
	} `cmd:"" help:"Validate the configuration file and exit"`

	State struct {
		Get struct {
			Object string `arg:"" help:"Object name (e.g. the scheduler name)"`
			Class  string `arg:"" help:"Object class (e.g. Nightly)"`
			Name   string `arg:"" help:"State value name (e.g. last_build)"`
		} `cmd:"" help:"Print one stored state value as JSON"`

		Set struct {
			Object string `arg:"" help:"Object name"`
			Class  string `arg:"" help:"Object class"`
			Name   string `arg:"" help:"State value name"`
			Value  string `arg:"" help:"New value, as JSON"`
		} `cmd:"" help:"Replace one stored state value"`
	} `cmd:"" help:"Inspect or patch the persisted scheduler state"`
}

func main() {
	kctx := kong.Parse(&CLI)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildsched: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg, CLI.Verbose)
	slog.SetDefault(logger)

	switch kctx.Command() {
	case "daemon":
		if err := runDaemon(cfg, logger); err != nil {
			logger.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	case "validate":
		if err := daemon.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "buildsched: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("configuration OK: %d scheduler(s)\n", len(cfg.Schedulers))
	case "state get <object> <class> <name>":
		if err := runStateGet(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "buildsched: %v\n", err)
			os.Exit(1)
		}
	case "state set <object> <class> <name> <value>":
		if err := runStateSet(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "buildsched: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildLogger maps the already-normalized logging config onto slog.
func buildLogger(cfg *config.Config, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Monitoring.Logging.Level {
	case config.LogLevelDebug:
		level = slog.LevelDebug
	case config.LogLevelWarn:
		level = slog.LevelWarn
	case config.LogLevelError:
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Monitoring.Logging.Format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func runDaemon(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d := daemon.New(cfg, CLI.Config, logger)
	return d.Run(ctx)
}

func runStateGet(cfg *config.Config) error {
	ctx := context.Background()

	store, err := objstate.Open(cfg.Storage.StateDB)
	if err != nil {
		return err
	}
	defer store.Close()

	objectID, err := store.GetObjectID(ctx, CLI.State.Get.Object, CLI.State.Get.Class)
	if err != nil {
		return err
	}
	raw, err := objstate.GetState[json.RawMessage](ctx, store, objectID, CLI.State.Get.Name)
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func runStateSet(cfg *config.Config) error {
	ctx := context.Background()

	var value any
	if err := json.Unmarshal([]byte(CLI.State.Set.Value), &value); err != nil {
		return fmt.Errorf("value is not valid JSON: %w", err)
	}

	store, err := objstate.Open(cfg.Storage.StateDB)
	if err != nil {
		return err
	}
	defer store.Close()

	objectID, err := store.GetObjectID(ctx, CLI.State.Set.Object, CLI.State.Set.Class)
	if err != nil {
		return err
	}
	if err := store.SetState(ctx, objectID, CLI.State.Set.Name, value); err != nil {
		return err
	}
	fmt.Printf("state updated: object=%d name=%s\n", objectID, CLI.State.Set.Name)
	return nil
}
