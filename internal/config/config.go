// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

// Config is the root configuration for the scheduling daemon.
type Config struct {
	Version     string            `yaml:"version"`
	Storage     StorageConfig     `yaml:"storage"`
	NATS        NATSConfig        `yaml:"nats"`
	Monitoring  MonitoringConfig  `yaml:"monitoring,omitempty"`
	Maintenance MaintenanceConfig `yaml:"maintenance,omitempty"`
	Schedulers  []SchedulerConfig `yaml:"schedulers"`
}

// StorageConfig names the durable state database.
type StorageConfig struct {
	StateDB string `yaml:"state_db"` // Path to the SQLite state database
}

// NATSConfig configures the change intake and buildset emission subjects.
type NATSConfig struct {
	URL            string `yaml:"url"`
	ChangeSubject  string `yaml:"change_subject"`  // Incoming change notifications
	RequestSubject string `yaml:"request_subject"` // Outgoing build requests
	ForceSubject   string `yaml:"force_subject"`   // Incoming operator force-build requests
}

// MonitoringConfig configures metrics and logging.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port for the /metrics endpoint
	Path    string `yaml:"path"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// MaintenanceConfig configures the periodic housekeeping job.
type MaintenanceConfig struct {
	Interval Duration `yaml:"interval"` // WAL checkpoint + heartbeat cadence
}

// Duration wraps time.Duration so YAML can carry values like "5m" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return ferrors.ConfigError("invalid duration").
			WithCause(err).
			WithContext("value", raw).
			Build()
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SchedulerConfig describes one Nightly scheduler. Calendar fields accept
// "*" (or empty) for any, a single value, or a comma-separated list.
type SchedulerConfig struct {
	Name     string   `yaml:"name"`
	Builders []string `yaml:"builders"`
	Branch   string   `yaml:"branch,omitempty"`

	Minute     string `yaml:"minute,omitempty"`
	Hour       string `yaml:"hour,omitempty"`
	DayOfMonth string `yaml:"day_of_month,omitempty"`
	Month      string `yaml:"month,omitempty"`
	DayOfWeek  string `yaml:"day_of_week,omitempty"`

	// ForceAt, when set, is a second calendar whose fires are unconditional.
	ForceAt *CalendarConfig `yaml:"force_at,omitempty"`

	OnlyIfChanged              bool                      `yaml:"only_if_changed,omitempty"`
	CreateAbsoluteSourceStamps bool                      `yaml:"create_absolute_source_stamps,omitempty"`
	Codebases                  map[string]CodebaseConfig `yaml:"codebases,omitempty"`
	ImportantFiles             []string                  `yaml:"important_files,omitempty"`

	Reason     string         `yaml:"reason,omitempty"`
	Priority   int            `yaml:"priority,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`

	// Enabled defaults to true; toggled at runtime on config reload.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// CalendarConfig is a five-field calendar in config form.
type CalendarConfig struct {
	Minute     string `yaml:"minute,omitempty"`
	Hour       string `yaml:"hour,omitempty"`
	DayOfMonth string `yaml:"day_of_month,omitempty"`
	Month      string `yaml:"month,omitempty"`
	DayOfWeek  string `yaml:"day_of_week,omitempty"`
}

// CodebaseConfig is the static per-codebase source configuration.
type CodebaseConfig struct {
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
}

// IsEnabled resolves the tri-state enabled flag (unset means enabled).
func (s *SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Load reads, expands, parses, and validates the configuration at path.
// A .env file alongside the process, when present, is loaded first so
// ${VAR} expansion in the YAML can see it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Note: .env file couldn't be loaded: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.ConfigError("failed to read config file").
			WithCause(err).
			WithContext("path", path).
			Build()
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse unmarshals and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ferrors.ConfigError("failed to unmarshal config").
			WithCause(err).
			Build()
	}
	if cfg.Version != "1.0" {
		return nil, ferrors.ConfigError("unsupported configuration version").
			WithContext("version", cfg.Version).
			Build()
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.StateDB == "" {
		cfg.Storage.StateDB = "./buildsched-state.db"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.ChangeSubject == "" {
		cfg.NATS.ChangeSubject = "buildsched.changes"
	}
	if cfg.NATS.RequestSubject == "" {
		cfg.NATS.RequestSubject = "buildsched.requests"
	}
	if cfg.NATS.ForceSubject == "" {
		cfg.NATS.ForceSubject = "buildsched.force"
	}
	if cfg.Monitoring.Metrics.Path == "" {
		cfg.Monitoring.Metrics.Path = "/metrics"
	}
	if cfg.Monitoring.Metrics.Listen == "" {
		cfg.Monitoring.Metrics.Listen = ":9090"
	}
	cfg.Monitoring.Logging.Level = NormalizeLogLevel(string(cfg.Monitoring.Logging.Level))
	cfg.Monitoring.Logging.Format = NormalizeLogFormat(string(cfg.Monitoring.Logging.Format))
	if cfg.Maintenance.Interval <= 0 {
		cfg.Maintenance.Interval = Duration(15 * time.Minute)
	}
}

func validate(cfg *Config) error {
	if len(cfg.Schedulers) == 0 {
		return ferrors.ConfigError("no schedulers configured").Build()
	}
	seen := make(map[string]struct{}, len(cfg.Schedulers))
	for i := range cfg.Schedulers {
		s := &cfg.Schedulers[i]
		if s.Name == "" {
			return ferrors.ConfigError("scheduler name is required").
				WithContext("index", i).
				Build()
		}
		if _, dup := seen[s.Name]; dup {
			return ferrors.ConfigError("duplicate scheduler name").
				WithContext("scheduler", s.Name).
				Build()
		}
		seen[s.Name] = struct{}{}
		if len(s.Builders) == 0 {
			return ferrors.ConfigError("scheduler names no builders").
				WithContext("scheduler", s.Name).
				Build()
		}
		if s.CreateAbsoluteSourceStamps && len(s.Codebases) == 0 {
			return ferrors.ConfigError("absolute source stamps require configured codebases").
				WithContext("scheduler", s.Name).
				Build()
		}
	}
	return nil
}
