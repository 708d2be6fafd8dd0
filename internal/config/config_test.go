package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

const sampleYAML = `
version: "1.0"
storage:
  state_db: /var/lib/buildsched/state.db
nats:
  url: nats://nats.internal:4222
  change_subject: ci.changes
  request_subject: ci.requests
monitoring:
  metrics:
    enabled: true
    listen: ":9100"
  logging:
    level: DEBUG
    format: json
maintenance:
  interval: 5m
schedulers:
  - name: nightly-main
    builders: [full-build, docs-build]
    branch: master
    hour: "3"
    minute: "0"
    only_if_changed: true
    important_files:
      - "src/**"
    force_at:
      day_of_week: "0"
      hour: "6"
      minute: "0"
  - name: nightly-pinned
    builders: [full-build]
    minute: "10,40"
    create_absolute_source_stamps: true
    codebases:
      cbA: {repository: "git://repoA", branch: master}
    enabled: false
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/buildsched/state.db", cfg.Storage.StateDB)
	assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
	assert.Equal(t, "ci.changes", cfg.NATS.ChangeSubject)
	assert.Equal(t, LogLevelDebug, cfg.Monitoring.Logging.Level)
	assert.Equal(t, LogFormatJSON, cfg.Monitoring.Logging.Format)
	assert.Equal(t, 5*time.Minute, cfg.Maintenance.Interval.Std())

	require.Len(t, cfg.Schedulers, 2)
	main := cfg.Schedulers[0]
	assert.Equal(t, "nightly-main", main.Name)
	assert.True(t, main.OnlyIfChanged)
	assert.True(t, main.IsEnabled())
	require.NotNil(t, main.ForceAt)
	assert.Equal(t, "0", main.ForceAt.DayOfWeek)

	pinned := cfg.Schedulers[1]
	assert.False(t, pinned.IsEnabled())
	assert.Equal(t, "git://repoA", pinned.Codebases["cbA"].Repository)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
version: "1.0"
schedulers:
  - name: n
    builders: [b]
`))
	require.NoError(t, err)
	assert.Equal(t, "./buildsched-state.db", cfg.Storage.StateDB)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "buildsched.changes", cfg.NATS.ChangeSubject)
	assert.Equal(t, "buildsched.requests", cfg.NATS.RequestSubject)
	assert.Equal(t, "buildsched.force", cfg.NATS.ForceSubject)
	assert.Equal(t, "/metrics", cfg.Monitoring.Metrics.Path)
	assert.Equal(t, LogLevelInfo, cfg.Monitoring.Logging.Level)
	assert.Equal(t, LogFormatText, cfg.Monitoring.Logging.Format)
	assert.Equal(t, 15*time.Minute, cfg.Maintenance.Interval.Std())
}

func TestParseRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad version", `{version: "9.9", schedulers: [{name: n, builders: [b]}]}`},
		{"no schedulers", `{version: "1.0"}`},
		{"missing name", `{version: "1.0", schedulers: [{builders: [b]}]}`},
		{"duplicate name", `{version: "1.0", schedulers: [{name: n, builders: [b]}, {name: n, builders: [b]}]}`},
		{"no builders", `{version: "1.0", schedulers: [{name: n}]}`},
		{"absolute stamps without codebases", `{version: "1.0", schedulers: [{name: n, builders: [b], create_absolute_source_stamps: true}]}`},
		{"not yaml", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
		})
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_NATS_URL", "nats://from-env:4222")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "1.0"
nats:
  url: ${TEST_NATS_URL}
schedulers:
  - name: n
    builders: [b]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://from-env:4222", cfg.NATS.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
}

func TestNormalizeLogLevelAndFormat(t *testing.T) {
	assert.Equal(t, LogLevelWarn, NormalizeLogLevel(" WARN "))
	assert.Equal(t, LogLevelInfo, NormalizeLogLevel("bogus"))
	assert.Equal(t, LogFormatJSON, NormalizeLogFormat("JSON"))
	assert.Equal(t, LogFormatText, NormalizeLogFormat(""))
}
