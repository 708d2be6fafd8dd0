package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildsched/internal/changes"
	"git.home.luguber.info/inful/buildsched/internal/config"
	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

func TestBuildCalendar(t *testing.T) {
	spec, err := buildCalendar("30", "2", "*", "*", "*")
	require.NoError(t, err)

	next := spec.Next(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 3, 2, 30, 0, 0, time.UTC), next)
}

func TestBuildCalendarRejectsBadField(t *testing.T) {
	_, err := buildCalendar("61", "*", "*", "*", "*")
	require.Error(t, err)
}

func TestBuildSchedulerConfigTranslatesAllFields(t *testing.T) {
	sc := &config.SchedulerConfig{
		Name:                       "nightly-docs",
		Builders:                   []string{"docs-builder"},
		Branch:                     "main",
		Minute:                     "0",
		Hour:                       "3",
		DayOfMonth:                 "*",
		Month:                      "*",
		DayOfWeek:                  "*",
		ForceAt:                    &config.CalendarConfig{Minute: "0", Hour: "9", DayOfMonth: "*", Month: "*", DayOfWeek: "*"},
		OnlyIfChanged:              true,
		CreateAbsoluteSourceStamps: true,
		Codebases: map[string]config.CodebaseConfig{
			"docs": {Repository: "git://example/docs", Branch: "main"},
		},
		ImportantFiles: []string{"docs/**/*.md"},
		Reason:         "nightly docs build",
		Priority:       3,
		Properties:     map[string]any{"channel": "nightly"},
	}

	cfg, err := buildSchedulerConfig(sc)
	require.NoError(t, err)

	assert.Equal(t, "nightly-docs", cfg.Name)
	assert.Equal(t, []string{"docs-builder"}, cfg.Builders)
	assert.Equal(t, "main", cfg.Branch)
	assert.NotNil(t, cfg.Spec)
	assert.NotNil(t, cfg.ForceSpec)
	assert.True(t, cfg.OnlyIfChanged)
	assert.True(t, cfg.CreateAbsoluteSourceStamps)
	assert.Equal(t, "git://example/docs", cfg.Codebases["docs"].Repository)
	assert.Equal(t, "nightly docs build", cfg.Reason)
	assert.Equal(t, 3, cfg.Priority)
	assert.Equal(t, "nightly", cfg.Properties["channel"])

	// The file-pattern predicate must match the configured globs.
	important, err := cfg.Important(changes.Change{Files: []string{"docs/guide/intro.md"}})
	require.NoError(t, err)
	assert.True(t, important)
	important, err = cfg.Important(changes.Change{Files: []string{"src/main.go"}})
	require.NoError(t, err)
	assert.False(t, important)
}

func TestBuildSchedulerConfigDefaultsToAllImportant(t *testing.T) {
	sc := &config.SchedulerConfig{
		Name:     "plain",
		Builders: []string{"b"},
		Minute:   "0",
	}

	cfg, err := buildSchedulerConfig(sc)
	require.NoError(t, err)

	important, err := cfg.Important(changes.Change{Files: []string{"anything"}})
	require.NoError(t, err)
	assert.True(t, important)
}

func TestBuildSchedulerConfigRejectsBadCalendars(t *testing.T) {
	_, err := buildSchedulerConfig(&config.SchedulerConfig{
		Name: "bad-main", Builders: []string{"b"}, Minute: "90",
	})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))

	_, err = buildSchedulerConfig(&config.SchedulerConfig{
		Name: "bad-force", Builders: []string{"b"}, Minute: "0",
		ForceAt: &config.CalendarConfig{Minute: "90"},
	})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
}

func TestBuildSchedulerConfigRejectsBadFilePattern(t *testing.T) {
	_, err := buildSchedulerConfig(&config.SchedulerConfig{
		Name: "bad-glob", Builders: []string{"b"}, Minute: "0",
		ImportantFiles: []string{"docs/[" /* unterminated class */},
	})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
}
