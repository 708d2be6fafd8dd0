package daemon

import (
	"git.home.luguber.info/inful/buildsched/internal/calendar"
	"git.home.luguber.info/inful/buildsched/internal/changes"
	"git.home.luguber.info/inful/buildsched/internal/config"
	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
	"git.home.luguber.info/inful/buildsched/internal/scheduler"
)

// buildCalendar turns the five config field strings into a validated spec.
func buildCalendar(minute, hour, dayOfMonth, month, dayOfWeek string) (*calendar.Spec, error) {
	fields := make([][]int, 5)
	for i, raw := range []string{minute, hour, dayOfMonth, month, dayOfWeek} {
		vals, err := calendar.ParseField(raw)
		if err != nil {
			return nil, err
		}
		fields[i] = vals
	}
	return calendar.New(fields[0], fields[1], fields[2], fields[3], fields[4])
}

// buildSchedulerConfig translates one declarative scheduler block into the
// engine's configuration.
func buildSchedulerConfig(sc *config.SchedulerConfig) (scheduler.Config, error) {
	spec, err := buildCalendar(sc.Minute, sc.Hour, sc.DayOfMonth, sc.Month, sc.DayOfWeek)
	if err != nil {
		return scheduler.Config{}, ferrors.ConfigError("invalid fire calendar").
			WithCause(err).
			WithContext("scheduler", sc.Name).
			Build()
	}

	var forceSpec *calendar.Spec
	if sc.ForceAt != nil {
		forceSpec, err = buildCalendar(sc.ForceAt.Minute, sc.ForceAt.Hour, sc.ForceAt.DayOfMonth, sc.ForceAt.Month, sc.ForceAt.DayOfWeek)
		if err != nil {
			return scheduler.Config{}, ferrors.ConfigError("invalid force calendar").
				WithCause(err).
				WithContext("scheduler", sc.Name).
				Build()
		}
	}

	important := changes.AllImportant
	if len(sc.ImportantFiles) > 0 {
		important, err = changes.FilePatterns(sc.ImportantFiles)
		if err != nil {
			return scheduler.Config{}, err
		}
	}

	codebases := make(map[string]scheduler.CodebaseConfig, len(sc.Codebases))
	for name, cb := range sc.Codebases {
		codebases[name] = scheduler.CodebaseConfig{
			Repository: cb.Repository,
			Branch:     cb.Branch,
		}
	}

	return scheduler.Config{
		Name:                       sc.Name,
		Builders:                   sc.Builders,
		Branch:                     sc.Branch,
		Spec:                       spec,
		ForceSpec:                  forceSpec,
		OnlyIfChanged:              sc.OnlyIfChanged,
		CreateAbsoluteSourceStamps: sc.CreateAbsoluteSourceStamps,
		Codebases:                  codebases,
		Important:                  important,
		Reason:                     sc.Reason,
		Priority:                   sc.Priority,
		Properties:                 sc.Properties,
	}, nil
}
