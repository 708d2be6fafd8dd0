package scheduler

import (
	"fmt"

	"git.home.luguber.info/inful/buildsched/internal/calendar"
	"git.home.luguber.info/inful/buildsched/internal/changes"
	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

// CodebaseConfig is the static per-codebase source configuration used when
// building default source stamps.
type CodebaseConfig struct {
	Repository string
	Branch     string
}

// Config describes one Nightly scheduler. Validation happens at construction;
// an invalid config prevents the scheduler from being built at all.
type Config struct {
	Name     string
	Builders []string

	// Branch restricts which changes the scheduler sees and names the branch
	// of default source stamps. Filter, when set, replaces the branch-derived
	// change filter entirely.
	Branch string
	Filter *changes.Filter

	// Spec is the main fire calendar. ForceSpec, when set, fires
	// unconditionally regardless of change state.
	Spec      *calendar.Spec
	ForceSpec *calendar.Spec

	OnlyIfChanged              bool
	CreateAbsoluteSourceStamps bool
	Codebases                  map[string]CodebaseConfig

	// Important classifies changes; defaults to changes.AllImportant.
	Important changes.ImportancePredicate

	Reason     string
	Priority   int
	Properties map[string]any
}

func (c *Config) validate() error {
	if c.Name == "" {
		return ferrors.ConfigError("scheduler name is required").Build()
	}
	if len(c.Builders) == 0 {
		return ferrors.ConfigError("scheduler names no builders").
			WithContext("scheduler", c.Name).
			Build()
	}
	if c.Spec == nil {
		return ferrors.ConfigError("scheduler has no fire calendar").
			WithContext("scheduler", c.Name).
			Build()
	}
	if c.CreateAbsoluteSourceStamps && len(c.Codebases) == 0 {
		return ferrors.ConfigError("absolute source stamps require configured codebases").
			WithContext("scheduler", c.Name).
			Build()
	}
	return nil
}

// applyDefaults fills the optional fields after validation.
func (c *Config) applyDefaults() {
	if c.Important == nil {
		c.Important = changes.AllImportant
	}
	if c.Reason == "" {
		c.Reason = fmt.Sprintf("The Nightly scheduler named '%s' triggered this build", c.Name)
	}
	if c.Filter == nil && c.Branch != "" {
		c.Filter = changes.NewFilter(changes.WithBranch(c.Branch))
	}
}
