package events

import (
	"time"

	"git.home.luguber.info/inful/buildsched/internal/changes"
)

// ChangeReceived carries one classified source change from the intake to the
// schedulers. Fan-out and per-scheduler filtering happen downstream.
type ChangeReceived struct {
	Change     changes.Change
	ReceivedAt time.Time
}

// ForceBuildRequested asks a named scheduler to fire unconditionally.
type ForceBuildRequested struct {
	Scheduler   string
	Reason      string
	Owner       string
	RequestedAt time.Time
}

// BuildsetEmitted is published after a scheduler hands a buildset to the
// emission boundary. Used for logging and metrics, not for control flow.
type BuildsetEmitted struct {
	Scheduler    string
	RequestSetID string
	Builders     []string
	Reason       string
	ChangeIDs    []int64
	EmittedAt    time.Time
}

// SchedulerEnabledChanged reports a runtime enable/disable toggle, typically
// from a config reload.
type SchedulerEnabledChanged struct {
	Scheduler string
	Enabled   bool
	ChangedAt time.Time
}
