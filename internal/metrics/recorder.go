// Package metrics defines the observability hooks for scheduler activity.
package metrics

// SkipCause enumerates why a calendar tick did not emit a buildset.
type SkipCause string

const (
	SkipNoImportantChanges SkipCause = "no_important_changes"
	SkipDisabled           SkipCause = "disabled"
)

// Recorder defines observability hooks for scheduler and state-store
// activity. Implementations may forward to Prometheus, OpenTelemetry, etc.
// All methods must be safe on the NoopRecorder so injection stays optional.
type Recorder interface {
	IncFire(scheduler string)
	IncSkip(scheduler string, cause SkipCause)
	IncBuildsetEmitted(scheduler string)
	IncChangeRecorded(scheduler string, important bool)
	IncEmitFailure(scheduler string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) IncFire(string)                 {}
func (NoopRecorder) IncSkip(string, SkipCause)      {}
func (NoopRecorder) IncBuildsetEmitted(string)      {}
func (NoopRecorder) IncChangeRecorded(string, bool) {}
func (NoopRecorder) IncEmitFailure(string)          {}
