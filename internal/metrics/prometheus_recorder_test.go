package metrics

import (
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncFire("nightly")
	pr.IncSkip("nightly", SkipNoImportantChanges)
	pr.IncBuildsetEmitted("nightly")
	pr.IncChangeRecorded("nightly", true)
	pr.IncEmitFailure("nightly")
	// Basic scrape to ensure metrics encode without panic
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected metrics, got none")
	}
}

func TestTestRecorderImplementsRecorder(t *testing.T) {
	var _ Recorder = newTestRecorder()
	var _ Recorder = NoopRecorder{}
	var _ Recorder = (*PrometheusRecorder)(nil)
}
