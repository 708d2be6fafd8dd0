package metrics

import (
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	fires           *prom.CounterVec
	skips           *prom.CounterVec
	buildsets       *prom.CounterVec
	changesRecorded *prom.CounterVec
	emitFailures    *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the scheduler metrics
// (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.fires = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildsched",
			Name:      "scheduler_fires_total",
			Help:      "Calendar and force fires that emitted a buildset",
		}, []string{"scheduler"})
		pr.skips = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildsched",
			Name:      "scheduler_skips_total",
			Help:      "Calendar ticks that did not emit, by cause",
		}, []string{"scheduler", "cause"})
		pr.buildsets = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildsched",
			Name:      "buildsets_emitted_total",
			Help:      "Buildsets handed to the emission boundary",
		}, []string{"scheduler"})
		pr.changesRecorded = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildsched",
			Name:      "changes_recorded_total",
			Help:      "Changes recorded in the pending bookmark, by importance",
		}, []string{"scheduler", "important"})
		pr.emitFailures = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildsched",
			Name:      "emit_failures_total",
			Help:      "Emission calls that returned an error",
		}, []string{"scheduler"})
		reg.MustRegister(pr.fires, pr.skips, pr.buildsets, pr.changesRecorded, pr.emitFailures)
	})
	return pr
}

func (p *PrometheusRecorder) IncFire(scheduler string) {
	if p == nil || p.fires == nil {
		return
	}
	p.fires.WithLabelValues(scheduler).Inc()
}

func (p *PrometheusRecorder) IncSkip(scheduler string, cause SkipCause) {
	if p == nil || p.skips == nil {
		return
	}
	p.skips.WithLabelValues(scheduler, string(cause)).Inc()
}

func (p *PrometheusRecorder) IncBuildsetEmitted(scheduler string) {
	if p == nil || p.buildsets == nil {
		return
	}
	p.buildsets.WithLabelValues(scheduler).Inc()
}

func (p *PrometheusRecorder) IncChangeRecorded(scheduler string, important bool) {
	if p == nil || p.changesRecorded == nil {
		return
	}
	label := "false"
	if important {
		label = "true"
	}
	p.changesRecorded.WithLabelValues(scheduler, label).Inc()
}

func (p *PrometheusRecorder) IncEmitFailure(scheduler string) {
	if p == nil || p.emitFailures == nil {
		return
	}
	p.emitFailures.WithLabelValues(scheduler).Inc()
}
