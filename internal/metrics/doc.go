// Package metrics provides the observability hooks for scheduler activity.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics collection needs no nil checks and costs nothing
// when disabled. The daemon swaps in PrometheusRecorder when a metrics
// listener is configured.
package metrics
