// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the query
// orchestrator.
//
// # Description
//
// Prometheus metrics cover the query lifecycle:
//   - Request counters and duration histograms by execution path
//   - Busy rejections and quota denials
//   - Classifier decisions, including fallbacks
//   - Tool invocations and retries
//   - Artifact cache puts, releases, and live entries
//   - Digest length distribution
//
// Components read DefaultMetrics and skip recording when it is nil, so
// metrics are optional and tests need not register anything.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for query metrics
const querySubsystem = "query"

// QueryMetrics holds all Prometheus metrics for the query pipeline.
//
// # Fields
//
//   - RequestsTotal: Queries by path and outcome (error kind or "success")
//   - RequestDurationSeconds: End-to-end query duration by path
//   - ActiveRequests: Queries currently in flight
//   - BusyRejectionsTotal: Queries rejected because the conversation was busy
//   - QuotaDenialsTotal: Queries or invocations denied by quota, by source
//   - ClassificationsTotal: Decisions by path and fallback flag
//   - ToolInvocationsTotal: Tool calls by tool and outcome
//   - ToolRetriesTotal: Retries by tool and transient kind
//   - ArtifactPutsTotal: Artifacts stored by size class
//   - ArtifactReleasesTotal: Artifacts evicted by release
//   - ArtifactEntries: Live artifact entries as of the last sweep
//   - DigestChars: Digest length distribution
type QueryMetrics struct {
	RequestsTotal          *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	ActiveRequests         prometheus.Gauge
	BusyRejectionsTotal    prometheus.Counter
	QuotaDenialsTotal      *prometheus.CounterVec
	ClassificationsTotal   *prometheus.CounterVec
	ToolInvocationsTotal   *prometheus.CounterVec
	ToolRetriesTotal       *prometheus.CounterVec
	ArtifactPutsTotal      *prometheus.CounterVec
	ArtifactReleasesTotal  prometheus.Counter
	ArtifactEntries        prometheus.Gauge
	DigestChars            prometheus.Histogram
}

// DefaultMetrics is the process-wide instance. Nil until InitMetrics.
var DefaultMetrics *QueryMetrics

// InitMetrics registers the metrics with the default Prometheus registry
// and installs them as DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *QueryMetrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates metrics registered with reg. Tests pass a private
// prometheus.NewRegistry() to stay isolated.
func NewMetrics(reg prometheus.Registerer) *QueryMetrics {
	f := promauto.With(reg)
	return &QueryMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "requests_total",
				Help:      "Total queries by execution path and outcome",
			},
			[]string{"path", "outcome"},
		),

		RequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "request_duration_seconds",
				Help:      "End-to-end query duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"path"},
		),

		ActiveRequests: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "active_requests",
				Help:      "Number of queries currently in flight",
			},
		),

		BusyRejectionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "busy_rejections_total",
				Help:      "Queries rejected because the conversation already had one in flight",
			},
		),

		QuotaDenialsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "quota_denials_total",
				Help:      "Queries or tool invocations denied by quota",
			},
			[]string{"source"},
		),

		ClassificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "classifications_total",
				Help:      "Classification decisions by path and fallback flag",
			},
			[]string{"path", "fallback"},
		),

		ToolInvocationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "tool_invocations_total",
				Help:      "Tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		ToolRetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "tool_retries_total",
				Help:      "Tool retries by tool and transient error kind",
			},
			[]string{"tool", "kind"},
		),

		ArtifactPutsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "artifact_puts_total",
				Help:      "Artifacts stored by size class",
			},
			[]string{"size_class"},
		),

		ArtifactReleasesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "artifact_releases_total",
				Help:      "Artifacts evicted by request release",
			},
		),

		ArtifactEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "artifact_entries",
				Help:      "Live artifact cache entries as of the last sweep",
			},
		),

		DigestChars: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "digest_chars",
				Help:      "Length of digests appended to conversation memory",
				Buckets:   []float64{16, 32, 64, 128, 192, 256},
			},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a finished query.
//
// # Inputs
//
//   - path: Execution path, empty when the query failed before classification.
//   - outcome: "success" or an error kind.
//   - seconds: End-to-end duration.
func (m *QueryMetrics) RecordRequest(path, outcome string, seconds float64) {
	if path == "" {
		path = "none"
	}
	m.RequestsTotal.WithLabelValues(path, outcome).Inc()
	m.RequestDurationSeconds.WithLabelValues(path).Observe(seconds)
}

// RecordBusy records a busy rejection.
func (m *QueryMetrics) RecordBusy() {
	m.BusyRejectionsTotal.Inc()
}

// RecordQuotaDenial records a quota denial. Source is "policy" for
// pre-computed denials, "invocations", "tokens", or "rate" for executor
// limits.
func (m *QueryMetrics) RecordQuotaDenial(source string) {
	m.QuotaDenialsTotal.WithLabelValues(source).Inc()
}

// RecordClassification records a classifier decision.
func (m *QueryMetrics) RecordClassification(path string, fallback bool) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.ClassificationsTotal.WithLabelValues(path, fb).Inc()
}

// RecordToolInvocation records one tool call attempt.
func (m *QueryMetrics) RecordToolInvocation(tool, outcome string) {
	m.ToolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordToolRetry records a retry of a transient tool failure.
func (m *QueryMetrics) RecordToolRetry(tool, kind string) {
	m.ToolRetriesTotal.WithLabelValues(tool, kind).Inc()
}

// RecordArtifactPut records a stored artifact.
func (m *QueryMetrics) RecordArtifactPut(sizeClass string) {
	m.ArtifactPutsTotal.WithLabelValues(sizeClass).Inc()
}

// RecordArtifactRelease records evicted artifacts.
func (m *QueryMetrics) RecordArtifactRelease(n int) {
	m.ArtifactReleasesTotal.Add(float64(n))
}

// SetArtifactEntries sets the live artifact gauge.
func (m *QueryMetrics) SetArtifactEntries(n int) {
	m.ArtifactEntries.Set(float64(n))
}

// RecordDigest records a digest length in characters.
func (m *QueryMetrics) RecordDigest(chars int) {
	m.DigestChars.Observe(float64(chars))
}

// RequestStarted increments the active request gauge.
func (m *QueryMetrics) RequestStarted() {
	m.ActiveRequests.Inc()
}

// RequestEnded decrements the active request gauge.
func (m *QueryMetrics) RequestEnded() {
	m.ActiveRequests.Dec()
}
