package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricPhasesTotal    = "callfang.pipeline.phases.total"
	metricPhaseDuration  = "callfang.pipeline.phase.duration.seconds"
	metricBuildsInflight = "callfang.builds.inflight"
	metricAdmissionTotal = "callfang.admission.total"
	metricEvictionsTotal = "callfang.evictions.total"
	metricQueriesTotal   = "callfang.queries.total"
	metricQueryDuration  = "callfang.query.duration.seconds"

	attrPhase   = "phase"
	attrStatus  = "status"
	attrOutcome = "outcome"
	attrReason  = "reason"
	attrQuery   = "query"
)

// phaseBucketBoundaries covers 10ms to 1800s: probe and harness parsing
// finish in well under a second while native builds of large C/C++ trees
// run for many minutes.
var phaseBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800}

// queryBucketBoundaries covers the low-millisecond lookups up to
// pathological multi-second path searches.
var queryBucketBoundaries = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// PipelineMetrics holds the OTel instruments for snapshot builds, admission,
// eviction, and graph queries.
type PipelineMetrics struct {
	phasesTotal    metric.Int64Counter
	phaseDuration  metric.Float64Histogram
	buildsInflight metric.Int64UpDownCounter
	admissionTotal metric.Int64Counter
	evictionsTotal metric.Int64Counter
	queriesTotal   metric.Int64Counter
	queryDuration  metric.Float64Histogram
}

// NewPipelineMetrics creates pipeline metric instruments from the given meter.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	b := newMetricBuilder(mt)

	pm := &PipelineMetrics{
		phasesTotal:    b.counter(metricPhasesTotal, "Total number of completed pipeline phases", "{phase}"),
		phaseDuration:  b.histogram(metricPhaseDuration, "Pipeline phase duration in seconds", "s", phaseBucketBoundaries...),
		buildsInflight: b.upDownCounter(metricBuildsInflight, "Number of snapshot builds in progress", "{build}"),
		admissionTotal: b.counter(metricAdmissionTotal, "Total admission decisions by outcome", "{decision}"),
		evictionsTotal: b.counter(metricEvictionsTotal, "Total evicted snapshots by reason", "{snapshot}"),
		queriesTotal:   b.counter(metricQueriesTotal, "Total graph queries by operation", "{query}"),
		queryDuration:  b.histogram(metricQueryDuration, "Graph query duration in seconds", "s", queryBucketBoundaries...),
	}

	if b.err != nil {
		return nil, b.err
	}

	return pm, nil
}

// RecordPhase records a finished pipeline phase with its terminal status.
func (pm *PipelineMetrics) RecordPhase(ctx context.Context, phase, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrPhase, phase),
		attribute.String(attrStatus, status),
	)

	pm.phasesTotal.Add(ctx, 1, attrs)
	pm.phaseDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String(attrPhase, phase)))
}

// TrackBuild increments the in-flight build gauge and returns a function to decrement it.
func (pm *PipelineMetrics) TrackBuild(ctx context.Context) func() {
	pm.buildsInflight.Add(ctx, 1)

	return func() {
		pm.buildsInflight.Add(ctx, -1)
	}
}

// RecordAdmission records one admission decision (hit, wait, own).
func (pm *PipelineMetrics) RecordAdmission(ctx context.Context, outcome string) {
	pm.admissionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}

// RecordEviction records one evicted snapshot with the policy that claimed it.
func (pm *PipelineMetrics) RecordEviction(ctx context.Context, reason string) {
	pm.evictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrReason, reason)))
}

// RecordQuery records a completed graph query.
func (pm *PipelineMetrics) RecordQuery(ctx context.Context, query, status string, duration time.Duration) {
	pm.queriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrQuery, query),
		attribute.String(attrStatus, status),
	))
	pm.queryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String(attrQuery, query)))
}
