package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("pgbridge")

// Metrics collects gateway-level counters: deferred jobs and database
// queries.
type Metrics struct {
	jobsCreatedCounter    metric.Int64Counter
	jobsDrainedCounter    metric.Int64Counter
	queriesCounter        metric.Int64Counter
	queriesFailedCounter  metric.Int64Counter
	queryDurationHist     metric.Float64Histogram
	queriesActiveGauge    metric.Int64UpDownCounter
}

// New creates the metrics collector.
func New() (*Metrics, error) {
	jobsCreated, err := meter.Int64Counter(
		"pgbridge.jobs.created",
		metric.WithDescription("Total number of deferred jobs created"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	jobsDrained, err := meter.Int64Counter(
		"pgbridge.jobs.drained",
		metric.WithDescription("Total number of deferred jobs drained by a GET"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	queries, err := meter.Int64Counter(
		"pgbridge.queries.executed",
		metric.WithDescription("Total number of executed query batches"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}

	queriesFailed, err := meter.Int64Counter(
		"pgbridge.queries.failed",
		metric.WithDescription("Total number of failed query batches"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}

	queryDuration, err := meter.Float64Histogram(
		"pgbridge.query.duration",
		metric.WithDescription("Duration of query batch execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	queriesActive, err := meter.Int64UpDownCounter(
		"pgbridge.queries.active",
		metric.WithDescription("Number of currently executing query batches"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		jobsCreatedCounter:   jobsCreated,
		jobsDrainedCounter:   jobsDrained,
		queriesCounter:       queries,
		queriesFailedCounter: queriesFailed,
		queryDurationHist:    queryDuration,
		queriesActiveGauge:   queriesActive,
	}, nil
}

// RecordJobCreated records creation of a deferred job.
func (m *Metrics) RecordJobCreated(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.jobsCreatedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordJobDrained records a successful job drain.
func (m *Metrics) RecordJobDrained(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsDrainedCounter.Add(ctx, 1)
}

// RecordQueryStarted marks a query batch as executing.
func (m *Metrics) RecordQueryStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.queriesActiveGauge.Add(ctx, 1)
}

// RecordQueryDone records the terminal state of a query batch.
func (m *Metrics) RecordQueryDone(ctx context.Context, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	status := "executed"
	if failed {
		status = "failed"
		m.queriesFailedCounter.Add(ctx, 1)
	} else {
		m.queriesCounter.Add(ctx, 1)
	}
	m.queryDurationHist.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
	m.queriesActiveGauge.Add(ctx, -1)
}
