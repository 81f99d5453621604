package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/pvanvliet16/jentrata-VIB/msh")

// PipelineMetrics records message service handler activity.
type PipelineMetrics struct {
	messagesCounter   metric.Int64Counter
	failuresCounter   metric.Int64Counter
	duplicatesCounter metric.Int64Counter
	payloadsCounter   metric.Int64Counter
	deliveryCounter   metric.Int64Counter
	durationHistogram metric.Float64Histogram
	inflightGauge     metric.Int64UpDownCounter
}

// NewPipelineMetrics creates the instruments on the global meter provider.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	messagesCounter, err := meter.Int64Counter(
		"jentrata.messages.processed",
		metric.WithDescription("Messages that reached a terminal state"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	failuresCounter, err := meter.Int64Counter(
		"jentrata.messages.failed",
		metric.WithDescription("Messages that failed, by error kind and ebMS code"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	duplicatesCounter, err := meter.Int64Counter(
		"jentrata.messages.duplicates",
		metric.WithDescription("Redeliveries detected by reception awareness"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	payloadsCounter, err := meter.Int64Counter(
		"jentrata.payloads.extracted",
		metric.WithDescription("Payloads extracted from inbound user messages"),
		metric.WithUnit("{payload}"),
	)
	if err != nil {
		return nil, err
	}

	deliveryCounter, err := meter.Int64Counter(
		"jentrata.delivery.attempts",
		metric.WithDescription("Outbound delivery attempts, by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	durationHistogram, err := meter.Float64Histogram(
		"jentrata.pipeline.duration",
		metric.WithDescription("Time spent in the inbound or outbound pipeline"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	inflightGauge, err := meter.Int64UpDownCounter(
		"jentrata.pipeline.inflight",
		metric.WithDescription("Messages currently in a pipeline"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		messagesCounter:   messagesCounter,
		failuresCounter:   failuresCounter,
		duplicatesCounter: duplicatesCounter,
		payloadsCounter:   payloadsCounter,
		deliveryCounter:   deliveryCounter,
		durationHistogram: durationHistogram,
		inflightGauge:     inflightGauge,
	}, nil
}

// Begin marks a message entering a pipeline and returns the function that
// records its duration and terminal status.
func (pm *PipelineMetrics) Begin(ctx context.Context, direction string) func(status string) {
	start := time.Now()
	dir := attribute.String("direction", direction)
	pm.inflightGauge.Add(ctx, 1, metric.WithAttributes(dir))
	return func(status string) {
		pm.inflightGauge.Add(ctx, -1, metric.WithAttributes(dir))
		pm.durationHistogram.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(dir))
		pm.messagesCounter.Add(ctx, 1, metric.WithAttributes(dir, attribute.String("status", status)))
	}
}

// RecordFailure counts a failed message.
func (pm *PipelineMetrics) RecordFailure(ctx context.Context, direction, kind, code string) {
	pm.failuresCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
			attribute.String("ebms.code", code),
		),
	)
}

// RecordDuplicate counts a detected redelivery.
func (pm *PipelineMetrics) RecordDuplicate(ctx context.Context, cpaID string) {
	pm.duplicatesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("cpa.id", cpaID)))
}

// RecordPayloads counts extracted payloads.
func (pm *PipelineMetrics) RecordPayloads(ctx context.Context, cpaID string, n int) {
	pm.payloadsCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("cpa.id", cpaID)))
}

// RecordDelivery counts one outbound delivery attempt.
func (pm *PipelineMetrics) RecordDelivery(ctx context.Context, cpaID, outcome string) {
	pm.deliveryCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cpa.id", cpaID),
			attribute.String("outcome", outcome),
		),
	)
}
