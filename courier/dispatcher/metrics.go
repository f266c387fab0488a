package dispatcher

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "courier.dispatcher"

type dispatcherMetrics struct {
	sent           metric.Int64Counter
	failed         metric.Int64Counter
	deadLettered   metric.Int64Counter
	claimConflicts metric.Int64Counter
	sendLatency    metric.Float64Histogram
	queueDepth     metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.sent, err = meter.Int64Counter(
		"courier.dispatcher.messages.sent",
		metric.WithDescription("Number of outbox messages delivered and marked SENT"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatcher.messages.sent counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"courier.dispatcher.messages.failed",
		metric.WithDescription("Number of failed delivery attempts recorded against outbox messages"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatcher.messages.failed counter: %w", err)
	}

	metrics.deadLettered, err = meter.Int64Counter(
		"courier.dispatcher.messages.dead_lettered",
		metric.WithDescription("Number of outbox messages that exhausted their attempts"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatcher.messages.dead_lettered counter: %w", err)
	}

	metrics.claimConflicts, err = meter.Int64Counter(
		"courier.dispatcher.messages.claim_conflicts",
		metric.WithDescription("Number of pending messages already claimed by another dispatcher"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatcher.messages.claim_conflicts counter: %w", err)
	}

	metrics.sendLatency, err = meter.Float64Histogram(
		"courier.dispatcher.send.latency",
		metric.WithDescription("Adapter send latency per attempt"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatcher.send.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"courier.dispatcher.queue.depth",
		metric.WithDescription("Number of pending messages fetched for a channel in one cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create courier.dispatcher.queue.depth gauge: %w", err)
	}

	return metrics, nil
}
