package outbox

import (
	"context"
	"time"
)

// MetricsCollector receives delivery measurements from the worker.
type MetricsCollector interface {
	RecordEventProcessed(eventType string, success bool, duration time.Duration)
	RecordBatchProcessed(count int, duration time.Duration)
	RecordPublishAttempt(eventType string, attempt int, success bool)
}

// NoOpMetricsCollector discards all measurements.
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordEventProcessed(eventType string, success bool, duration time.Duration) {
}
func (n *NoOpMetricsCollector) RecordBatchProcessed(count int, duration time.Duration)           {}
func (n *NoOpMetricsCollector) RecordPublishAttempt(eventType string, attempt int, success bool) {}

// MetricPublisher wraps an EventPublisher with per-event timing.
type MetricPublisher struct {
	publisher EventPublisher
	metrics   MetricsCollector
}

func NewMetricPublisher(publisher EventPublisher, metrics MetricsCollector) *MetricPublisher {
	return &MetricPublisher{
		publisher: publisher,
		metrics:   metrics,
	}
}

func (p *MetricPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	start := time.Now()

	err := p.publisher.Publish(ctx, event)

	p.metrics.RecordEventProcessed(event.EventType, err == nil, time.Since(start))
	return err
}
