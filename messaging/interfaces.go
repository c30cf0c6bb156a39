package messaging

import (
	"time"

	"github.com/glimte/mmate-consumer/contracts"
)

// MetricsCollector collects consumer metrics
type MetricsCollector interface {
	// RecordDelivery records the disposition of a single delivery
	RecordDelivery(queue string, result contracts.DeliveryResult, duration time.Duration)

	// RecordSettlement records a cumulative ack or nack of count deliveries
	RecordSettlement(queue string, result contracts.FlushResult, count int, rate float64)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordDelivery does nothing
func (n *NoOpMetricsCollector) RecordDelivery(queue string, result contracts.DeliveryResult, duration time.Duration) {
}

// RecordSettlement does nothing
func (n *NoOpMetricsCollector) RecordSettlement(queue string, result contracts.FlushResult, count int, rate float64) {
}
