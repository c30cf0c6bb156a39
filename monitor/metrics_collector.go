package monitor

import (
	"slices"
	"sync"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/messaging"
)

// sampleWindow is the number of recent processing times kept for percentiles
const sampleWindow = 100

// ConsumerMetrics is an in-memory messaging.MetricsCollector keeping, per
// queue, delivery counts by result, settled blocks by result, handler timing
// and the throughput of the last cumulative ack
type ConsumerMetrics struct {
	mu     sync.RWMutex
	queues map[string]*queueMetrics
}

var _ messaging.MetricsCollector = (*ConsumerMetrics)(nil)

type queueMetrics struct {
	deliveries  map[contracts.DeliveryResult]int64
	settlements map[contracts.FlushResult]*SettlementStats
	timing      TimeStats
	throughput  float64
}

// TimeStats tracks handler timing
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64
}

// NewConsumerMetrics creates an empty collector
func NewConsumerMetrics() *ConsumerMetrics {
	return &ConsumerMetrics{queues: make(map[string]*queueMetrics)}
}

func (c *ConsumerMetrics) queue(name string) *queueMetrics {
	q, ok := c.queues[name]
	if !ok {
		q = &queueMetrics{
			deliveries:  make(map[contracts.DeliveryResult]int64),
			settlements: make(map[contracts.FlushResult]*SettlementStats),
		}
		c.queues[name] = q
	}
	return q
}

// RecordDelivery implements messaging.MetricsCollector
func (c *ConsumerMetrics) RecordDelivery(queue string, result contracts.DeliveryResult, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.queue(queue)
	q.deliveries[result]++

	ms := duration.Milliseconds()
	stats := &q.timing
	if stats.Count == 0 || ms < stats.MinMs {
		stats.MinMs = ms
	}
	if ms > stats.MaxMs {
		stats.MaxMs = ms
	}
	stats.Count++
	stats.TotalMs += ms

	if len(stats.samples) >= sampleWindow {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, ms)
}

// RecordSettlement implements messaging.MetricsCollector
func (c *ConsumerMetrics) RecordSettlement(queue string, result contracts.FlushResult, count int, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.queue(queue)
	s, ok := q.settlements[result]
	if !ok {
		s = &SettlementStats{}
		q.settlements[result] = s
	}
	s.Blocks++
	s.Messages += int64(count)

	if result == contracts.FlushAck {
		q.throughput = rate
	}
}

// Summary returns a snapshot of every queue seen so far
func (c *ConsumerMetrics) Summary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{Queues: make(map[string]QueueSummary, len(c.queues))}
	for name, q := range c.queues {
		qs := QueueSummary{
			Deliveries:  make(map[string]int64, len(q.deliveries)),
			Settlements: make(map[string]SettlementStats, len(q.settlements)),
			Throughput:  q.throughput,
			Processing: ProcessingStats{
				Count: q.timing.Count,
				MinMs: q.timing.MinMs,
				MaxMs: q.timing.MaxMs,
			},
		}
		for result, count := range q.deliveries {
			qs.Deliveries[result.String()] = count
		}
		for result, s := range q.settlements {
			qs.Settlements[result.String()] = *s
		}
		if q.timing.Count > 0 {
			qs.Processing.AvgMs = q.timing.TotalMs / q.timing.Count
		}
		if len(q.timing.samples) > 0 {
			sorted := slices.Clone(q.timing.samples)
			slices.Sort(sorted)
			qs.Processing.P50Ms = percentile(sorted, 0.50)
			qs.Processing.P95Ms = percentile(sorted, 0.95)
			qs.Processing.P99Ms = percentile(sorted, 0.99)
		}
		summary.Queues[name] = qs
	}
	return summary
}

// percentile picks from an ascending slice
func percentile(sorted []int64, p float64) int64 {
	return sorted[int(float64(len(sorted)-1)*p)]
}

// Reset clears all collected metrics
func (c *ConsumerMetrics) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = make(map[string]*queueMetrics)
}

// MetricsSummary is a snapshot of a ConsumerMetrics
type MetricsSummary struct {
	Queues map[string]QueueSummary `json:"queues"`
}

// QueueSummary holds the metrics of one queue. Deliveries and Settlements are
// keyed by result name (ACK, REJECT, REJECT_REQUEUE, DEFER).
type QueueSummary struct {
	Deliveries  map[string]int64           `json:"deliveries"`
	Settlements map[string]SettlementStats `json:"settlements"`
	Processing  ProcessingStats            `json:"processing"`
	Throughput  float64                    `json:"throughput"`
}

// Total returns the number of deliveries handled
func (s QueueSummary) Total() int64 {
	var total int64
	for _, count := range s.Deliveries {
		total += count
	}
	return total
}

// SettlementStats counts cumulative acks or nacks and the deliveries they covered
type SettlementStats struct {
	Blocks   int64 `json:"blocks"`
	Messages int64 `json:"messages"`
}

// ProcessingStats represents handler timing statistics
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}
