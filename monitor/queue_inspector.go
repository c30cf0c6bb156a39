package monitor

import (
	"context"
	"fmt"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// QueueStatsSource reports the depth and consumer count of a queue
type QueueStatsSource interface {
	InspectQueue(ctx context.Context, queue string) (messages, consumers int, err error)
}

// QueueInfo is what the broker reports about a queue
type QueueInfo struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// QueueHealth is a QueueInfo judged against the inspector thresholds
type QueueHealth struct {
	QueueName string `json:"queue_name"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// QueueInspector judges queue health from the broker's queue statistics
type QueueInspector struct {
	source            QueueStatsSource
	degradedThreshold int
}

// NewQueueInspector creates an inspector that reports a queue as degraded
// once it holds more than degradedThreshold messages
func NewQueueInspector(source QueueStatsSource, degradedThreshold int) *QueueInspector {
	if degradedThreshold <= 0 {
		degradedThreshold = 1000
	}
	return &QueueInspector{source: source, degradedThreshold: degradedThreshold}
}

// InspectQueue returns the broker statistics of queue
func (qi *QueueInspector) InspectQueue(ctx context.Context, queue string) (*QueueInfo, error) {
	messages, consumers, err := qi.source.InspectQueue(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return &QueueInfo{Name: queue, Messages: messages, Consumers: consumers}, nil
}

// QueueHealth judges queue. A backlog nobody consumes is unhealthy; a backlog
// above the threshold is degraded.
func (qi *QueueInspector) QueueHealth(ctx context.Context, queue string) (*QueueHealth, error) {
	info, err := qi.InspectQueue(ctx, queue)
	if err != nil {
		return &QueueHealth{
			QueueName: queue,
			Status:    StatusUnhealthy,
			Message:   err.Error(),
		}, err
	}

	health := &QueueHealth{
		QueueName: queue,
		Messages:  info.Messages,
		Consumers: info.Consumers,
	}

	switch {
	case info.Consumers == 0 && info.Messages > 0:
		health.Status = StatusUnhealthy
		health.Message = fmt.Sprintf("no consumers for %d messages", info.Messages)
	case info.Messages > qi.degradedThreshold:
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("backlog of %d messages", info.Messages)
	default:
		health.Status = StatusHealthy
		health.Message = "queue is healthy"
	}

	return health, nil
}
