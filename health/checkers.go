package health

import (
	"context"
	"time"

	"github.com/glimte/mmate-consumer/monitor"
)

// ConnectionChecker reports whether the broker connection is open
type ConnectionChecker struct {
	connected func() bool
}

// NewConnectionChecker creates a checker around a connectivity check such as
// Transport.IsConnected
func NewConnectionChecker(connected func() bool) *ConnectionChecker {
	return &ConnectionChecker{connected: connected}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Timestamp: time.Now()}

	if c.connected() {
		result.Status = monitor.StatusHealthy
		result.Message = "connection is open"
	} else {
		result.Status = monitor.StatusUnhealthy
		result.Message = "connection is closed"
	}

	result.Duration = time.Since(result.Timestamp)
	return result
}

// QueueChecker reports the health of a consumer's queue
type QueueChecker struct {
	queue     string
	inspector *monitor.QueueInspector
}

// NewQueueChecker creates a new queue health checker
func NewQueueChecker(queue string, inspector *monitor.QueueInspector) *QueueChecker {
	return &QueueChecker{queue: queue, inspector: inspector}
}

func (c *QueueChecker) Name() string {
	return "queue:" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	health, err := c.inspector.QueueHealth(ctx, c.queue)

	result := CheckResult{
		Status:    health.Status,
		Message:   health.Message,
		Timestamp: start,
		Duration:  time.Since(start),
		Details: map[string]interface{}{
			"messages":  health.Messages,
			"consumers": health.Consumers,
		},
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
