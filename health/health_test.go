package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/mmate-consumer/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	name   string
	status monitor.Status
	delay  time.Duration
}

func (s stubChecker) Name() string { return s.name }

func (s stubChecker) Check(ctx context.Context) CheckResult {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return CheckResult{Status: s.status}
}

type queueStats struct {
	messages, consumers int
	err                 error
}

func (q queueStats) InspectQueue(ctx context.Context, queue string) (int, int, error) {
	return q.messages, q.consumers, q.err
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		health := NewRegistry().Check(context.Background())
		assert.Equal(t, monitor.StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("overall status is the worst check", func(t *testing.T) {
		r := NewRegistry()
		r.Register(stubChecker{name: "a", status: monitor.StatusHealthy})
		r.Register(stubChecker{name: "b", status: monitor.StatusDegraded})

		health := r.Check(context.Background())
		assert.Equal(t, monitor.StatusDegraded, health.Status)
		assert.Len(t, health.Checks, 2)

		r.Register(stubChecker{name: "c", status: monitor.StatusUnhealthy})
		assert.Equal(t, monitor.StatusUnhealthy, r.Check(context.Background()).Status)
	})

	t.Run("slow checks are reported as timed out", func(t *testing.T) {
		r := NewRegistry()
		r.Register(stubChecker{name: "slow", status: monitor.StatusHealthy, delay: time.Second})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		health := r.Check(ctx)
		assert.Equal(t, monitor.StatusUnhealthy, health.Status)
		assert.Equal(t, "check timed out", health.Checks["slow"].Message)
	})
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	t.Run("ConnectionChecker follows the connection state", func(t *testing.T) {
		connected := true
		c := NewConnectionChecker(func() bool { return connected })

		assert.Equal(t, monitor.StatusHealthy, c.Check(ctx).Status)
		connected = false
		assert.Equal(t, monitor.StatusUnhealthy, c.Check(ctx).Status)
	})

	t.Run("QueueChecker reports queue details", func(t *testing.T) {
		c := NewQueueChecker("orders", monitor.NewQueueInspector(queueStats{messages: 4, consumers: 1}, 10))

		result := c.Check(ctx)
		assert.Equal(t, "queue:orders", c.Name())
		assert.Equal(t, monitor.StatusHealthy, result.Status)
		assert.Equal(t, 4, result.Details["messages"])
	})

	t.Run("QueueChecker reports inspection errors", func(t *testing.T) {
		c := NewQueueChecker("orders", monitor.NewQueueInspector(queueStats{err: errors.New("NOT_FOUND")}, 10))

		result := c.Check(ctx)
		assert.Equal(t, monitor.StatusUnhealthy, result.Status)
		assert.Contains(t, result.Error, "NOT_FOUND")
	})
}

func TestHandler(t *testing.T) {
	t.Run("healthy registry answers 200 with JSON", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewConnectionChecker(func() bool { return true }))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, monitor.StatusHealthy, body.Status)
		assert.Contains(t, body.Checks, "rabbitmq")
	})

	t.Run("unhealthy registry answers 503", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewConnectionChecker(func() bool { return false }))

		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("only GET is allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
