package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/internal/reliability"
	"github.com/glimte/mmate-consumer/messaging"
	"github.com/glimte/mmate-consumer/messaging/messagingtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryInterceptor(t *testing.T) {
	queue := messagingtest.NewQueue("orders")
	ctx := context.Background()
	interceptor := NewRetryInterceptor(3, time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "RetryInterceptor", interceptor.Name())

	t.Run("retries until the handler succeeds", func(t *testing.T) {
		var attempts []int
		handler := messaging.DeliveryHandlerFunc(func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
			ic, _ := GetInterceptorContext(ctx)
			attempt, _ := ic.GetInt(KeyAttempt)
			attempts = append(attempts, attempt)
			if attempt < 3 {
				return contracts.Reject, errors.New("temporary")
			}
			return contracts.Defer, nil
		})

		result, err := interceptor.Intercept(ctx, testEnvelope(1, "a"), queue, handler)
		require.NoError(t, err)
		assert.Equal(t, contracts.Defer, result)
		assert.Equal(t, []int{1, 2, 3}, attempts)
	})

	t.Run("gives up after the configured retries", func(t *testing.T) {
		calls := 0
		handler := messaging.DeliveryHandlerFunc(func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
			calls++
			return contracts.Reject, errors.New("still down")
		})

		_, err := interceptor.Intercept(ctx, testEnvelope(2, "a"), queue, handler)
		assert.ErrorIs(t, err, reliability.ErrMaxRetriesExceeded)
		assert.Equal(t, 4, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		handler := messaging.DeliveryHandlerFunc(func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
			calls++
			return contracts.Reject, Permanent(errors.New("malformed body"))
		})

		_, err := interceptor.Intercept(ctx, testEnvelope(3, "a"), queue, handler)
		assert.ErrorContains(t, err, "malformed body")
		assert.Equal(t, 1, calls)
	})
}
