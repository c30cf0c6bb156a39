package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/internal/reliability"
	"github.com/glimte/mmate-consumer/messaging"
)

// Permanent marks a handler error the RetryInterceptor must not retry
func Permanent(err error) error {
	return reliability.Permanent(err)
}

// RetryInterceptor calls the rest of the chain again when it returns an
// error, backing off exponentially between attempts. The attempt number
// (starting at 1) is kept under KeyAttempt in the interceptor context.
type RetryInterceptor struct {
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor retries up to maxRetries times, starting at initialDelay
// and doubling up to maxDelay
func NewRetryInterceptor(maxRetries int, initialDelay, maxDelay time.Duration) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: reliability.NewExponentialBackoff(initialDelay, maxDelay, 2, maxRetries),
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements the Interceptor interface
func (r *RetryInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error) {
	ctx, ic := EnsureInterceptorContext(ctx)

	var result contracts.DeliveryResult
	attempt := 0
	err := reliability.Retry(ctx, r.retryPolicy, func() error {
		attempt++
		ic.Set(KeyAttempt, attempt)
		if attempt > 1 {
			r.logger.Debug("retrying delivery",
				"deliveryTag", env.DeliveryTag,
				"messageId", env.MessageID,
				"attempt", attempt,
			)
		}

		var err error
		result, err = next.HandleDelivery(ctx, env, queue)
		return err
	})
	return result, err
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
