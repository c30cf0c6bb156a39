package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/internal/reliability"
	"github.com/glimte/mmate-consumer/messaging"
)

// ErrCircuitOpen is matched by the error a CircuitBreakerInterceptor logs
// when it refuses a delivery
var ErrCircuitOpen = reliability.ErrCircuitOpen

// Interceptor wraps the handling of a delivery
type Interceptor interface {
	// Intercept handles env, usually by calling next, and returns the
	// disposition the consumer should apply
	Intercept(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error) {
	return i.fn(ctx, env, queue, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain. The first one added runs outermost.
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors in the chain
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Then returns a DeliveryHandler running the chain in front of final
func (c *InterceptorChain) Then(final messaging.DeliveryHandler) messaging.DeliveryHandler {
	if len(c.interceptors) == 0 {
		return final
	}

	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	c.logger.Debug("interceptor chain built", "interceptors", names)

	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.DeliveryHandlerFunc(func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
			return interceptor.Intercept(ctx, env, queue, next)
		})
	}
	return handler
}

// Execute runs the chain for a single delivery
func (c *InterceptorChain) Execute(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, final messaging.DeliveryHandler) (contracts.DeliveryResult, error) {
	return c.Then(final).HandleDelivery(ctx, env, queue)
}

// Built-in interceptors

// LoggingInterceptor logs every delivery with its outcome and duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error) {
	start := time.Now()

	i.logger.Debug("handling delivery",
		"deliveryTag", env.DeliveryTag,
		"messageId", env.MessageID,
		"messageType", env.Type,
		"routingKey", env.RoutingKey,
		"redelivered", env.Redelivered,
	)

	result, err := next.HandleDelivery(ctx, env, queue)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("delivery handling failed",
			"deliveryTag", env.DeliveryTag,
			"messageId", env.MessageID,
			"messageType", env.Type,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("delivery handled",
			"deliveryTag", env.DeliveryTag,
			"messageId", env.MessageID,
			"result", result.String(),
			"duration", duration,
		)
	}

	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the time the rest of the chain gets per delivery
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor. A timeout of zero
// or less disables it.
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error) {
	if i.timeout <= 0 {
		return next.HandleDelivery(ctx, env, queue)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return next.HandleDelivery(ctx, env, queue)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// CircuitBreakerInterceptor stops calling the handler after repeated
// failures. While the circuit is open deliveries are settled with the
// configured result instead (requeue by default), so they come back once the
// handler has recovered.
type CircuitBreakerInterceptor struct {
	breaker    *reliability.CircuitBreaker
	openResult contracts.DeliveryResult
	logger     *slog.Logger
}

// CircuitBreakerOption configures a CircuitBreakerInterceptor
type CircuitBreakerOption func(*CircuitBreakerInterceptor)

// WithOpenResult sets the result used for deliveries refused by an open circuit
func WithOpenResult(result contracts.DeliveryResult) CircuitBreakerOption {
	return func(i *CircuitBreakerInterceptor) {
		i.openResult = result
	}
}

// WithCircuitLogger sets the logger
func WithCircuitLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(i *CircuitBreakerInterceptor) {
		i.logger = logger
	}
}

// NewCircuitBreakerInterceptor opens the circuit after failureThreshold
// consecutive handler errors and tries again after openTimeout
func NewCircuitBreakerInterceptor(name string, failureThreshold int, openTimeout time.Duration, options ...CircuitBreakerOption) *CircuitBreakerInterceptor {
	i := &CircuitBreakerInterceptor{
		openResult: contracts.RejectRequeue,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(i)
	}

	i.breaker = reliability.NewCircuitBreaker(
		reliability.WithName(name),
		reliability.WithFailureThreshold(failureThreshold),
		reliability.WithTimeout(openTimeout),
		reliability.WithBreakerLogger(i.logger),
	)
	return i
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, queue messaging.Queue, next messaging.DeliveryHandler) (contracts.DeliveryResult, error) {
	var result contracts.DeliveryResult
	err := i.breaker.Execute(ctx, func() error {
		var err error
		result, err = next.HandleDelivery(ctx, env, queue)
		return err
	})

	if errors.Is(err, ErrCircuitOpen) {
		i.logger.Warn("circuit open, delivery not handled",
			"deliveryTag", env.DeliveryTag,
			"messageId", env.MessageID,
			"result", i.openResult.String(),
			"error", err,
		)
		return i.openResult, nil
	}
	return result, err
}

// State returns the current state of the circuit
func (i *CircuitBreakerInterceptor) State() string {
	return i.breaker.State().String()
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
