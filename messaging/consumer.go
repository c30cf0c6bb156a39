package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/google/uuid"
)

// DefaultIdleTimeout is the time after the last ack at which a partial block is flushed
const DefaultIdleTimeout = 10 * time.Second

// Consumer drives the receive loop of one queue, applies a DeliveryStrategy to
// each delivery and batches acknowledgments by count and by time.
//
// A Consumer is owned by the goroutine running Consume. Only Shutdown may be
// called from other goroutines.
type Consumer struct {
	queue        Queue
	channel      Channel
	strategy     DeliveryStrategy
	errorHandler ErrorHandler
	flushHandler FlushHandler
	metrics      MetricsCollector
	logger       *slog.Logger
	consumerTag  string
	now          func() time.Time

	consumed        int
	unacked         int
	lastDeliveryTag uint64
	pending         bool
	idleTimeout     time.Duration
	blockSize       int
	target          int
	lastAck         time.Time
	lastMessage     time.Time

	keepAlive  atomic.Bool
	cancelOnce sync.Once
	failure    error
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerTag sets the consumer tag used to subscribe and cancel
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithIdleTimeout sets how long a partial block may wait after the last ack
func WithIdleTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.idleTimeout = timeout
	}
}

// WithErrorHandler sets the policy deciding requeue versus discard on failures
func WithErrorHandler(handler ErrorHandler) ConsumerOption {
	return func(c *Consumer) {
		c.errorHandler = handler
	}
}

// WithFlushHandler sets the handler deciding the disposition of deferred blocks
func WithFlushHandler(handler FlushHandler) ConsumerOption {
	return func(c *Consumer) {
		c.flushHandler = handler
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(metrics MetricsCollector) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) {
		c.now = now
	}
}

// NewConsumer creates a consumer for queue, consuming on channel
func NewConsumer(queue Queue, channel Channel, strategy DeliveryStrategy, options ...ConsumerOption) (*Consumer, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if channel == nil {
		return nil, fmt.Errorf("channel cannot be nil")
	}
	if strategy == nil {
		return nil, fmt.Errorf("delivery strategy cannot be nil")
	}

	c := &Consumer{
		queue:       queue,
		channel:     channel,
		strategy:    strategy,
		metrics:     &NoOpMetricsCollector{},
		logger:      slog.Default(),
		consumerTag: fmt.Sprintf("mmate-%s", uuid.New().String()),
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
	}
	c.keepAlive.Store(true)

	for _, opt := range options {
		opt(c)
	}

	if c.idleTimeout < 0 {
		return nil, fmt.Errorf("idle timeout cannot be negative")
	}

	return c, nil
}

// Consume runs the receive loop until maxMessages deliveries have been
// consumed (0 means no limit), the consumer is shut down, ctx is done or the
// transport fails. Pending deliveries are flushed before returning.
func (c *Consumer) Consume(ctx context.Context, maxMessages int) error {
	if maxMessages < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, maxMessages)
	}
	if !c.keepAlive.Load() {
		return ErrConsumerStopped
	}

	c.target = maxMessages
	c.blockSize = c.channel.PrefetchCount()
	if c.lastAck.IsZero() {
		c.lastAck = c.now()
	}
	c.failure = nil

	c.logger.Info("consumer started",
		"queue", c.queue.Name(),
		"consumerTag", c.consumerTag,
		"target", c.target,
		"blockSize", c.blockSize,
		"idleTimeout", c.idleTimeout,
	)

	err := c.queue.Consume(ctx, c.consumerTag, func(env *contracts.Envelope) bool {
		return c.onDelivery(ctx, env)
	})

	switch {
	case c.failure != nil:
		return c.abort(ctx, c.failure)

	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		c.logger.Info("consumer context done, stopping",
			"queue", c.queue.Name(),
			"consumerTag", c.consumerTag,
		)
		if flushErr := c.AckOrNackBlock(context.WithoutCancel(ctx)); flushErr != nil {
			return c.abort(ctx, flushErr)
		}
		c.Shutdown()
		return nil

	case err != nil:
		return c.abort(ctx, &ConsumerError{
			Queue:       c.queue.Name(),
			ConsumerTag: c.consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   c.now(),
		})
	}

	// Cancelled from another goroutine: settle what was handled before the stop
	if err := c.AckOrNackBlock(context.WithoutCancel(ctx)); err != nil {
		return c.abort(ctx, err)
	}

	c.logger.Info("consumer stopped",
		"queue", c.queue.Name(),
		"consumerTag", c.consumerTag,
		"consumed", c.consumed,
	)
	return nil
}

// abort flushes what is still pending, closes the channel and returns cause
func (c *Consumer) abort(ctx context.Context, cause error) error {
	c.logger.Error("consumer failed",
		"queue", c.queue.Name(),
		"consumerTag", c.consumerTag,
		"error", cause,
	)

	if err := c.AckOrNackBlock(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("failed to flush pending deliveries", "error", err, "queue", c.queue.Name())
	}
	if err := c.channel.Close(); err != nil {
		c.logger.Warn("failed to close channel", "error", err, "queue", c.queue.Name())
	}
	c.keepAlive.Store(false)

	return cause
}

// onDelivery is the per-delivery callback. It returns false to stop the loop.
func (c *Consumer) onDelivery(ctx context.Context, env *contracts.Envelope) bool {
	start := c.now()

	result, err := c.strategy.HandleDelivery(ctx, c, env)
	if err != nil {
		c.logger.Error("delivery handling failed",
			"queue", c.queue.Name(),
			"deliveryTag", env.DeliveryTag,
			"messageType", env.Type,
			"correlationId", env.CorrelationID,
			"error", err,
		)
		requeue, policyErr := c.HandleException(ctx, err)
		if policyErr != nil {
			c.failure = policyErr
			return false
		}
		result = contracts.RejectResult(requeue)
	} else if err := contracts.CheckDeliveryResult(result); err != nil {
		c.failure = err
		return false
	}

	c.metrics.RecordDelivery(c.queue.Name(), result, c.now().Sub(start))

	if err := c.strategy.ProcessResult(ctx, c, env, result); err != nil {
		c.failure = err
		return false
	}

	if c.unacked > 0 && (c.blockFull() || c.now().Sub(c.lastAck) > c.idleTimeout) {
		if err := c.AckOrNackBlock(ctx); err != nil {
			c.failure = err
			return false
		}
	}

	if !c.keepAlive.Load() || (c.target != 0 && c.consumed >= c.target) || ctx.Err() != nil {
		if err := c.AckOrNackBlock(context.WithoutCancel(ctx)); err != nil {
			c.failure = err
			return false
		}
		c.Shutdown()
		return false
	}

	return true
}

// blockFull reports whether the pending block reached the prefetch count.
// A zero block size never fills; the idle timeout flushes instead.
func (c *Consumer) blockFull() bool {
	return c.blockSize > 0 && c.unacked >= c.blockSize
}

// Settle records the disposition of env in the batch. Rejections are nacked
// immediately and never join the block; acks and deferrals join it, and acks
// settle the block right away. Every settled delivery counts toward the target.
func (c *Consumer) Settle(env *contracts.Envelope, result contracts.DeliveryResult) error {
	c.consumed++

	switch result {
	case contracts.Reject, contracts.RejectRequeue:
		requeue := result == contracts.RejectRequeue
		if err := c.queue.Nack(env.DeliveryTag, false, requeue); err != nil {
			return c.settleError("nack", env.DeliveryTag, err)
		}
		c.logger.Debug("delivery rejected",
			"queue", c.queue.Name(),
			"deliveryTag", env.DeliveryTag,
			"requeue", requeue,
		)
		return nil

	case contracts.Ack:
		c.track(env)
		return c.Ack()

	case contracts.Defer:
		c.track(env)
		return nil

	default:
		return contracts.CheckDeliveryResult(result)
	}
}

// AcknowledgeNow counts env as consumed and acknowledges it, together with
// anything still pending, before it is processed
func (c *Consumer) AcknowledgeNow(env *contracts.Envelope) error {
	c.consumed++
	c.track(env)
	return c.Ack()
}

func (c *Consumer) track(env *contracts.Envelope) {
	c.unacked++
	c.lastDeliveryTag = env.DeliveryTag
	c.pending = true
	c.lastMessage = c.now()
}

// HandleException consults the error handler and reports whether the failed
// delivery (or block) should be requeued. Without a handler, or when the
// handler has no opinion, failures are requeued. An undeclared action is a
// configuration error and is returned.
func (c *Consumer) HandleException(ctx context.Context, err error) (bool, error) {
	if c.errorHandler == nil {
		return true, nil
	}

	switch action := c.errorHandler.HandleError(ctx, err, c); action {
	case ActionDefault, ActionRequeue:
		return true, nil
	case ActionDiscard:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %d", ErrInvalidErrorAction, int(action))
	}
}

// flushDeferred asks the flush handler what to do with the pending block
func (c *Consumer) flushDeferred(ctx context.Context) (contracts.FlushResult, error) {
	if c.flushHandler == nil {
		return contracts.FlushAck, nil
	}

	result, err := c.flushHandler.Flush(ctx, c.queue)
	if err != nil {
		c.logger.Error("flush handler failed",
			"queue", c.queue.Name(),
			"pending", c.unacked,
			"error", err,
		)
		requeue, policyErr := c.HandleException(ctx, err)
		if policyErr != nil {
			return 0, policyErr
		}
		return contracts.FlushRejectResult(requeue), nil
	}

	if err := contracts.CheckFlushResult(result); err != nil {
		return 0, err
	}
	return result, nil
}

// AckOrNackBlock settles the pending block according to the flush handler.
// It does nothing when no delivery is pending.
func (c *Consumer) AckOrNackBlock(ctx context.Context) error {
	if !c.pending {
		return nil
	}

	result, err := c.flushDeferred(ctx)
	if err != nil {
		return err
	}

	switch result {
	case contracts.FlushAck:
		return c.Ack()
	case contracts.FlushReject:
		return c.NackAll(false)
	case contracts.FlushRejectRequeue:
		return c.NackAll(true)
	default:
		return contracts.CheckFlushResult(result)
	}
}

// Ack acknowledges every delivery up to the last pending delivery tag
func (c *Consumer) Ack() error {
	if !c.pending {
		return nil
	}

	if err := c.queue.Ack(c.lastDeliveryTag, true); err != nil {
		return c.settleError("ack", c.lastDeliveryTag, err)
	}

	rate := throughput(c.unacked, c.lastMessage.Sub(c.lastAck))
	c.logger.Debug("acknowledged block",
		"queue", c.queue.Name(),
		"deliveryTag", c.lastDeliveryTag,
		"count", c.unacked,
		"rate", rate,
	)
	c.metrics.RecordSettlement(c.queue.Name(), contracts.FlushAck, c.unacked, rate)
	c.reset()

	return nil
}

// NackAll rejects every delivery up to the last pending delivery tag
func (c *Consumer) NackAll(requeue bool) error {
	if !c.pending {
		return nil
	}

	if err := c.queue.Nack(c.lastDeliveryTag, true, requeue); err != nil {
		return c.settleError("nack", c.lastDeliveryTag, err)
	}

	c.logger.Warn("rejected block",
		"queue", c.queue.Name(),
		"deliveryTag", c.lastDeliveryTag,
		"count", c.unacked,
		"requeue", requeue,
	)
	c.metrics.RecordSettlement(c.queue.Name(), contracts.FlushRejectResult(requeue), c.unacked, 0)
	c.reset()

	return nil
}

func (c *Consumer) reset() {
	c.lastDeliveryTag = 0
	c.pending = false
	c.unacked = 0
	c.lastAck = c.now()
}

func (c *Consumer) settleError(op string, tag uint64, err error) error {
	return &ConsumerError{
		Queue:       c.queue.Name(),
		ConsumerTag: c.consumerTag,
		Op:          op,
		DeliveryTag: tag,
		Err:         err,
		Timestamp:   c.now(),
	}
}

// throughput returns messages per second, or 0 for an empty interval
func throughput(count int, interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(count) / interval.Seconds()
}

// Shutdown stops the consumer from accepting further deliveries and cancels
// its subscription. It is safe to call more than once and from any goroutine.
func (c *Consumer) Shutdown() {
	c.keepAlive.Store(false)
	c.cancelOnce.Do(func() {
		c.logger.Info("cancelling subscription",
			"queue", c.queue.Name(),
			"consumerTag", c.consumerTag,
		)
		if err := c.queue.Cancel(c.consumerTag); err != nil {
			c.logger.Error("failed to cancel subscription",
				"queue", c.queue.Name(),
				"consumerTag", c.consumerTag,
				"error", err,
			)
		}
	})
}

// Queue returns the consumed queue
func (c *Consumer) Queue() Queue {
	return c.queue
}

// ConsumerTag returns the tag the consumer subscribes with
func (c *Consumer) ConsumerTag() string {
	return c.consumerTag
}

// Logger returns the consumer's logger
func (c *Consumer) Logger() *slog.Logger {
	return c.logger
}

// ConsumerStats is a snapshot of the consumer state
type ConsumerStats struct {
	Consumed        int
	Unacked         int
	LastDeliveryTag uint64
	Pending         bool
	KeepAlive       bool
	IdleTimeout     time.Duration
	BlockSize       int
	Target          int
	LastAck         time.Time
	LastMessage     time.Time
}

// Stats returns a snapshot of the consumer state. Like every method other
// than Shutdown, it must be called from the consuming goroutine or after
// Consume returned.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed:        c.consumed,
		Unacked:         c.unacked,
		LastDeliveryTag: c.lastDeliveryTag,
		Pending:         c.pending,
		KeepAlive:       c.keepAlive.Load(),
		IdleTimeout:     c.idleTimeout,
		BlockSize:       c.blockSize,
		Target:          c.target,
		LastAck:         c.lastAck,
		LastMessage:     c.lastMessage,
	}
}
