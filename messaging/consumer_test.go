package messaging_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/messaging"
	"github.com/glimte/mmate-consumer/messaging/messagingtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func ack(tag uint64) messagingtest.Settlement {
	return messagingtest.Settlement{Op: "ack", Tag: tag, Multiple: true}
}

func nack(tag uint64, multiple, requeue bool) messagingtest.Settlement {
	return messagingtest.Settlement{Op: "nack", Tag: tag, Multiple: multiple, Requeue: requeue}
}

// results answers each delivery with the result mapped to its tag, Defer otherwise
func results(byTag map[uint64]contracts.DeliveryResult) messaging.DeliveryHandlerFunc {
	return func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
		if r, ok := byTag[env.DeliveryTag]; ok {
			return r, nil
		}
		return contracts.Defer, nil
	}
}

func deliveries(n int) []*contracts.Envelope {
	envs := make([]*contracts.Envelope, 0, n)
	for i := 1; i <= n; i++ {
		envs = append(envs, messagingtest.Delivery(uint64(i), `{}`))
	}
	return envs
}

func newConsumer(t *testing.T, queue *messagingtest.Queue, channel *messagingtest.Channel, handler messaging.DeliveryHandler, opts ...messaging.ConsumerOption) *messaging.Consumer {
	t.Helper()
	opts = append([]messaging.ConsumerOption{
		messaging.WithConsumerLogger(quietLogger),
		messaging.WithConsumerTag("test-consumer"),
	}, opts...)
	c, err := messaging.NewConsumer(queue, channel, messaging.NewBatchStrategy(handler), opts...)
	require.NoError(t, err)
	return c
}

func TestNewConsumer(t *testing.T) {
	queue := messagingtest.NewQueue("orders")
	channel := messagingtest.NewChannel(10)
	strategy := messaging.NewBatchStrategy(results(nil))

	t.Run("NewConsumer creates consumer with default tag", func(t *testing.T) {
		c, err := messaging.NewConsumer(queue, channel, strategy)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(c.ConsumerTag(), "mmate-"))
		assert.Equal(t, "orders", c.Queue().Name())
		assert.Equal(t, messaging.DefaultIdleTimeout, c.Stats().IdleTimeout)
		assert.True(t, c.Stats().KeepAlive)
	})

	t.Run("NewConsumer rejects nil dependencies", func(t *testing.T) {
		_, err := messaging.NewConsumer(nil, channel, strategy)
		assert.Error(t, err)
		_, err = messaging.NewConsumer(queue, nil, strategy)
		assert.Error(t, err)
		_, err = messaging.NewConsumer(queue, channel, nil)
		assert.Error(t, err)
	})

	t.Run("NewConsumer rejects negative idle timeout", func(t *testing.T) {
		_, err := messaging.NewConsumer(queue, channel, strategy, messaging.WithIdleTimeout(-time.Second))
		assert.Error(t, err)
	})
}

func TestConsumeBatching(t *testing.T) {
	t.Run("deferred deliveries are acknowledged once the block fills", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(3)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(3), results(nil))

		err := c.Consume(context.Background(), 3)

		require.NoError(t, err)
		assert.Equal(t, []messagingtest.Settlement{ack(3)}, queue.Settlements())
		assert.Equal(t, []string{"test-consumer"}, queue.Cancelled())
		assert.Equal(t, 3, c.Stats().Consumed)
		assert.Equal(t, 0, c.Stats().Unacked)
	})

	t.Run("two full blocks produce two cumulative acks", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(4)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(2), results(nil))

		require.NoError(t, c.Consume(context.Background(), 4))
		assert.Equal(t, []messagingtest.Settlement{ack(2), ack(4)}, queue.Settlements())
	})

	t.Run("acked deliveries are acknowledged immediately", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(2)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(10), results(map[uint64]contracts.DeliveryResult{
			1: contracts.Ack,
			2: contracts.Ack,
		}))

		require.NoError(t, c.Consume(context.Background(), 2))
		assert.Equal(t, []messagingtest.Settlement{ack(1), ack(2)}, queue.Settlements())
	})

	t.Run("an ack settles earlier deferrals with it", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(3)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(10), results(map[uint64]contracts.DeliveryResult{
			3: contracts.Ack,
		}))

		require.NoError(t, c.Consume(context.Background(), 3))
		assert.Equal(t, []messagingtest.Settlement{ack(3)}, queue.Settlements())
	})

	t.Run("partial block is flushed once the idle timeout elapses", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		clock := func() time.Time { return now }
		handler := messaging.DeliveryHandlerFunc(func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
			now = now.Add(3 * time.Second)
			return contracts.Defer, nil
		})

		queue := messagingtest.NewQueue("orders", deliveries(3)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(10), handler,
			messaging.WithClock(clock),
			messaging.WithIdleTimeout(5*time.Second),
		)

		require.NoError(t, c.Consume(context.Background(), 3))
		// 6s after the start the second delivery triggers the idle flush,
		// the third is flushed when the target is reached
		assert.Equal(t, []messagingtest.Settlement{ack(2), ack(3)}, queue.Settlements())
	})

	t.Run("zero prefetch count relies on the idle timeout", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(5)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(0), results(nil))

		require.NoError(t, c.Consume(context.Background(), 5))
		assert.Equal(t, []messagingtest.Settlement{ack(5)}, queue.Settlements())
	})
}

func TestConsumeTarget(t *testing.T) {
	t.Run("consumer stops and cancels after target deliveries", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(5)...)
		handled := 0
		handler := messaging.DeliveryHandlerFunc(func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
			handled++
			return contracts.Ack, nil
		})
		c := newConsumer(t, queue, messagingtest.NewChannel(10), handler)

		require.NoError(t, c.Consume(context.Background(), 2))

		assert.Equal(t, 2, handled)
		assert.Equal(t, []messagingtest.Settlement{ack(1), ack(2)}, queue.Settlements())
		assert.Equal(t, []string{"test-consumer"}, queue.Cancelled())
		assert.False(t, c.Stats().KeepAlive)
	})

	t.Run("rejections count toward the target but not toward the block", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(4)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(2), results(map[uint64]contracts.DeliveryResult{
			1: contracts.Reject,
			3: contracts.RejectRequeue,
		}))

		require.NoError(t, c.Consume(context.Background(), 4))

		assert.Equal(t, []messagingtest.Settlement{
			nack(1, false, false),
			nack(3, false, true),
			ack(4),
		}, queue.Settlements())
		assert.Equal(t, 4, c.Stats().Consumed)
	})

	t.Run("negative target is rejected", func(t *testing.T) {
		c := newConsumer(t, messagingtest.NewQueue("orders"), messagingtest.NewChannel(1), results(nil))
		err := c.Consume(context.Background(), -1)
		assert.ErrorIs(t, err, messaging.ErrInvalidTarget)
	})

	t.Run("consume after shutdown is refused", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders")
		c := newConsumer(t, queue, messagingtest.NewChannel(1), results(nil))
		c.Shutdown()
		c.Shutdown()

		assert.ErrorIs(t, c.Consume(context.Background(), 0), messaging.ErrConsumerStopped)
		assert.Equal(t, []string{"test-consumer"}, queue.Cancelled())
	})
}

func TestConsumeErrorPolicy(t *testing.T) {
	failing := func(tags ...uint64) messaging.DeliveryHandlerFunc {
		return func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
			for _, tag := range tags {
				if env.DeliveryTag == tag {
					return contracts.Ack, errors.New("boom")
				}
			}
			return contracts.Defer, nil
		}
	}

	t.Run("handler failure is requeued by default", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(1)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(10), failing(1))

		require.NoError(t, c.Consume(context.Background(), 1))
		assert.Equal(t, []messagingtest.Settlement{nack(1, false, true)}, queue.Settlements())
	})

	t.Run("error handler may discard the delivery", func(t *testing.T) {
		var seen error
		queue := messagingtest.NewQueue("orders", deliveries(1)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(10), failing(1),
			messaging.WithErrorHandler(messaging.ErrorHandlerFunc(func(ctx context.Context, err error, consumer *messaging.Consumer) messaging.ErrorAction {
				seen = err
				return messaging.ActionDiscard
			})),
		)

		require.NoError(t, c.Consume(context.Background(), 1))
		assert.Equal(t, []messagingtest.Settlement{nack(1, false, false)}, queue.Settlements())
		assert.EqualError(t, seen, "boom")
	})

	t.Run("handler panic is recovered and requeued", func(t *testing.T) {
		var seen error
		handler := messaging.DeliveryHandlerFunc(func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
			panic("handler exploded")
		})
		queue := messagingtest.NewQueue("orders", deliveries(1)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(10), handler,
			messaging.WithErrorHandler(messaging.ErrorHandlerFunc(func(ctx context.Context, err error, consumer *messaging.Consumer) messaging.ErrorAction {
				seen = err
				return messaging.ActionRequeue
			})),
		)

		require.NoError(t, c.Consume(context.Background(), 1))
		assert.Equal(t, []messagingtest.Settlement{nack(1, false, true)}, queue.Settlements())

		var panicErr *messaging.PanicError
		require.ErrorAs(t, seen, &panicErr)
		assert.Equal(t, "handler exploded", panicErr.Value)
		assert.NotEmpty(t, panicErr.Stack)
	})

	t.Run("undeclared error action stops the consumer", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(2)...)
		channel := messagingtest.NewChannel(10)
		channel.On("Close").Return(nil).Once()
		c := newConsumer(t, queue, channel, failing(2),
			messaging.WithErrorHandler(messaging.ErrorHandlerFunc(func(ctx context.Context, err error, consumer *messaging.Consumer) messaging.ErrorAction {
				return messaging.ErrorAction(42)
			})),
		)

		err := c.Consume(context.Background(), 0)

		assert.ErrorIs(t, err, messaging.ErrInvalidErrorAction)
		assert.Equal(t, []messagingtest.Settlement{ack(1)}, queue.Settlements())
		assert.False(t, c.Stats().KeepAlive)
		channel.AssertExpectations(t)
	})

	t.Run("undeclared delivery result stops the consumer", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(1)...)
		channel := messagingtest.NewChannel(10)
		channel.On("Close").Return(nil).Once()
		c := newConsumer(t, queue, channel, results(map[uint64]contracts.DeliveryResult{
			1: contracts.DeliveryResult(99),
		}))

		err := c.Consume(context.Background(), 0)

		assert.ErrorIs(t, err, contracts.ErrInvalidDeliveryResult)
		assert.Empty(t, queue.Settlements())
		channel.AssertExpectations(t)
	})
}

func TestConsumeFlushHandler(t *testing.T) {
	t.Run("flush handler may reject the block for redelivery", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(2)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(2), results(nil),
			messaging.WithFlushHandler(messaging.FlushHandlerFunc(func(ctx context.Context, queue messaging.Queue) (contracts.FlushResult, error) {
				return contracts.FlushRejectRequeue, nil
			})),
		)

		require.NoError(t, c.Consume(context.Background(), 2))
		assert.Equal(t, []messagingtest.Settlement{nack(2, true, true)}, queue.Settlements())
	})

	t.Run("flush handler failure goes through the error policy", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(2)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(2), results(nil),
			messaging.WithFlushHandler(messaging.FlushHandlerFunc(func(ctx context.Context, queue messaging.Queue) (contracts.FlushResult, error) {
				return contracts.FlushAck, errors.New("commit failed")
			})),
			messaging.WithErrorHandler(messaging.ErrorHandlerFunc(func(ctx context.Context, err error, consumer *messaging.Consumer) messaging.ErrorAction {
				return messaging.ActionDiscard
			})),
		)

		require.NoError(t, c.Consume(context.Background(), 2))
		assert.Equal(t, []messagingtest.Settlement{nack(2, true, false)}, queue.Settlements())
	})

	t.Run("undeclared flush result stops the consumer", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(2)...)
		channel := messagingtest.NewChannel(2)
		channel.On("Close").Return(nil).Once()
		c := newConsumer(t, queue, channel, results(nil),
			messaging.WithFlushHandler(messaging.FlushHandlerFunc(func(ctx context.Context, queue messaging.Queue) (contracts.FlushResult, error) {
				return contracts.FlushResult(7), nil
			})),
		)

		err := c.Consume(context.Background(), 0)

		assert.ErrorIs(t, err, contracts.ErrInvalidFlushResult)
		assert.Empty(t, queue.Settlements())
		channel.AssertExpectations(t)
	})
}

func TestConsumeStop(t *testing.T) {
	t.Run("transport failure flushes pending deliveries and closes the channel", func(t *testing.T) {
		cause := errors.New("connection reset by peer")
		queue := messagingtest.NewQueue("orders", deliveries(2)...)
		queue.ConsumeErr = cause
		channel := messagingtest.NewChannel(10)
		channel.On("Close").Return(nil).Once()
		c := newConsumer(t, queue, channel, results(nil))

		err := c.Consume(context.Background(), 0)

		require.Error(t, err)
		assert.ErrorIs(t, err, cause)
		var consumerErr *messaging.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "consume", consumerErr.Op)
		assert.Equal(t, "orders", consumerErr.Queue)
		assert.Equal(t, []messagingtest.Settlement{ack(2)}, queue.Settlements())
		channel.AssertExpectations(t)
	})

	t.Run("ack failure is surfaced as a consumer error", func(t *testing.T) {
		queue := messagingtest.NewQueue("orders", deliveries(1)...)
		queue.AckErr = errors.New("channel closed")
		channel := messagingtest.NewChannel(10)
		channel.On("Close").Return(nil).Once()
		c := newConsumer(t, queue, channel, results(map[uint64]contracts.DeliveryResult{1: contracts.Ack}))

		err := c.Consume(context.Background(), 0)

		var consumerErr *messaging.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "ack", consumerErr.Op)
		assert.Equal(t, uint64(1), consumerErr.DeliveryTag)
		channel.AssertExpectations(t)
	})

	t.Run("context cancellation flushes and stops cleanly", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		handler := messaging.DeliveryHandlerFunc(func(hctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
			if env.DeliveryTag == 2 {
				cancel()
			}
			return contracts.Defer, nil
		})
		queue := messagingtest.NewQueue("orders", deliveries(4)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(10), handler)

		require.NoError(t, c.Consume(ctx, 0))
		assert.Equal(t, []messagingtest.Settlement{ack(2)}, queue.Settlements())
		assert.Equal(t, []string{"test-consumer"}, queue.Cancelled())
	})

	t.Run("context deadline while idle flushes and stops cleanly", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		queue := messagingtest.NewQueue("orders", deliveries(1)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(10), results(nil))

		require.NoError(t, c.Consume(ctx, 0))
		assert.Equal(t, []messagingtest.Settlement{ack(1)}, queue.Settlements())
		assert.Equal(t, []string{"test-consumer"}, queue.Cancelled())
	})

	t.Run("shutdown from another goroutine stops an idle consumer", func(t *testing.T) {
		handled := make(chan struct{})
		handler := messaging.DeliveryHandlerFunc(func(ctx context.Context, env *contracts.Envelope, queue messaging.Queue) (contracts.DeliveryResult, error) {
			close(handled)
			return contracts.Defer, nil
		})
		queue := messagingtest.NewQueue("orders", deliveries(1)...)
		c := newConsumer(t, queue, messagingtest.NewChannel(10), handler)

		done := make(chan error, 1)
		go func() {
			done <- c.Consume(context.Background(), 0)
		}()

		<-handled
		c.Shutdown()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("consumer did not stop after shutdown")
		}
		assert.Equal(t, []messagingtest.Settlement{ack(1)}, queue.Settlements())
	})
}
