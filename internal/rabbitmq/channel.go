package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the part of *amqp.Channel the transport uses
type AMQPChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	GetNextPublishSeqNo() uint64
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	IsClosed() bool
	Close() error
}

var _ AMQPChannel = (*amqp.Channel)(nil)

// Channel is an AMQP channel that remembers its prefetch settings, which the
// protocol offers no way to read back
type Channel struct {
	ch     AMQPChannel
	id     string
	logger *slog.Logger

	mu            sync.Mutex
	prefetchCount int
	prefetchSize  int
	closed        bool
}

// ChannelOption configures the Channel
type ChannelOption func(*Channel)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = logger
	}
}

func withChannelID(id string) ChannelOption {
	return func(c *Channel) {
		c.id = id
	}
}

// NewChannel wraps ch
func NewChannel(ch AMQPChannel, options ...ChannelOption) *Channel {
	c := &Channel{
		ch:     ch,
		id:     "channel",
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ID returns the channel identifier used in logs and errors
func (c *Channel) ID() string {
	return c.id
}

// PrefetchCount returns the prefetch count last applied with Qos
func (c *Channel) PrefetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetchCount
}

// PrefetchSize returns the prefetch size last applied with Qos
func (c *Channel) PrefetchSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetchSize
}

// Qos applies the prefetch settings to the channel. The remembered values
// change only when the broker accepted them.
func (c *Channel) Qos(prefetchSize, prefetchCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.Qos(prefetchCount, prefetchSize, false); err != nil {
		return c.channelError("qos", err)
	}
	c.prefetchCount = prefetchCount
	c.prefetchSize = prefetchSize

	c.logger.Debug("applied channel QoS",
		"channelId", c.id,
		"prefetchCount", prefetchCount,
		"prefetchSize", prefetchSize,
	)
	return nil
}

// Close closes the channel. Closing twice is not an error.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.ch.IsClosed() {
		c.closed = true
		return nil
	}
	c.closed = true

	if err := c.ch.Close(); err != nil {
		return c.channelError("close", err)
	}
	return nil
}

// IsClosed reports whether the channel was closed by either side
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.ch.IsClosed()
}

func (c *Channel) channelError(op string, err error) error {
	return &ChannelError{
		Op:        op,
		ChannelID: c.id,
		Err:       err,
		Timestamp: time.Now(),
	}
}
