package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue consumes one queue on one channel. Acknowledgments go back on the
// same channel, as AMQP requires.
type Queue struct {
	channel   *Channel
	name      string
	exclusive bool
	arguments amqp.Table
	logger    *slog.Logger

	mu        sync.Mutex
	consuming bool
	cancelled map[string]bool
}

var _ messaging.Queue = (*Queue)(nil)

// QueueOption configures the Queue
type QueueOption func(*Queue)

// WithExclusive requests exclusive consumer access to the queue
func WithExclusive(exclusive bool) QueueOption {
	return func(q *Queue) {
		q.exclusive = exclusive
	}
}

// WithConsumeArguments sets the basic.consume arguments, e.g. x-priority
func WithConsumeArguments(args amqp.Table) QueueOption {
	return func(q *Queue) {
		q.arguments = args
	}
}

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates a consumer for the queue called name
func NewQueue(channel *Channel, name string, options ...QueueOption) *Queue {
	q := &Queue{
		channel:   channel,
		name:      name,
		logger:    slog.Default(),
		cancelled: make(map[string]bool),
	}

	for _, opt := range options {
		opt(q)
	}

	return q
}

// Name implements messaging.Queue
func (q *Queue) Name() string {
	return q.name
}

// Consume implements messaging.Queue. Deliveries are handed to fn one at a
// time on the calling goroutine, never with auto-ack.
func (q *Queue) Consume(ctx context.Context, consumerTag string, fn messaging.DeliveryFunc) error {
	q.mu.Lock()
	if q.consuming {
		q.mu.Unlock()
		return q.consumerError("consume", consumerTag, ErrAlreadyConsuming)
	}
	q.consuming = true
	delete(q.cancelled, consumerTag)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.consuming = false
		q.mu.Unlock()
	}()

	closed := q.channel.ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := q.channel.ch.Consume(
		q.name,
		consumerTag,
		false, // auto-ack
		q.exclusive,
		false, // no-local
		false, // no-wait
		q.arguments,
	)
	if err != nil {
		return q.consumerError("consume", consumerTag, err)
	}

	q.logger.Info("subscribed to queue",
		"queue", q.name,
		"consumerTag", consumerTag,
		"prefetchCount", q.channel.PrefetchCount(),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				return q.deliveriesClosed(consumerTag, closed)
			}
			if !fn(ToEnvelope(delivery)) {
				return nil
			}
		}
	}
}

// deliveriesClosed tells a requested cancel apart from the broker or the
// connection ending the subscription
func (q *Queue) deliveriesClosed(consumerTag string, closed <-chan *amqp.Error) error {
	q.mu.Lock()
	requested := q.cancelled[consumerTag]
	q.mu.Unlock()

	if requested {
		q.logger.Info("subscription cancelled", "queue", q.name, "consumerTag", consumerTag)
		return nil
	}

	select {
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			return q.consumerError("consume", consumerTag, amqpErr)
		}
		return q.consumerError("consume", consumerTag, ErrChannelClosed)
	default:
		return q.consumerError("consume", consumerTag, ErrConsumerCancelled)
	}
}

// Ack implements messaging.Queue
func (q *Queue) Ack(tag uint64, multiple bool) error {
	if err := q.channel.ch.Ack(tag, multiple); err != nil {
		return q.channel.channelError("ack", err)
	}
	return nil
}

// Nack implements messaging.Queue
func (q *Queue) Nack(tag uint64, multiple, requeue bool) error {
	if err := q.channel.ch.Nack(tag, multiple, requeue); err != nil {
		return q.channel.channelError("nack", err)
	}
	return nil
}

// Cancel implements messaging.Queue. The broker stops delivering and the
// pending Consume returns once the deliveries already in flight are drained.
func (q *Queue) Cancel(consumerTag string) error {
	q.mu.Lock()
	q.cancelled[consumerTag] = true
	q.mu.Unlock()

	if q.channel.IsClosed() {
		return nil
	}
	if err := q.channel.ch.Cancel(consumerTag, false); err != nil {
		return q.consumerError("cancel", consumerTag, err)
	}
	return nil
}

func (q *Queue) consumerError(op, consumerTag string, err error) error {
	return &ConsumerError{
		Queue:       q.name,
		ConsumerTag: consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// ToEnvelope converts an AMQP delivery into an envelope
func ToEnvelope(d amqp.Delivery) *contracts.Envelope {
	var headers map[string]interface{}
	if len(d.Headers) > 0 {
		headers = make(map[string]interface{}, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = v
		}
	}

	return &contracts.Envelope{
		Body:            d.Body,
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
		Type:            d.Type,
		AppID:           d.AppId,
		MessageID:       d.MessageId,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		ConsumerTag:     d.ConsumerTag,
		DeliveryTag:     d.DeliveryTag,
		Redelivered:     d.Redelivered,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Expiration:      d.Expiration,
		Timestamp:       d.Timestamp,
		Headers:         headers,
	}
}
