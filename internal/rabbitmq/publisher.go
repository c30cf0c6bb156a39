package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const confirmBuffer = 64

// Exchange publishes to one exchange on one channel
type Exchange struct {
	channel        *Channel
	name           string
	mandatory      bool
	confirm        bool
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
}

var _ messaging.Exchange = (*Exchange)(nil)

// ExchangeOption configures the Exchange
type ExchangeOption func(*Exchange)

// WithConfirmMode puts the channel in confirm mode; Publish then waits up to
// timeout for the broker to confirm each message
func WithConfirmMode(timeout time.Duration) ExchangeOption {
	return func(e *Exchange) {
		e.confirm = true
		e.confirmTimeout = timeout
	}
}

// WithMandatory publishes with the mandatory flag. In confirm mode an
// unroutable message fails the publish.
func WithMandatory(mandatory bool) ExchangeOption {
	return func(e *Exchange) {
		e.mandatory = mandatory
	}
}

// WithExchangeLogger sets the logger
func WithExchangeLogger(logger *slog.Logger) ExchangeOption {
	return func(e *Exchange) {
		e.logger = logger
	}
}

// NewExchange creates a publisher for the exchange called name ("" is the
// default exchange)
func NewExchange(channel *Channel, name string, options ...ExchangeOption) (*Exchange, error) {
	e := &Exchange{
		channel:        channel,
		name:           name,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(e)
	}

	if e.confirm {
		if e.confirmTimeout <= 0 {
			return nil, fmt.Errorf("%w: confirm timeout must be positive", ErrInvalidConfiguration)
		}
		if err := channel.ch.Confirm(false); err != nil {
			return nil, channel.channelError("confirm", err)
		}
		// Late confirmations of timed-out publishes wait here until the next
		// Publish discards them; a full buffer would stall the connection
		e.confirms = channel.ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
		e.returns = channel.ch.NotifyReturn(make(chan amqp.Return, confirmBuffer))
	}

	return e, nil
}

// Name implements messaging.Exchange
func (e *Exchange) Name() string {
	return e.name
}

// Publish implements messaging.Exchange
func (e *Exchange) Publish(ctx context.Context, routingKey string, body []byte, attrs contracts.Attributes) error {
	msg := ToPublishing(body, attrs)

	// Publishes are serialized so sequence numbers follow publish order
	e.mu.Lock()
	defer e.mu.Unlock()

	var seq uint64
	if e.confirm {
		seq = e.channel.ch.GetNextPublishSeqNo()
	}

	if err := e.channel.ch.PublishWithContext(ctx, e.name, routingKey, e.mandatory, false, msg); err != nil {
		return e.publishError(routingKey, err)
	}

	if !e.confirm {
		return nil
	}
	return e.waitForConfirm(ctx, routingKey, seq, msg)
}

// waitForConfirm waits for the confirmation carrying delivery tag seq.
// Confirmations with lower tags and returns of other messages belong to
// earlier publishes that gave up waiting, and are dropped.
func (e *Exchange) waitForConfirm(ctx context.Context, routingKey string, seq uint64, msg amqp.Publishing) error {
	timer := time.NewTimer(e.confirmTimeout)
	defer timer.Stop()

	returned := false
	for {
		select {
		case ret, ok := <-e.returns:
			if !ok {
				return e.publishError(routingKey, ErrChannelClosed)
			}
			if !sameMessage(ret, msg) {
				e.logStaleReturn(ret)
				continue
			}
			// The confirm for a returned message still follows
			returned = true
			e.logReturn(routingKey, ret)

		case confirm, ok := <-e.confirms:
			if !ok {
				return e.publishError(routingKey, ErrChannelClosed)
			}
			if confirm.DeliveryTag < seq {
				e.logger.Debug("discarding stale publish confirmation",
					"exchange", e.name,
					"deliveryTag", confirm.DeliveryTag,
					"ack", confirm.Ack,
					"expected", seq,
				)
				continue
			}
			if !confirm.Ack {
				return e.publishError(routingKey, ErrPublishNotConfirmed)
			}
			// The broker sends basic.return before the confirm
			returned = returned || e.drainReturns(routingKey, msg)
			if returned {
				return e.publishError(routingKey, fmt.Errorf("%w: message unroutable", ErrPublishNotConfirmed))
			}
			return nil

		case <-timer.C:
			return e.publishError(routingKey, ErrPublishTimeout)

		case <-ctx.Done():
			return e.publishError(routingKey, ctx.Err())
		}
	}
}

// drainReturns consumes the returns already buffered and reports whether one
// of them is msg
func (e *Exchange) drainReturns(routingKey string, msg amqp.Publishing) bool {
	for {
		select {
		case ret, ok := <-e.returns:
			if !ok {
				return false
			}
			if sameMessage(ret, msg) {
				e.logReturn(routingKey, ret)
				return true
			}
			e.logStaleReturn(ret)
		default:
			return false
		}
	}
}

// sameMessage matches a basic.return to a publishing by message and
// correlation id
func sameMessage(ret amqp.Return, msg amqp.Publishing) bool {
	return ret.MessageId == msg.MessageId && ret.CorrelationId == msg.CorrelationId
}

func (e *Exchange) logStaleReturn(ret amqp.Return) {
	e.logger.Debug("discarding return of an earlier publish",
		"exchange", e.name,
		"routingKey", ret.RoutingKey,
		"messageId", ret.MessageId,
		"correlationId", ret.CorrelationId,
	)
}

func (e *Exchange) logReturn(routingKey string, ret amqp.Return) {
	e.logger.Warn("message returned by broker",
		"exchange", e.name,
		"routingKey", routingKey,
		"replyCode", ret.ReplyCode,
		"replyText", ret.ReplyText,
	)
}

func (e *Exchange) publishError(routingKey string, err error) error {
	return &PublishError{
		Exchange:   e.name,
		RoutingKey: routingKey,
		Mandatory:  e.mandatory,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// ToPublishing converts envelope attributes into an AMQP publishing
func ToPublishing(body []byte, attrs contracts.Attributes) amqp.Publishing {
	var headers amqp.Table
	if len(attrs.Headers) > 0 {
		headers = make(amqp.Table, len(attrs.Headers))
		for k, v := range attrs.Headers {
			headers[k] = v
		}
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     attrs.ContentType,
		ContentEncoding: attrs.ContentEncoding,
		DeliveryMode:    attrs.DeliveryMode,
		CorrelationId:   attrs.CorrelationID,
		ReplyTo:         attrs.ReplyTo,
		Expiration:      attrs.Expiration,
		MessageId:       attrs.MessageID,
		Timestamp:       attrs.Timestamp,
		Type:            attrs.Type,
		AppId:           attrs.AppID,
		Body:            body,
	}
}
