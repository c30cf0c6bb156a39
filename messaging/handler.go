package messaging

import (
	"context"
	"runtime/debug"

	"github.com/glimte/mmate-consumer/contracts"
)

// DeliveryHandler processes a business delivery and chooses its disposition
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, env *contracts.Envelope, queue Queue) (contracts.DeliveryResult, error)
}

// DeliveryHandlerFunc is a function that implements DeliveryHandler
type DeliveryHandlerFunc func(ctx context.Context, env *contracts.Envelope, queue Queue) (contracts.DeliveryResult, error)

// HandleDelivery implements DeliveryHandler
func (f DeliveryHandlerFunc) HandleDelivery(ctx context.Context, env *contracts.Envelope, queue Queue) (contracts.DeliveryResult, error) {
	return f(ctx, env, queue)
}

// FlushHandler decides the disposition of a whole block of pending deliveries
type FlushHandler interface {
	Flush(ctx context.Context, queue Queue) (contracts.FlushResult, error)
}

// FlushHandlerFunc is a function that implements FlushHandler
type FlushHandlerFunc func(ctx context.Context, queue Queue) (contracts.FlushResult, error)

// Flush implements FlushHandler
func (f FlushHandlerFunc) Flush(ctx context.Context, queue Queue) (contracts.FlushResult, error) {
	return f(ctx, queue)
}

// ErrorAction determines whether a failed delivery or block is requeued
type ErrorAction int

const (
	ActionDefault ErrorAction = iota // No opinion: requeue
	ActionRequeue                    // Nack and requeue for redelivery
	ActionDiscard                    // Nack without requeue
)

// ErrorHandler chooses what happens to deliveries whose handling failed
type ErrorHandler interface {
	HandleError(ctx context.Context, err error, consumer *Consumer) ErrorAction
}

// ErrorHandlerFunc is a function that implements ErrorHandler
type ErrorHandlerFunc func(ctx context.Context, err error, consumer *Consumer) ErrorAction

// HandleError implements ErrorHandler
func (f ErrorHandlerFunc) HandleError(ctx context.Context, err error, consumer *Consumer) ErrorAction {
	return f(ctx, err, consumer)
}

// DeliveryStrategy plugs delivery handling and settlement into a Consumer.
//
// HandleDelivery produces the disposition of a delivery (an error is turned
// into a reject by the consumer's error policy). ProcessResult then settles
// the delivery with the consumer.
type DeliveryStrategy interface {
	HandleDelivery(ctx context.Context, consumer *Consumer, env *contracts.Envelope) (contracts.DeliveryResult, error)
	ProcessResult(ctx context.Context, consumer *Consumer, env *contracts.Envelope, result contracts.DeliveryResult) error
}

// BatchStrategy routes control messages to the consumer and everything else to
// a DeliveryHandler, and settles results through the consumer's batch.
type BatchStrategy struct {
	handler DeliveryHandler
}

// NewBatchStrategy creates a batching strategy around handler
func NewBatchStrategy(handler DeliveryHandler) *BatchStrategy {
	return &BatchStrategy{handler: handler}
}

// HandleDelivery implements DeliveryStrategy
func (s *BatchStrategy) HandleDelivery(ctx context.Context, consumer *Consumer, env *contracts.Envelope) (result contracts.DeliveryResult, err error) {
	if env.IsControl() {
		return consumer.HandleInternalMessage(env), nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return s.handler.HandleDelivery(ctx, env, consumer.Queue())
}

// ProcessResult implements DeliveryStrategy
func (s *BatchStrategy) ProcessResult(ctx context.Context, consumer *Consumer, env *contracts.Envelope, result contracts.DeliveryResult) error {
	return consumer.Settle(env, result)
}
