// Package messaging provides the consumer engine of the mmate consumer framework.
//
// A Consumer pulls deliveries from a Queue, hands them to a DeliveryStrategy
// and settles them with the broker:
//   - Ack results are acknowledged at once (cumulatively, settling any deferred deliveries too)
//   - Defer results join a pending block that is flushed when it reaches the
//     prefetch count or when the idle timeout has elapsed since the last ack
//   - Reject and RejectRequeue results are nacked individually and never join the block
//
// Handler failures are turned into rejects by an ErrorHandler (requeue by
// default). Blocks are settled according to an optional FlushHandler (ack by
// default).
//
// Deliveries whose app id is contracts.ControlAppID are control-plane
// messages: "shutdown" stops the consumer and "reconfigure" replaces the idle
// timeout, target and prefetch settings at runtime.
//
// Example usage:
//
//	handler := messaging.DeliveryHandlerFunc(func(ctx context.Context, env *contracts.Envelope, q messaging.Queue) (contracts.DeliveryResult, error) {
//		if err := store(env.Body); err != nil {
//			return contracts.Reject, err
//		}
//		return contracts.Defer, nil
//	})
//
//	consumer, err := messaging.NewConsumer(queue, channel, messaging.NewBatchStrategy(handler),
//		messaging.WithIdleTimeout(5*time.Second),
//	)
//	if err != nil {
//		return err
//	}
//	err = consumer.Consume(ctx, 0)
//
// A Consumer processes one delivery at a time on the goroutine running
// Consume; cancelling ctx flushes the pending block and stops the loop.
package messaging
