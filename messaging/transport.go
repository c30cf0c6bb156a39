package messaging

import (
	"context"

	"github.com/glimte/mmate-consumer/contracts"
)

// DeliveryFunc is invoked by a Queue for every delivery. Returning false stops
// the receive loop.
type DeliveryFunc func(env *contracts.Envelope) bool

// Queue is the consuming side of a transport, bound to one channel
type Queue interface {
	// Name returns the queue name
	Name() string

	// Consume blocks, invoking fn for each delivery in order, until fn returns
	// false, the subscription is cancelled, ctx is done or the transport fails.
	// A stop requested by fn or by Cancel returns nil; ctx cancellation returns ctx.Err().
	Consume(ctx context.Context, consumerTag string, fn DeliveryFunc) error

	// Ack acknowledges tag, and every older unacked delivery when multiple is set
	Ack(tag uint64, multiple bool) error

	// Nack rejects tag, and every older unacked delivery when multiple is set
	Nack(tag uint64, multiple, requeue bool) error

	// Cancel stops the subscription registered under consumerTag
	Cancel(consumerTag string) error
}

// Channel exposes the prefetch settings of the channel a Queue consumes on
type Channel interface {
	// PrefetchCount returns the current prefetch count
	PrefetchCount() int

	// Qos pushes new prefetch settings to the broker
	Qos(prefetchSize, prefetchCount int) error

	// Close releases the channel
	Close() error
}

// Exchange is the publishing side of a transport
type Exchange interface {
	// Name returns the exchange name
	Name() string

	// Publish sends body with the given attributes under routingKey
	Publish(ctx context.Context, routingKey string, body []byte, attrs contracts.Attributes) error
}
