// Package messagingtest provides in-memory transport fakes for testing
// consumers and delivery strategies without a broker.
package messagingtest

import (
	"context"
	"sync"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/messaging"
	"github.com/stretchr/testify/mock"
)

// Settlement is an ack or nack observed by a Queue
type Settlement struct {
	Op       string // "ack" or "nack"
	Tag      uint64
	Multiple bool
	Requeue  bool
}

// Queue replays a fixed list of deliveries. Once they are exhausted Consume
// delivers whatever is pushed with Push until the subscription is cancelled
// or ctx is done, unless ConsumeErr is set, in which case it is returned as a
// transport failure.
type Queue struct {
	name       string
	deliveries []*contracts.Envelope
	pushed     chan *contracts.Envelope

	// ConsumeErr is returned once the deliveries are exhausted
	ConsumeErr error
	// AckErr is returned by every Ack
	AckErr error
	// NackErr is returned by every Nack
	NackErr error

	mu          sync.Mutex
	settlements []Settlement
	cancelled   []string
	done        chan struct{}
	once        sync.Once
}

var _ messaging.Queue = (*Queue)(nil)

// NewQueue creates a queue delivering envs in order
func NewQueue(name string, envs ...*contracts.Envelope) *Queue {
	return &Queue{
		name:       name,
		deliveries: envs,
		pushed:     make(chan *contracts.Envelope, 64),
		done:       make(chan struct{}),
	}
}

// Name implements messaging.Queue
func (q *Queue) Name() string {
	return q.name
}

// Consume implements messaging.Queue
func (q *Queue) Consume(ctx context.Context, consumerTag string, fn messaging.DeliveryFunc) error {
	for _, env := range q.deliveries {
		select {
		case <-q.done:
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		env.ConsumerTag = consumerTag
		if !fn(env) {
			return nil
		}
	}

	if q.ConsumeErr != nil {
		return q.ConsumeErr
	}

	for {
		select {
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case env := <-q.pushed:
			env.ConsumerTag = consumerTag
			if !fn(env) {
				return nil
			}
		}
	}
}

// Push delivers env to a running or future Consume
func (q *Queue) Push(env *contracts.Envelope) {
	q.pushed <- env
}

// Ack implements messaging.Queue
func (q *Queue) Ack(tag uint64, multiple bool) error {
	if q.AckErr != nil {
		return q.AckErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.settlements = append(q.settlements, Settlement{Op: "ack", Tag: tag, Multiple: multiple})
	return nil
}

// Nack implements messaging.Queue
func (q *Queue) Nack(tag uint64, multiple, requeue bool) error {
	if q.NackErr != nil {
		return q.NackErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.settlements = append(q.settlements, Settlement{Op: "nack", Tag: tag, Multiple: multiple, Requeue: requeue})
	return nil
}

// Cancel implements messaging.Queue
func (q *Queue) Cancel(consumerTag string) error {
	q.mu.Lock()
	q.cancelled = append(q.cancelled, consumerTag)
	q.mu.Unlock()
	q.once.Do(func() { close(q.done) })
	return nil
}

// Settlements returns every ack and nack in the order they were sent
func (q *Queue) Settlements() []Settlement {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Settlement(nil), q.settlements...)
}

// Cancelled returns the consumer tags passed to Cancel
func (q *Queue) Cancelled() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.cancelled...)
}

// Channel is a mock channel. PrefetchCount reports the count given to
// NewChannel or the last successful Qos.
type Channel struct {
	mock.Mock

	mu            sync.Mutex
	prefetchCount int
}

var _ messaging.Channel = (*Channel)(nil)

// NewChannel creates a channel with the given prefetch count
func NewChannel(prefetchCount int) *Channel {
	return &Channel{prefetchCount: prefetchCount}
}

// PrefetchCount implements messaging.Channel
func (c *Channel) PrefetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetchCount
}

// Qos implements messaging.Channel
func (c *Channel) Qos(prefetchSize, prefetchCount int) error {
	args := c.Called(prefetchSize, prefetchCount)
	if err := args.Error(0); err != nil {
		return err
	}
	c.mu.Lock()
	c.prefetchCount = prefetchCount
	c.mu.Unlock()
	return nil
}

// Close implements messaging.Channel
func (c *Channel) Close() error {
	args := c.Called()
	return args.Error(0)
}

// Published is a message observed by an Exchange
type Published struct {
	RoutingKey string
	Body       []byte
	Attributes contracts.Attributes
}

// Exchange records published messages
type Exchange struct {
	name string

	// PublishErr is returned by every Publish
	PublishErr error
	// OnPublish, when set, is called with every published message
	OnPublish func(Published)

	mu        sync.Mutex
	published []Published
}

var _ messaging.Exchange = (*Exchange)(nil)

// NewExchange creates a recording exchange
func NewExchange(name string) *Exchange {
	return &Exchange{name: name}
}

// Name implements messaging.Exchange
func (e *Exchange) Name() string {
	return e.name
}

// Publish implements messaging.Exchange
func (e *Exchange) Publish(ctx context.Context, routingKey string, body []byte, attrs contracts.Attributes) error {
	if e.PublishErr != nil {
		return e.PublishErr
	}
	p := Published{
		RoutingKey: routingKey,
		Body:       append([]byte(nil), body...),
		Attributes: attrs,
	}
	e.mu.Lock()
	e.published = append(e.published, p)
	hook := e.OnPublish
	e.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

// Published returns every published message in order
func (e *Exchange) Published() []Published {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Published(nil), e.published...)
}

// Delivery builds a delivery with the given tag and body
func Delivery(tag uint64, body string) *contracts.Envelope {
	return &contracts.Envelope{
		DeliveryTag: tag,
		Body:        []byte(body),
		ContentType: contracts.ContentTypeJSON,
		Headers:     map[string]interface{}{},
	}
}

// Control builds a control delivery of the given type
func Control(tag uint64, messageType, body string) *contracts.Envelope {
	env := Delivery(tag, body)
	env.AppID = contracts.ControlAppID
	env.Type = messageType
	return env
}
