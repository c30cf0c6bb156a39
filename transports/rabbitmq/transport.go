package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-consumer/internal/rabbitmq"
	"github.com/glimte/mmate-consumer/messaging"
)

// Transport connects the messaging and jsonrpc packages to RabbitMQ. Every
// consumer and every exchange gets a dedicated channel so prefetch settings
// and publisher confirms never interfere with each other.
type Transport struct {
	conn     *rabbitmq.Connection
	topology *rabbitmq.TopologyManager
	config   TransportConfig

	mu        sync.Mutex
	exchanges map[string]*rabbitmq.Exchange
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionName string
	ConnectTimeout time.Duration
	Heartbeat      time.Duration
	ConfirmTimeout time.Duration
	Mandatory      bool
	Logger         *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionName sets the connection name shown in the management UI
func WithConnectionName(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionName = name
	}
}

// WithConnectTimeout bounds the initial dial
func WithConnectTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Heartbeat = interval
	}
}

// WithPublisherConfirms makes every exchange wait up to timeout for broker
// confirms. Zero disables confirms.
func WithPublisherConfirms(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConfirmTimeout = timeout
	}
}

// WithMandatory publishes with the mandatory flag so unroutable messages are
// returned by the broker
func WithMandatory(mandatory bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Mandatory = mandatory
	}
}

// WithLogger sets the logger shared by the connection, channels and queues
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport dials url and prepares a channel for topology declarations
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := TransportConfig{
		ConnectionName: "mmate-consumer",
		ConnectTimeout: 30 * time.Second,
		Heartbeat:      10 * time.Second,
		Logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	conn := rabbitmq.NewConnection(url,
		rabbitmq.WithConnectionName(cfg.ConnectionName),
		rabbitmq.WithConnectTimeout(cfg.ConnectTimeout),
		rabbitmq.WithHeartbeat(cfg.Heartbeat),
		rabbitmq.WithConnectionLogger(cfg.Logger),
	)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	channel, err := conn.Channel(0, rabbitmq.WithChannelLogger(cfg.Logger))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open topology channel: %w", err)
	}

	return &Transport{
		conn:      conn,
		topology:  rabbitmq.NewTopologyManager(channel),
		config:    cfg,
		exchanges: make(map[string]*rabbitmq.Exchange),
	}, nil
}

// Queue opens a channel with the given prefetch count and returns the queue
// consuming on it together with that channel
func (t *Transport) Queue(name string, prefetchCount int, exclusive bool) (messaging.Queue, messaging.Channel, error) {
	channel, err := t.conn.Channel(prefetchCount, rabbitmq.WithChannelLogger(t.config.Logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open channel for queue %s: %w", name, err)
	}

	queue := rabbitmq.NewQueue(channel, name,
		rabbitmq.WithExclusive(exclusive),
		rabbitmq.WithQueueLogger(t.config.Logger),
	)
	return queue, channel, nil
}

// Exchange returns the publisher for name, opening its channel on first use
func (t *Transport) Exchange(name string) (messaging.Exchange, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ex, ok := t.exchanges[name]; ok {
		return ex, nil
	}

	channel, err := t.conn.Channel(0, rabbitmq.WithChannelLogger(t.config.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open channel for exchange %s: %w", name, err)
	}

	opts := []rabbitmq.ExchangeOption{
		rabbitmq.WithMandatory(t.config.Mandatory),
		rabbitmq.WithExchangeLogger(t.config.Logger),
	}
	if t.config.ConfirmTimeout > 0 {
		opts = append(opts, rabbitmq.WithConfirmMode(t.config.ConfirmTimeout))
	}

	ex, err := rabbitmq.NewExchange(channel, name, opts...)
	if err != nil {
		channel.Close()
		return nil, err
	}
	t.exchanges[name] = ex
	return ex, nil
}

// DeclareConsumerTopology declares a durable work queue bound to the request
// exchange under routingKeys (the queue name when none are given) and the
// reply exchange
func (t *Transport) DeclareConsumerTopology(requestExchange, replyExchange, queue string, routingKeys ...string) error {
	return t.topology.DeclareTopology(rabbitmq.ConsumerTopology(requestExchange, replyExchange, queue, routingKeys...))
}

// DeclareReplyQueue declares an exclusive, auto-deleted queue with a broker
// generated name and binds it to replyExchange under that name. The name is
// the reply_to value callers put on their requests.
func (t *Transport) DeclareReplyQueue(replyExchange string) (string, error) {
	name, err := t.topology.DeclareQueue(rabbitmq.QueueDeclaration{AutoDelete: true, Exclusive: true})
	if err != nil {
		return "", err
	}

	err = t.topology.BindQueue(rabbitmq.Binding{
		Queue:      name,
		Exchange:   replyExchange,
		RoutingKey: name,
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// DeleteQueue deletes a queue and reports how many messages it held
func (t *Transport) DeleteQueue(name string) (int, error) {
	return t.topology.DeleteQueue(name, false, false)
}

// InspectQueue reports the depth and consumer count of queue. It uses a
// short-lived channel because the broker closes the channel on a missing queue.
func (t *Transport) InspectQueue(ctx context.Context, queue string) (messages, consumers int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	channel, err := t.conn.Channel(0, rabbitmq.WithChannelLogger(t.config.Logger))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open inspection channel: %w", err)
	}
	defer channel.Close()

	stats, err := rabbitmq.NewTopologyManager(channel).InspectQueue(queue)
	if err != nil {
		return 0, 0, err
	}
	return stats.Messages, stats.Consumers, nil
}

// IsConnected reports whether the connection is open
func (t *Transport) IsConnected() bool {
	return t.conn.IsConnected()
}

// Close closes the connection and every channel opened through it
func (t *Transport) Close() error {
	return t.conn.Close()
}
