// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mmate wires the consumption engine, the JSON-RPC layer, metrics and
// health checks onto a broker transport described by a config.Config.
package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-consumer/bridge"
	"github.com/glimte/mmate-consumer/config"
	"github.com/glimte/mmate-consumer/health"
	"github.com/glimte/mmate-consumer/jsonrpc"
	"github.com/glimte/mmate-consumer/messaging"
	"github.com/glimte/mmate-consumer/monitor"
	rabbitmqTransport "github.com/glimte/mmate-consumer/transports/rabbitmq"
)

// Transport is what the client needs from a broker transport.
// *rabbitmq.Transport from transports/rabbitmq implements it.
type Transport interface {
	Queue(name string, prefetchCount int, exclusive bool) (messaging.Queue, messaging.Channel, error)
	Exchange(name string) (messaging.Exchange, error)
	DeclareConsumerTopology(requestExchange, replyExchange, queue string, routingKeys ...string) error
	DeclareReplyQueue(replyExchange string) (string, error)
	InspectQueue(ctx context.Context, queue string) (messages, consumers int, err error)
	IsConnected() bool
	Close() error
}

var _ Transport = (*rabbitmqTransport.Transport)(nil)

// Client provides the main entry point for mmate-consumer
type Client struct {
	transport Transport
	config    config.Config
	logger    *slog.Logger
	metrics   *monitor.ConsumerMetrics
	health    *health.Registry
	inspector *monitor.QueueInspector

	mu         sync.Mutex
	rpcClients []*bridge.Client
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger           *slog.Logger
	metrics          *monitor.ConsumerMetrics
	transportOptions []rabbitmqTransport.TransportOption
}

// WithLogger sets the logger handed to every component the client builds
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithMetrics shares a metrics collector between clients
func WithMetrics(metrics *monitor.ConsumerMetrics) ClientOption {
	return func(c *clientConfig) {
		c.metrics = metrics
	}
}

// WithTransportOptions passes extra options to the RabbitMQ transport
func WithTransportOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(c *clientConfig) {
		c.transportOptions = append(c.transportOptions, opts...)
	}
}

// Connect validates cfg, dials the broker it names and returns a client on
// that connection
func Connect(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := newClientConfig(options)
	transportOpts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithConnectionName(cfg.ConnectionName),
		rabbitmqTransport.WithLogger(cc.logger),
	}
	if cfg.RPC.ConfirmTimeout.Duration > 0 {
		transportOpts = append(transportOpts, rabbitmqTransport.WithPublisherConfirms(cfg.RPC.ConfirmTimeout.Duration))
	}
	transportOpts = append(transportOpts, cc.transportOptions...)

	transport, err := rabbitmqTransport.NewTransport(ctx, cfg.URL, transportOpts...)
	if err != nil {
		return nil, err
	}
	return newClient(transport, cfg, cc), nil
}

// NewClient creates a client on an existing transport
func NewClient(transport Transport, cfg config.Config, options ...ClientOption) *Client {
	return newClient(transport, cfg, newClientConfig(options))
}

func newClientConfig(options []ClientOption) *clientConfig {
	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}
	if cc.metrics == nil {
		cc.metrics = monitor.NewConsumerMetrics()
	}
	return cc
}

func newClient(transport Transport, cfg config.Config, cc *clientConfig) *Client {
	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(transport.IsConnected))

	return &Client{
		transport: transport,
		config:    cfg,
		logger:    cc.logger,
		metrics:   cc.metrics,
		health:    registry,
		inspector: monitor.NewQueueInspector(transport, cfg.Health.BacklogThreshold),
	}
}

// Config returns the configuration the client was built from
func (c *Client) Config() config.Config {
	return c.config
}

// Transport returns the underlying transport
func (c *Client) Transport() Transport {
	return c.transport
}

// Metrics returns the collector every consumer built by the client reports to
func (c *Client) Metrics() *monitor.ConsumerMetrics {
	return c.metrics
}

// Health returns the registry holding the connection check and a queue
// check per consumer built by the client
func (c *Client) Health() *health.Registry {
	return c.health
}

// RegisterQueueCheck adds a health check for queue to the registry
func (c *Client) RegisterQueueCheck(queue string) {
	c.health.Register(health.NewQueueChecker(queue, c.inspector))
}

// InspectQueue returns the broker statistics of queue
func (c *Client) InspectQueue(ctx context.Context, queue string) (*monitor.QueueHealth, error) {
	return c.inspector.QueueHealth(ctx, queue)
}

// NewBatchConsumer declares the configured queue and returns a consumer that
// hands each delivery to handler and batches acknowledgments. opts are
// applied after the ones derived from the configuration.
func (c *Client) NewBatchConsumer(handler messaging.DeliveryHandler, opts ...messaging.ConsumerOption) (*messaging.Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("delivery handler cannot be nil")
	}
	return c.newConsumer(messaging.NewBatchStrategy(handler), opts)
}

// NewRPCServer declares the configured queue and returns a consumer serving
// JSON-RPC requests from it with handler. Replies go out on the configured
// reply exchange.
func (c *Client) NewRPCServer(handler jsonrpc.RequestHandler, opts ...messaging.ConsumerOption) (*messaging.Consumer, error) {
	replies, err := c.transport.Exchange(c.config.Exchanges.Reply)
	if err != nil {
		return nil, fmt.Errorf("failed to open reply exchange: %w", err)
	}

	server, err := jsonrpc.NewServer(replies, handler,
		jsonrpc.WithServerID(c.config.RPC.ServerID),
		jsonrpc.WithTraceReturn(c.config.RPC.TraceReturn),
		jsonrpc.WithServerLogger(c.logger),
	)
	if err != nil {
		return nil, err
	}
	return c.newConsumer(server, opts)
}

func (c *Client) newConsumer(strategy messaging.DeliveryStrategy, opts []messaging.ConsumerOption) (*messaging.Consumer, error) {
	if err := c.config.RequireQueue(); err != nil {
		return nil, err
	}
	cc := c.config.Consumer

	err := c.transport.DeclareConsumerTopology(c.config.Exchanges.Request, c.config.Exchanges.Reply, cc.Queue, cc.RoutingKeys...)
	if err != nil {
		return nil, fmt.Errorf("failed to declare topology for queue %s: %w", cc.Queue, err)
	}

	queue, channel, err := c.transport.Queue(cc.Queue, cc.Prefetch, false)
	if err != nil {
		return nil, err
	}

	options := []messaging.ConsumerOption{
		messaging.WithConsumerLogger(c.logger),
		messaging.WithIdleTimeout(cc.IdleTimeout.Duration),
		messaging.WithMetricsCollector(c.metrics),
	}
	if cc.ConsumerTag != "" {
		options = append(options, messaging.WithConsumerTag(cc.ConsumerTag))
	}
	options = append(options, opts...)

	consumer, err := messaging.NewConsumer(queue, channel, strategy, options...)
	if err != nil {
		channel.Close()
		return nil, err
	}

	c.RegisterQueueCheck(cc.Queue)
	c.logger.Info("consumer ready",
		"queue", cc.Queue,
		"consumerTag", consumer.ConsumerTag(),
		"prefetch", cc.Prefetch,
		"idleTimeout", cc.IdleTimeout.Duration)
	return consumer, nil
}

// NewRPCClient declares a private reply queue and starts a JSON-RPC client
// publishing on the configured request exchange. The client stops when ctx is
// done or the Client is closed.
func (c *Client) NewRPCClient(ctx context.Context, opts ...bridge.ClientOption) (*bridge.Client, error) {
	replyTo, err := c.transport.DeclareReplyQueue(c.config.Exchanges.Reply)
	if err != nil {
		return nil, fmt.Errorf("failed to declare reply queue: %w", err)
	}

	replies, _, err := c.transport.Queue(replyTo, c.config.Consumer.Prefetch, true)
	if err != nil {
		return nil, err
	}

	requests, err := c.transport.Exchange(c.config.Exchanges.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to open request exchange: %w", err)
	}

	options := []bridge.ClientOption{
		bridge.WithDefaultTimeout(c.config.RPC.Timeout.Duration),
		bridge.WithPublishRetries(c.config.RPC.PublishRetries, 100*time.Millisecond),
		bridge.WithClientLogger(c.logger),
	}
	options = append(options, opts...)

	client, err := bridge.NewClient(requests, replies, replyTo, options...)
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.rpcClients = append(c.rpcClients, client)
	c.mu.Unlock()
	return client, nil
}

// SendShutdown asks the consumers bound under routingKey to stop. An empty
// routingKey addresses the configured queue.
func (c *Client) SendShutdown(ctx context.Context, routingKey string) error {
	exchange, err := c.transport.Exchange(c.config.Exchanges.Request)
	if err != nil {
		return err
	}
	return messaging.SendShutdown(ctx, exchange, c.controlKey(routingKey))
}

// SendReconfigure pushes new engine settings to the consumers bound under
// routingKey. An empty routingKey addresses the configured queue.
func (c *Client) SendReconfigure(ctx context.Context, routingKey string, rc messaging.Reconfigure) error {
	exchange, err := c.transport.Exchange(c.config.Exchanges.Request)
	if err != nil {
		return err
	}
	return messaging.SendReconfigure(ctx, exchange, c.controlKey(routingKey), rc)
}

func (c *Client) controlKey(routingKey string) string {
	if routingKey != "" {
		return routingKey
	}
	return c.config.Consumer.Queue
}

// Close stops the RPC clients and closes the transport
func (c *Client) Close() error {
	c.mu.Lock()
	clients := c.rpcClients
	c.rpcClients = nil
	c.mu.Unlock()

	for _, client := range clients {
		if err := client.Close(); err != nil {
			c.logger.Warn("failed to close rpc client", "replyTo", client.ReplyTo(), "error", err)
		}
	}
	return c.transport.Close()
}
