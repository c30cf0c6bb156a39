package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/internal/reliability"
	"github.com/glimte/mmate-consumer/jsonrpc"
	"github.com/glimte/mmate-consumer/messaging"
	"github.com/google/uuid"
)

var (
	// ErrNotStarted is returned by Call before Start
	ErrNotStarted = errors.New("bridge: client is not started")
	// ErrClosed is returned by Call once the client is closed
	ErrClosed = errors.New("bridge: client is closed")
	// ErrTooManyPending is returned when MaxPendingRequests calls are in flight
	ErrTooManyPending = errors.New("bridge: too many pending requests")
)

// pendingRequest is a call waiting for its reply
type pendingRequest struct {
	method string
	reply  chan *jsonrpc.Response
}

// Client sends JSON-RPC requests to a consumer and waits for the correlated
// replies on its own reply queue
type Client struct {
	requests       messaging.Exchange
	replies        messaging.Queue
	replyTo        string
	appID          string
	consumerTag    string
	defaultTimeout time.Duration
	maxPending     int
	retryPolicy    reliability.RetryPolicy
	breaker        *reliability.CircuitBreaker
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// ClientConfig holds configuration for the client
type ClientConfig struct {
	AppID              string
	DefaultTimeout     time.Duration
	MaxPendingRequests int
	PublishRetries     int
	RetryInterval      time.Duration
	FailureThreshold   int
	OpenTimeout        time.Duration
	Logger             *slog.Logger
}

// ClientOption configures the client
type ClientOption func(*ClientConfig)

// WithAppID sets the app_id published on requests
func WithAppID(appID string) ClientOption {
	return func(c *ClientConfig) {
		c.AppID = appID
	}
}

// WithDefaultTimeout bounds calls whose context has no deadline
func WithDefaultTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithMaxPendingRequests limits the number of calls in flight
func WithMaxPendingRequests(max int) ClientOption {
	return func(c *ClientConfig) {
		c.MaxPendingRequests = max
	}
}

// WithPublishRetries retries failed request publishes with exponential
// backoff starting at interval
func WithPublishRetries(retries int, interval time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.PublishRetries = retries
		c.RetryInterval = interval
	}
}

// WithCircuitBreaker fails calls fast for openTimeout once threshold request
// publishes in a row have failed
func WithCircuitBreaker(threshold int, openTimeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.FailureThreshold = threshold
		c.OpenTimeout = openTimeout
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// NewClient creates a client publishing requests to requests and reading
// replies from replies. replyTo is the routing key under which the servers'
// reply exchange reaches the replies queue.
func NewClient(requests messaging.Exchange, replies messaging.Queue, replyTo string, opts ...ClientOption) (*Client, error) {
	if requests == nil {
		return nil, fmt.Errorf("request exchange cannot be nil")
	}
	if replies == nil {
		return nil, fmt.Errorf("reply queue cannot be nil")
	}
	if replyTo == "" {
		return nil, fmt.Errorf("reply-to key cannot be empty")
	}

	config := &ClientConfig{
		AppID:              "mmate-rpc-client",
		DefaultTimeout:     30 * time.Second,
		MaxPendingRequests: 1000,
		RetryInterval:      100 * time.Millisecond,
		Logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(config)
	}

	c := &Client{
		requests:       requests,
		replies:        replies,
		replyTo:        replyTo,
		appID:          config.AppID,
		consumerTag:    "rpc-client-" + uuid.NewString()[:8],
		defaultTimeout: config.DefaultTimeout,
		maxPending:     config.MaxPendingRequests,
		logger:         config.Logger,
		pending:        make(map[string]*pendingRequest),
		done:           make(chan struct{}),
	}
	if config.PublishRetries > 0 {
		c.retryPolicy = reliability.NewExponentialBackoff(config.RetryInterval, 10*config.RetryInterval, 2, config.PublishRetries)
	}
	if config.FailureThreshold > 0 {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("rpc-requests"),
			reliability.WithFailureThreshold(config.FailureThreshold),
			reliability.WithTimeout(config.OpenTimeout),
			reliability.WithBreakerLogger(config.Logger),
		)
	}

	return c, nil
}

// ReplyTo returns the reply-to key published on requests
func (c *Client) ReplyTo() string {
	return c.replyTo
}

// Start begins consuming replies in the background until ctx is done or
// Close is called
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.started = true

	go func() {
		defer close(c.done)
		err := c.replies.Consume(ctx, c.consumerTag, c.handleReply)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			c.logger.Error("reply consumer stopped", "queue", c.replies.Name(), "error", err)
		}
		c.stop(err)
	}()

	return nil
}

// Call publishes method with params under routingKey and decodes the result
// into out. A JSON-RPC error reply is returned as a *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, routingKey, method string, params, out interface{}) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok && c.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	pending, err := c.register(id, method)
	if err != nil {
		return err
	}
	defer c.unregister(id)

	attrs := jsonrpc.RequestAttributes(method, id, c.replyTo, c.appID)
	if err := c.publish(ctx, routingKey, body, attrs); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp, ok := <-pending.reply:
		if !ok {
			return c.closedError()
		}
		return decodeResult(resp, out)
	case <-ctx.Done():
		return fmt.Errorf("request %s timed out or was cancelled: %w", method, ctx.Err())
	}
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte, attrs contracts.Attributes) error {
	send := func() error {
		return reliability.Retry(ctx, c.retryPolicy, func() error {
			return c.requests.Publish(ctx, routingKey, body, attrs)
		})
	}
	if c.breaker == nil {
		return send()
	}
	return c.breaker.Execute(ctx, send)
}

func decodeResult(resp *jsonrpc.Response, out interface{}) error {
	if resp.IsError() {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	raw, ok := resp.Result.(json.RawMessage)
	if !ok {
		return fmt.Errorf("unexpected result type %T", resp.Result)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

func (c *Client) register(id, method string) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return nil, c.closedErrorLocked()
	case !c.started:
		return nil, ErrNotStarted
	case len(c.pending) >= c.maxPending:
		return nil, ErrTooManyPending
	}

	pending := &pendingRequest{method: method, reply: make(chan *jsonrpc.Response, 1)}
	c.pending[id] = pending
	return pending, nil
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// handleReply routes a reply to the call waiting for its correlation id
func (c *Client) handleReply(env *contracts.Envelope) bool {
	if err := c.replies.Ack(env.DeliveryTag, false); err != nil {
		c.logger.Error("failed to ack reply", "deliveryTag", env.DeliveryTag, "error", err)
		return false
	}

	c.mu.Lock()
	pending, ok := c.pending[env.CorrelationID]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("discarding reply without pending request", "correlationId", env.CorrelationID)
		return true
	}

	resp, err := jsonrpc.DecodeResponse(env.CorrelationID, env.Body)
	if err != nil {
		c.logger.Warn("malformed reply", "correlationId", env.CorrelationID, "method", pending.method, "error", err)
		resp = jsonrpc.NewErrorResponse(env.CorrelationID, jsonrpc.ToError(err))
	}

	select {
	case pending.reply <- resp:
	default:
		c.logger.Warn("duplicate reply", "correlationId", env.CorrelationID)
	}
	return true
}

// stop fails every pending call; must not be called with mu held
func (c *Client) stop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	for id, pending := range c.pending {
		close(pending.reply)
		delete(c.pending, id)
	}
}

func (c *Client) closedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErrorLocked()
}

func (c *Client) closedErrorLocked() error {
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

// PendingRequests returns the number of calls waiting for a reply
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops the reply consumer and fails every pending call
func (c *Client) Close() error {
	c.mu.Lock()
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		c.stop(nil)
		return nil
	}

	err := c.replies.Cancel(c.consumerTag)
	cancel()
	<-c.done
	return err
}
