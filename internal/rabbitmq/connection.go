package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is a single AMQP connection. It does not reconnect: a consumer
// whose connection drops fails and is restarted by its supervisor.
type Connection struct {
	url            string
	name           string
	connectTimeout time.Duration
	heartbeat      time.Duration
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	channels    int
}

// ConnectionOption configures the Connection
type ConnectionOption func(*Connection)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithConnectionName sets the connection name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(c *Connection) {
		c.name = name
	}
}

// WithConnectTimeout sets how long Connect waits for the broker
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.connectTimeout = timeout
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.heartbeat = interval
	}
}

// NewConnection creates an unconnected Connection for url
func NewConnection(url string, options ...ConnectionOption) *Connection {
	c := &Connection{
		url:            url,
		name:           "mmate-consumer",
		connectTimeout: 30 * time.Second,
		heartbeat:      10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Connect dials the broker. It is a no-op when already connected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	config := amqp.Config{
		Heartbeat:  c.heartbeat,
		Properties: amqp.Table{"connection_name": c.name},
		Dial:       amqp.DefaultDial(c.connectTimeout),
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(c.url, config)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		c.conn = conn
		c.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
		go c.watch(c.notifyClose)

		c.logger.Info("connected to RabbitMQ",
			"url", SanitizeURL(c.url),
			"connectionName", c.name)
		return nil

	case err := <-errChan:
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(c.url),
			Err:       err,
			Timestamp: time.Now(),
		}

	case <-connCtx.Done():
		// A late dial result is closed so the connection does not leak
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(c.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

func (c *Connection) watch(notify <-chan *amqp.Error) {
	err, ok := <-notify
	if ok && err != nil {
		c.logger.Error("connection closed by broker",
			"url", SanitizeURL(c.url),
			"code", err.Code,
			"reason", err.Reason,
		)
		return
	}
	c.logger.Debug("connection closed", "url", SanitizeURL(c.url))
}

// Channel opens a new channel with the given prefetch count applied
func (c *Connection) Channel(prefetchCount int, options ...ChannelOption) (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	c.channels++
	options = append([]ChannelOption{withChannelID(fmt.Sprintf("%s-%d", c.name, c.channels))}, options...)
	channel := NewChannel(ch, options...)

	if err := channel.Qos(0, prefetchCount); err != nil {
		channel.Close()
		return nil, err
	}
	return channel, nil
}

// IsConnected reports whether the connection is open
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection and every channel opened on it
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	conn := c.conn
	c.conn = nil
	if conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil {
		return &ConnectionError{
			Op:        "close",
			URL:       SanitizeURL(c.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
