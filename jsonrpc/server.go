package jsonrpc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/messaging"
)

// RequestHandler handles a request. It returns either a *Response, used as
// is, or a bare result value that is wrapped into a success response.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *Request) (interface{}, error)
}

// RequestHandlerFunc is a function that implements RequestHandler
type RequestHandlerFunc func(ctx context.Context, req *Request) (interface{}, error)

// HandleRequest implements RequestHandler
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, req *Request) (interface{}, error) {
	return f(ctx, req)
}

// Server is the JSON-RPC delivery strategy: acknowledge first, then always reply
type Server struct {
	exchange    messaging.Exchange
	handler     RequestHandler
	serverID    string
	traceReturn bool
	logger      *slog.Logger
}

// ServerConfig configures the server
type ServerConfig struct {
	ServerID    string
	TraceReturn bool
	Logger      *slog.Logger
}

// ServerOption configures the server
type ServerOption func(*ServerConfig)

// WithServerID sets the app id stamped on replies
func WithServerID(id string) ServerOption {
	return func(c *ServerConfig) {
		c.ServerID = id
	}
}

// WithTraceReturn echoes internal error details to callers. Never enable it
// for services exposed to untrusted callers.
func WithTraceReturn(enabled bool) ServerOption {
	return func(c *ServerConfig) {
		c.TraceReturn = enabled
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *ServerConfig) {
		c.Logger = logger
	}
}

// NewServer creates a server publishing replies on exchange, which must be a
// direct exchange the callers' reply queues are bound to
func NewServer(exchange messaging.Exchange, handler RequestHandler, opts ...ServerOption) (*Server, error) {
	if exchange == nil {
		return nil, fmt.Errorf("reply exchange cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	config := &ServerConfig{
		ServerID: "mmate-rpc",
		Logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(config)
	}

	return &Server{
		exchange:    exchange,
		handler:     handler,
		serverID:    config.ServerID,
		traceReturn: config.TraceReturn,
		logger:      config.Logger,
	}, nil
}

// HandleDelivery implements messaging.DeliveryStrategy. The delivery is
// acknowledged before anything else so that a failing request is never
// redelivered, then exactly one reply is published. The result is always Ack
// since that is how the delivery was settled; the outcome of a request or
// control message travels in the reply.
func (s *Server) HandleDelivery(ctx context.Context, consumer *messaging.Consumer, env *contracts.Envelope) (contracts.DeliveryResult, error) {
	startTime := time.Now()

	if err := consumer.AcknowledgeNow(env); err != nil {
		s.logger.Error("failed to acknowledge request",
			"deliveryTag", env.DeliveryTag,
			"correlationId", env.CorrelationID,
			"error", err,
		)
	}

	var response *Response

	if env.IsControl() {
		response = controlResponse(env, consumer.HandleInternalMessage(env))
	} else {
		response = s.dispatch(ctx, env)
	}

	if err := s.SendReply(ctx, response, env); err != nil {
		s.logger.Error("failed to send reply",
			"correlationId", env.CorrelationID,
			"replyTo", env.ReplyTo,
			"error", err,
		)
	}

	s.logger.Debug("request processed",
		"method", env.Type,
		"correlationId", env.CorrelationID,
		"error", response.IsError(),
		"duration", time.Since(startTime),
	)

	return contracts.Ack, nil
}

// ProcessResult implements messaging.DeliveryStrategy. Requests were already
// acknowledged in HandleDelivery, so there is nothing left to settle.
func (s *Server) ProcessResult(ctx context.Context, consumer *messaging.Consumer, env *contracts.Envelope, result contracts.DeliveryResult) error {
	return nil
}

func controlResponse(env *contracts.Envelope, result contracts.DeliveryResult) *Response {
	if result == contracts.Ack {
		return NewResult(env.CorrelationID, "OK")
	}
	return NewErrorResponse(env.CorrelationID, &Error{
		Code:    CodeMethodNotFound,
		Message: "Method not found",
		Data:    env.Type,
	})
}

// dispatch decodes the request and runs the handler, turning every failure
// (panics included) into an error response
func (s *Server) dispatch(ctx context.Context, env *contracts.Envelope) (response *Response) {
	defer func() {
		if r := recover(); r != nil {
			response = s.errorResponse(env, &messaging.PanicError{Value: r, Stack: debug.Stack()})
		}
	}()

	req, err := RequestFromEnvelope(env)
	if err != nil {
		return s.errorResponse(env, err)
	}
	if req.IsNotification() {
		return s.errorResponse(env, ErrMissingID)
	}

	value, err := s.handler.HandleRequest(ctx, req)
	if err != nil {
		return s.errorResponse(env, err)
	}

	switch v := value.(type) {
	case *Response:
		if v == nil {
			return NewResult(env.CorrelationID, nil)
		}
		return v
	case Response:
		return &v
	default:
		return NewResult(env.CorrelationID, value)
	}
}

func (s *Server) errorResponse(env *contracts.Envelope, err error) *Response {
	rpcErr := ToError(err)

	if rpcErr.Code != CodeInternalError {
		s.logger.Warn("rejected request",
			"method", env.Type,
			"correlationId", env.CorrelationID,
			"code", rpcErr.Code,
			"error", err,
		)
		return NewErrorResponse(env.CorrelationID, rpcErr)
	}

	attrs := []any{
		"method", env.Type,
		"correlationId", env.CorrelationID,
		"replyTo", env.ReplyTo,
		"deliveryTag", env.DeliveryTag,
		"error", err,
	}
	var trace string
	if p, ok := err.(*messaging.PanicError); ok {
		trace = string(p.Stack)
		attrs = append(attrs, "stack", trace)
	} else {
		trace = fmt.Sprintf("%+v", err)
	}
	s.logger.Error("request handler failed", attrs...)

	if s.traceReturn {
		rpcErr = &Error{Code: rpcErr.Code, Message: rpcErr.Message, Data: trace, cause: rpcErr.cause}
	}
	return NewErrorResponse(env.CorrelationID, rpcErr)
}

// SendReply publishes response as the reply to the request in env, routed by
// the request's reply-to on the server's reply exchange
func (s *Server) SendReply(ctx context.Context, response *Response, env *contracts.Envelope) error {
	body, err := response.Body()
	if err != nil {
		s.logger.Error("failed to serialize reply, sending internal error",
			"correlationId", env.CorrelationID,
			"error", err,
		)
	}

	if env.ReplyTo == "" {
		s.logger.Warn("request has no reply-to, reply will be unroutable",
			"method", env.Type,
			"correlationId", env.CorrelationID,
		)
	}

	if err := s.exchange.Publish(ctx, env.ReplyTo, body, ReplyAttributes(env, s.serverID)); err != nil {
		return fmt.Errorf("failed to publish reply to %s/%s: %w", s.exchange.Name(), env.ReplyTo, err)
	}
	return nil
}

// Mux routes requests to handlers registered per method
type Mux struct {
	handlers map[string]RequestHandler
	mu       sync.RWMutex
}

// NewMux creates an empty mux
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]RequestHandler)}
}

// Register registers a handler for method
func (m *Mux) Register(method string, handler RequestHandler) error {
	if method == "" {
		return fmt.Errorf("method cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[method]; exists {
		return fmt.Errorf("handler already registered for method: %s", method)
	}
	m.handlers[method] = handler
	return nil
}

// RegisterFunc registers a handler function for method
func (m *Mux) RegisterFunc(method string, fn func(ctx context.Context, req *Request) (interface{}, error)) error {
	return m.Register(method, RequestHandlerFunc(fn))
}

// Methods returns the number of registered methods
func (m *Mux) Methods() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers)
}

// HandleRequest implements RequestHandler
func (m *Mux) HandleRequest(ctx context.Context, req *Request) (interface{}, error) {
	m.mu.RLock()
	handler, exists := m.handlers[req.Method]
	m.mu.RUnlock()

	if !exists {
		return nil, &Error{
			Code:    CodeMethodNotFound,
			Message: "Method not found",
			Data:    req.Method,
			cause:   fmt.Errorf("%w: %s", ErrMethodNotFound, req.Method),
		}
	}
	return handler.HandleRequest(ctx, req)
}
