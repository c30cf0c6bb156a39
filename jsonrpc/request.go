package jsonrpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
)

const (
	// Version is the protocol version carried in the jsonrpc header
	Version = "2.0"
	// HeaderVersion is the header holding the protocol version
	HeaderVersion = "jsonrpc"
)

// Request is a decoded JSON-RPC request
type Request struct {
	Target     string
	Method     string
	Params     json.RawMessage
	ID         *string
	RoutingKey string
	Expiration string
	Timestamp  time.Time
}

// IsNotification reports whether the request carries no id
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Bind decodes the request params into v. Mismatching params are reported as
// an invalid params error.
func (r *Request) Bind(v interface{}) error {
	if err := json.Unmarshal(r.Params, v); err != nil {
		return wrapError(CodeInvalidParams, "Invalid params", fmt.Errorf("%w: %v", ErrInvalidParams, err))
	}
	return nil
}

// RequestFromEnvelope validates env and decodes it into a Request. The
// version header, content type and content encoding must match exactly what
// this server speaks, and the body must be valid JSON.
func RequestFromEnvelope(env *contracts.Envelope) (*Request, error) {
	if v := env.Header(HeaderVersion); v != Version {
		return nil, wrapError(CodeInvalidRequest, "Invalid Request",
			fmt.Errorf("%w: got %q, want %q", ErrInvalidVersion, v, Version))
	}

	if !env.IsJSON() {
		return nil, wrapError(CodeInvalidRequest, "Invalid Request",
			fmt.Errorf("%w: content type %q, encoding %q", ErrInvalidContent, env.ContentType, env.ContentEncoding))
	}

	var body interface{}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return nil, wrapError(CodeParseError, "Parse error", fmt.Errorf("%w: %v", ErrParse, err))
	}

	req := &Request{
		Target:     env.Exchange,
		Method:     env.Type,
		Params:     json.RawMessage(append([]byte(nil), env.Body...)),
		RoutingKey: env.RoutingKey,
		Expiration: env.Expiration,
		Timestamp:  env.Timestamp,
	}
	if env.CorrelationID != "" {
		id := env.CorrelationID
		req.ID = &id
	}

	return req, nil
}

// RequestAttributes returns the message attributes a client publishes a request with
func RequestAttributes(method, id, replyTo, appID string) contracts.Attributes {
	return contracts.Attributes{
		ContentType:     contracts.ContentTypeJSON,
		ContentEncoding: contracts.ContentEncodingUTF8,
		DeliveryMode:    contracts.Persistent,
		CorrelationID:   id,
		ReplyTo:         replyTo,
		AppID:           appID,
		Type:            method,
		Timestamp:       time.Now().UTC(),
		Headers:         map[string]interface{}{HeaderVersion: Version},
	}
}
