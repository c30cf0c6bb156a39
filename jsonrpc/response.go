package jsonrpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
)

// cannedInternalError is sent when a reply cannot be serialized
var cannedInternalError = []byte(`{"error":{"code":-32603,"message":"Internal error"}}`)

// Response is a JSON-RPC reply. Exactly one of Result and Error is meaningful;
// a non-nil Error makes it an error reply.
type Response struct {
	CorrelationID string
	Result        interface{}
	Error         *Error
}

// NewResult creates a success response
func NewResult(correlationID string, result interface{}) *Response {
	return &Response{CorrelationID: correlationID, Result: result}
}

// NewErrorResponse creates an error response
func NewErrorResponse(correlationID string, err *Error) *Response {
	return &Response{CorrelationID: correlationID, Error: err}
}

// IsError reports whether the response carries an error
func (r *Response) IsError() bool {
	return r.Error != nil
}

type resultBody struct {
	Result interface{} `json:"result"`
}

type errorBody struct {
	Error *Error `json:"error"`
}

// MarshalJSON encodes the reply body
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(errorBody{Error: r.Error})
	}
	return json.Marshal(resultBody{Result: r.Result})
}

// Body returns the encoded reply body, falling back to a canned internal
// error when the response cannot be encoded
func (r *Response) Body() ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return cannedInternalError, fmt.Errorf("failed to marshal response: %w", err)
	}
	return body, nil
}

// ReplyAttributes returns the attributes of the reply to the request in env
func ReplyAttributes(env *contracts.Envelope, appID string) contracts.Attributes {
	return contracts.Attributes{
		ContentType:     contracts.ContentTypeJSON,
		ContentEncoding: contracts.ContentEncodingUTF8,
		DeliveryMode:    contracts.Persistent,
		CorrelationID:   env.CorrelationID,
		AppID:           appID,
		Timestamp:       time.Now().UTC(),
		Headers:         map[string]interface{}{HeaderVersion: Version},
	}
}

type wireResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// DecodeResponse decodes a reply body. The result is kept as raw JSON.
func DecodeResponse(correlationID string, body []byte) (*Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	if wire.Error != nil {
		return NewErrorResponse(correlationID, wire.Error), nil
	}
	return NewResult(correlationID, wire.Result), nil
}
