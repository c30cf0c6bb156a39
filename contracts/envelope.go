package contracts

import (
	"strings"
	"time"
)

// Envelope is a single broker delivery: delivery metadata plus the raw body
type Envelope struct {
	Body            []byte
	Exchange        string
	RoutingKey      string
	Type            string
	AppID           string
	MessageID       string
	CorrelationID   string
	ReplyTo         string
	ConsumerTag     string
	DeliveryTag     uint64
	Redelivered     bool
	ContentType     string
	ContentEncoding string
	Expiration      string
	Timestamp       time.Time
	Headers         map[string]interface{}
}

// Header returns the string value of a header, or "" when missing or not a string
func (e *Envelope) Header(key string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	switch v := e.Headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// IsControl reports whether the envelope carries a control-plane message
func (e *Envelope) IsControl() bool {
	return e != nil && e.AppID == ControlAppID
}

// IsJSON reports whether the envelope declares a UTF-8 encoded JSON body
func (e *Envelope) IsJSON() bool {
	return e.ContentType == ContentTypeJSON && strings.EqualFold(e.ContentEncoding, ContentEncodingUTF8)
}

// Attributes are the message properties set when publishing
type Attributes struct {
	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	CorrelationID   string
	ReplyTo         string
	AppID           string
	Type            string
	MessageID       string
	Expiration      string
	Timestamp       time.Time
	Headers         map[string]interface{}
}

const (
	// ContentTypeJSON is the only content type accepted by the JSON-RPC layer
	ContentTypeJSON = "application/json"
	// ContentEncodingUTF8 is the only content encoding accepted by the JSON-RPC layer
	ContentEncodingUTF8 = "UTF-8"

	// Transient and Persistent mirror the AMQP delivery modes
	Transient  uint8 = 1
	Persistent uint8 = 2
)
