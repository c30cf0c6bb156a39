package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
)

// Reconfigure is the payload of a reconfigure control message. On the wire it
// is the JSON array [idleTimeoutSeconds, target, prefetchSize, prefetchCount].
type Reconfigure struct {
	IdleTimeout   time.Duration
	Target        int
	PrefetchSize  int
	PrefetchCount int
}

// MarshalJSON encodes the reconfigure tuple
func (r Reconfigure) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		r.IdleTimeout.Seconds(),
		r.Target,
		r.PrefetchSize,
		r.PrefetchCount,
	})
}

// UnmarshalJSON decodes and validates the reconfigure tuple
func (r *Reconfigure) UnmarshalJSON(data []byte) error {
	parsed, err := ParseReconfigure(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseReconfigure decodes a reconfigure body. The idle timeout must be a
// non-negative number (or numeric string) of seconds; the other three fields
// must be non-negative integers.
func ParseReconfigure(body []byte) (Reconfigure, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var fields []interface{}
	if err := dec.Decode(&fields); err != nil {
		return Reconfigure{}, fmt.Errorf("%w: %v", ErrInvalidReconfigure, err)
	}
	if len(fields) != 4 {
		return Reconfigure{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrInvalidReconfigure, len(fields))
	}

	seconds, err := parseSeconds(fields[0])
	if err != nil {
		return Reconfigure{}, fmt.Errorf("%w: idle timeout: %v", ErrInvalidReconfigure, err)
	}

	var ints [3]int
	for i, name := range []string{"target", "prefetch size", "prefetch count"} {
		n, err := parseCount(fields[i+1])
		if err != nil {
			return Reconfigure{}, fmt.Errorf("%w: %s: %v", ErrInvalidReconfigure, name, err)
		}
		ints[i] = n
	}

	return Reconfigure{
		IdleTimeout:   time.Duration(seconds * float64(time.Second)),
		Target:        ints[0],
		PrefetchSize:  ints[1],
		PrefetchCount: ints[2],
	}, nil
}

func parseSeconds(v interface{}) (float64, error) {
	var f float64
	var err error

	switch t := v.(type) {
	case json.Number:
		f, err = t.Float64()
	case string:
		f, err = strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("must be a non-negative number, got %v", v)
	}
	if f > float64(math.MaxInt64/int64(time.Second)) {
		return 0, fmt.Errorf("too large: %v", v)
	}
	return f, nil
}

func parseCount(v interface{}) (int, error) {
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("not a number: %v", v)
	}

	n, err := num.Int64()
	if err != nil {
		f, ferr := num.Float64()
		if ferr != nil || f != math.Trunc(f) || f > math.MaxInt32 {
			return 0, fmt.Errorf("not an integer: %s", num)
		}
		n = int64(f)
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got %d", n)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("too large: %d", n)
	}
	return int(n), nil
}

// HandleInternalMessage interprets a control-plane delivery addressed to this
// consumer. It returns Ack when the message was applied and Reject otherwise.
func (c *Consumer) HandleInternalMessage(env *contracts.Envelope) contracts.DeliveryResult {
	switch env.Type {
	case contracts.ControlShutdown:
		c.logger.Info("shutdown requested",
			"queue", c.queue.Name(),
			"consumerTag", c.consumerTag,
		)
		c.Shutdown()
		return contracts.Ack

	case contracts.ControlReconfigure:
		rc, err := ParseReconfigure(env.Body)
		if err != nil {
			c.logger.Warn("rejecting reconfigure message",
				"queue", c.queue.Name(),
				"deliveryTag", env.DeliveryTag,
				"error", err,
			)
			return contracts.Reject
		}

		if err := c.channel.Qos(rc.PrefetchSize, rc.PrefetchCount); err != nil {
			c.logger.Error("failed to apply prefetch settings",
				"queue", c.queue.Name(),
				"prefetchSize", rc.PrefetchSize,
				"prefetchCount", rc.PrefetchCount,
				"error", err,
			)
			return contracts.Reject
		}

		c.idleTimeout = rc.IdleTimeout
		c.target = rc.Target
		c.blockSize = rc.PrefetchCount

		c.logger.Info("consumer reconfigured",
			"queue", c.queue.Name(),
			"idleTimeout", c.idleTimeout,
			"target", c.target,
			"prefetchSize", rc.PrefetchSize,
			"blockSize", c.blockSize,
		)
		return contracts.Ack

	default:
		c.logger.Warn("invalid internal message",
			"queue", c.queue.Name(),
			"deliveryTag", env.DeliveryTag,
			"messageType", env.Type,
		)
		return contracts.Reject
	}
}

func controlAttributes(messageType string) contracts.Attributes {
	return contracts.Attributes{
		ContentType:     contracts.ContentTypeJSON,
		ContentEncoding: contracts.ContentEncodingUTF8,
		DeliveryMode:    contracts.Persistent,
		AppID:           contracts.ControlAppID,
		Type:            messageType,
		Timestamp:       time.Now().UTC(),
	}
}

// SendShutdown publishes a shutdown control message
func SendShutdown(ctx context.Context, exchange Exchange, routingKey string) error {
	if err := exchange.Publish(ctx, routingKey, nil, controlAttributes(contracts.ControlShutdown)); err != nil {
		return fmt.Errorf("failed to publish shutdown message: %w", err)
	}
	return nil
}

// SendReconfigure publishes a reconfigure control message
func SendReconfigure(ctx context.Context, exchange Exchange, routingKey string, rc Reconfigure) error {
	body, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("failed to marshal reconfigure message: %w", err)
	}
	if err := exchange.Publish(ctx, routingKey, body, controlAttributes(contracts.ControlReconfigure)); err != nil {
		return fmt.Errorf("failed to publish reconfigure message: %w", err)
	}
	return nil
}
