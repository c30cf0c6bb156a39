package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTarget is returned when Consume is called with a negative message count
	ErrInvalidTarget = errors.New("messaging: max messages must not be negative")
	// ErrInvalidErrorAction is returned when an ErrorHandler answers with an undeclared action
	ErrInvalidErrorAction = errors.New("messaging: invalid error action")
	// ErrInvalidReconfigure is returned for malformed reconfigure bodies
	ErrInvalidReconfigure = errors.New("messaging: invalid reconfigure message")
	// ErrConsumerStopped is returned when Consume is called after Shutdown
	ErrConsumerStopped = errors.New("messaging: consumer has been shut down")
)

// ConsumerError represents a transport failure while consuming or settling deliveries
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	DeliveryTag uint64    // Delivery tag involved, if any
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	if e.DeliveryTag > 0 {
		return fmt.Sprintf("messaging consumer error: %s of delivery %d failed for consumer %s on queue %s: %v",
			e.Op, e.DeliveryTag, e.ConsumerTag, e.Queue, e.Err)
	}
	return fmt.Sprintf("messaging consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// PanicError carries a panic recovered from a handler
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
