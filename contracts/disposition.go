package contracts

import "fmt"

// DeliveryResult is the disposition a handler chooses for a single delivery
type DeliveryResult int

const (
	// Ack accepts the delivery and acknowledges it
	Ack DeliveryResult = iota
	// Reject discards the delivery without redelivery
	Reject
	// RejectRequeue discards the delivery and asks the broker to redeliver it
	RejectRequeue
	// Defer accepts the delivery but leaves the ack to the next block flush
	Defer
)

// String returns the wire-style name of the result
func (r DeliveryResult) String() string {
	switch r {
	case Ack:
		return "ACK"
	case Reject:
		return "REJECT"
	case RejectRequeue:
		return "REJECT_REQUEUE"
	case Defer:
		return "DEFER"
	default:
		return fmt.Sprintf("DeliveryResult(%d)", int(r))
	}
}

// Valid reports whether r is one of the declared results
func (r DeliveryResult) Valid() bool {
	return r >= Ack && r <= Defer
}

// FlushResult is the disposition applied to a whole block of pending deliveries
type FlushResult int

const (
	// FlushAck acknowledges the whole block
	FlushAck FlushResult = iota
	// FlushReject rejects the whole block without redelivery
	FlushReject
	// FlushRejectRequeue rejects the whole block and requeues it
	FlushRejectRequeue
)

// String returns the wire-style name of the result
func (r FlushResult) String() string {
	switch r {
	case FlushAck:
		return "ACK"
	case FlushReject:
		return "REJECT"
	case FlushRejectRequeue:
		return "REJECT_REQUEUE"
	default:
		return fmt.Sprintf("FlushResult(%d)", int(r))
	}
}

// Valid reports whether r is one of the declared results
func (r FlushResult) Valid() bool {
	return r >= FlushAck && r <= FlushRejectRequeue
}

// RejectResult maps a requeue decision to the matching reject result
func RejectResult(requeue bool) DeliveryResult {
	if requeue {
		return RejectRequeue
	}
	return Reject
}

// FlushRejectResult maps a requeue decision to the matching block result
func FlushRejectResult(requeue bool) FlushResult {
	if requeue {
		return FlushRejectRequeue
	}
	return FlushReject
}
