// Package contracts provides the wire-level types shared by the consumer engine,
// the JSON-RPC layer and the transports.
//
// This package defines:
//   - Envelope: a broker delivery (metadata plus opaque body) as handed over by a transport
//   - Attributes: the message properties used when publishing
//   - DeliveryResult: the per-delivery disposition chosen by a handler
//   - FlushResult: the disposition applied to a whole block of pending deliveries
//   - Control-plane constants used to address a running consumer
//
// Envelopes are created per delivery by the transport and are treated as
// read-only by everything downstream.
package contracts
