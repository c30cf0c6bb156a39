// Package rabbitmq provides the amqp091 transport behind the messaging
// interfaces.
//
// This package includes:
//   - Connection: a single broker connection with dial timeout and close logging
//   - Channel: an AMQP channel that tracks its prefetch settings
//   - Queue: consumes one queue, delivering envelopes in order with manual acks
//   - Exchange: publishes envelopes, optionally in confirm mode
//   - TopologyManager: declares exchanges, queues and bindings
//
// Connections are not re-established. A consumer whose channel or connection
// fails stops with an error and is expected to be restarted.
package rabbitmq
