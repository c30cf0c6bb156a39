// Package jsonrpc layers a JSON-RPC style request/reply protocol on top of the
// messaging consumer engine.
//
// A Server is a messaging.DeliveryStrategy: every request delivery is
// acknowledged before it is processed, so a request is never redelivered, and
// exactly one reply is published for it on a dedicated direct exchange using
// the request's reply-to as routing key.
//
// Requests are AMQP messages carrying:
//   - header jsonrpc = "2.0"
//   - content type application/json, content encoding UTF-8
//   - correlation id = request id (an empty id is rejected with -32600)
//   - reply-to = routing key of the caller's reply queue
//   - type = method name, body = JSON encoded params
//
// Replies carry the same correlation id and a body of either
// {"result": ...} or {"error": {"code": ..., "message": ..., "data": ...}}.
//
// Handler failures are reported with the standard codes: -32700 for
// unparsable bodies, -32600 for non-conforming requests, -32601 for unknown
// methods and control messages, and -32603 for anything else. Internal errors
// are logged in full but only echoed to the caller when trace return is enabled.
package jsonrpc
