package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var (
	// ErrInvalidVersion marks requests without the supported jsonrpc header
	ErrInvalidVersion = errors.New("jsonrpc: unsupported protocol version")
	// ErrInvalidContent marks requests with the wrong content type or encoding
	ErrInvalidContent = errors.New("jsonrpc: unsupported content type or encoding")
	// ErrMissingID marks notifications, which this server does not accept
	ErrMissingID = errors.New("jsonrpc: request id is required")
	// ErrParse marks request bodies that are not valid JSON
	ErrParse = errors.New("jsonrpc: request body is not valid JSON")
	// ErrMethodNotFound marks requests for unregistered methods
	ErrMethodNotFound = errors.New("jsonrpc: method not found")
	// ErrInvalidParams marks params that do not match what the method expects
	ErrInvalidParams = errors.New("jsonrpc: invalid params")
)

// Error is a JSON-RPC error object. Handlers may return one to choose the code
// reported to the caller.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`

	cause error
}

// NewError creates an error object with the given code
func NewError(code int, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("jsonrpc error %d: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func wrapError(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// ToError maps err to the JSON-RPC error reported to the caller. Errors that
// carry no protocol meaning become a generic internal error.
func ToError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &syntaxErr), errors.Is(err, ErrParse):
		return wrapError(CodeParseError, "Parse error", err)
	case errors.Is(err, ErrInvalidVersion), errors.Is(err, ErrInvalidContent), errors.Is(err, ErrMissingID):
		return wrapError(CodeInvalidRequest, "Invalid Request", err)
	case errors.Is(err, ErrMethodNotFound):
		return wrapError(CodeMethodNotFound, "Method not found", err)
	case errors.Is(err, ErrInvalidParams):
		return wrapError(CodeInvalidParams, "Invalid params", err)
	default:
		return wrapError(CodeInternalError, "Internal error", err)
	}
}
