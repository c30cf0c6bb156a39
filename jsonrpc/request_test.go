package jsonrpc_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFromEnvelope(t *testing.T) {
	t.Run("decodes a valid request", func(t *testing.T) {
		env := request(7, "add", "42", `{"a": 1, "b": 2}`)
		env.Timestamp = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		env.Expiration = "30000"

		req, err := jsonrpc.RequestFromEnvelope(env)
		require.NoError(t, err)

		assert.Equal(t, "rpc", req.Target)
		assert.Equal(t, "add", req.Method)
		assert.Equal(t, "calculator", req.RoutingKey)
		assert.Equal(t, "30000", req.Expiration)
		assert.Equal(t, env.Timestamp, req.Timestamp)
		require.NotNil(t, req.ID)
		assert.Equal(t, "42", *req.ID)
		assert.False(t, req.IsNotification())
		assert.JSONEq(t, `{"a": 1, "b": 2}`, string(req.Params))
	})

	t.Run("params do not alias the delivery body", func(t *testing.T) {
		env := request(1, "add", "42", `[1, 2]`)
		req, err := jsonrpc.RequestFromEnvelope(env)
		require.NoError(t, err)

		env.Body[1] = '9'
		assert.Equal(t, `[1, 2]`, string(req.Params))
	})

	t.Run("accepts version header as bytes and lower case encoding", func(t *testing.T) {
		env := request(1, "add", "42", `{}`)
		env.Headers[jsonrpc.HeaderVersion] = []byte(jsonrpc.Version)
		env.ContentEncoding = "utf-8"

		_, err := jsonrpc.RequestFromEnvelope(env)
		assert.NoError(t, err)
	})

	t.Run("request without correlation id is a notification", func(t *testing.T) {
		req, err := jsonrpc.RequestFromEnvelope(request(1, "add", "", `{}`))
		require.NoError(t, err)
		assert.True(t, req.IsNotification())
	})

	t.Run("version is checked before content", func(t *testing.T) {
		env := request(1, "add", "42", `not json`)
		env.Headers = map[string]interface{}{}

		_, err := jsonrpc.RequestFromEnvelope(env)
		assert.ErrorIs(t, err, jsonrpc.ErrInvalidVersion)
		assert.Equal(t, jsonrpc.CodeInvalidRequest, jsonrpc.ToError(err).Code)
	})

	t.Run("malformed body is a parse error", func(t *testing.T) {
		_, err := jsonrpc.RequestFromEnvelope(request(1, "add", "42", `{`))
		assert.ErrorIs(t, err, jsonrpc.ErrParse)
		assert.Equal(t, jsonrpc.CodeParseError, jsonrpc.ToError(err).Code)
	})
}

func TestRequestBind(t *testing.T) {
	req := &jsonrpc.Request{Params: json.RawMessage(`{"a": 1, "b": 2}`)}

	t.Run("Bind decodes params", func(t *testing.T) {
		var p addParams
		require.NoError(t, req.Bind(&p))
		assert.Equal(t, addParams{A: 1, B: 2}, p)
	})

	t.Run("Bind reports invalid params", func(t *testing.T) {
		var p []string
		err := req.Bind(&p)
		assert.ErrorIs(t, err, jsonrpc.ErrInvalidParams)

		var rpcErr *jsonrpc.Error
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code)
	})
}

func TestToError(t *testing.T) {
	var syntaxErr *json.SyntaxError
	require.ErrorAs(t, json.Unmarshal([]byte(`{"a" 1}`), &struct{}{}), &syntaxErr)

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"json syntax error", syntaxErr, jsonrpc.CodeParseError},
		{"parse sentinel", jsonrpc.ErrParse, jsonrpc.CodeParseError},
		{"version sentinel", fmt.Errorf("wrapped: %w", jsonrpc.ErrInvalidVersion), jsonrpc.CodeInvalidRequest},
		{"content sentinel", jsonrpc.ErrInvalidContent, jsonrpc.CodeInvalidRequest},
		{"missing id sentinel", jsonrpc.ErrMissingID, jsonrpc.CodeInvalidRequest},
		{"method sentinel", jsonrpc.ErrMethodNotFound, jsonrpc.CodeMethodNotFound},
		{"params sentinel", jsonrpc.ErrInvalidParams, jsonrpc.CodeInvalidParams},
		{"plain error", errors.New("disk full"), jsonrpc.CodeInternalError},
		{"custom error object", jsonrpc.NewError(-32001, "Busy", nil), -32001},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rpcErr := jsonrpc.ToError(tc.err)
			assert.Equal(t, tc.code, rpcErr.Code)
			assert.NotEmpty(t, rpcErr.Message)
		})
	}

	t.Run("internal errors do not leak their cause to callers", func(t *testing.T) {
		body, err := json.Marshal(jsonrpc.ToError(errors.New("password=hunter2")))
		require.NoError(t, err)
		assert.JSONEq(t, `{"code": -32603, "message": "Internal error"}`, string(body))
	})
}

func TestResponse(t *testing.T) {
	t.Run("result response body", func(t *testing.T) {
		body, err := jsonrpc.NewResult("1", map[string]int{"sum": 3}).Body()
		require.NoError(t, err)
		assert.JSONEq(t, `{"result": {"sum": 3}}`, string(body))
	})

	t.Run("nil result is encoded as null", func(t *testing.T) {
		body, err := jsonrpc.NewResult("1", nil).Body()
		require.NoError(t, err)
		assert.JSONEq(t, `{"result": null}`, string(body))
	})

	t.Run("unencodable result falls back to internal error", func(t *testing.T) {
		body, err := jsonrpc.NewResult("1", make(chan int)).Body()
		assert.Error(t, err)
		assert.JSONEq(t, `{"error": {"code": -32603, "message": "Internal error"}}`, string(body))
	})

	t.Run("DecodeResponse keeps result as raw JSON", func(t *testing.T) {
		resp, err := jsonrpc.DecodeResponse("1", []byte(`{"result": {"sum": 3}}`))
		require.NoError(t, err)
		assert.False(t, resp.IsError())
		assert.Equal(t, "1", resp.CorrelationID)
		assert.JSONEq(t, `{"sum": 3}`, string(resp.Result.(json.RawMessage)))
	})

	t.Run("DecodeResponse decodes errors", func(t *testing.T) {
		resp, err := jsonrpc.DecodeResponse("1", []byte(`{"error": {"code": -32601, "message": "Method not found"}}`))
		require.NoError(t, err)
		require.True(t, resp.IsError())
		assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
	})

	t.Run("DecodeResponse rejects malformed bodies", func(t *testing.T) {
		_, err := jsonrpc.DecodeResponse("1", []byte(`<html>`))
		assert.Error(t, err)
	})

	t.Run("ReplyAttributes mirrors the request correlation id", func(t *testing.T) {
		env := &contracts.Envelope{CorrelationID: "abc"}
		attrs := jsonrpc.ReplyAttributes(env, "server-1")
		assert.Equal(t, "abc", attrs.CorrelationID)
		assert.Equal(t, "server-1", attrs.AppID)
		assert.Empty(t, attrs.ReplyTo)
	})
}
