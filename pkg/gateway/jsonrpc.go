package gateway

import (
	"encoding/json"
	"errors"

	"github.com/myunla/gateway/pkg/dsl"
	"github.com/myunla/gateway/pkg/transport"
)

const jsonrpcVersion = "2.0"

// JSON-RPC error codes used by the gateway endpoints.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	// codeNotInitialized is returned when a session issues any request
	// before a successful initialize.
	codeNotInitialized = -32002
	codeUpstream       = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports whether the request carries no id and therefore
// expects no response.
func (r *rpcRequest) notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data any) *rpcResponse {
	return &rpcResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	}
}

// errorKind is the machine-readable record attached to failed tool calls.
type errorKind struct {
	Kind         string `json:"kind"`
	UpstreamName string `json:"upstream_name,omitempty"`
}

// callErrorResponse maps a tools/call failure onto a JSON-RPC error with a
// stable code and a {kind, upstream_name} data record.
func callErrorResponse(id json.RawMessage, err error) *rpcResponse {
	var dslErr *dsl.Error
	if errors.As(err, &dslErr) {
		return errorResponse(id, codeUpstream, err.Error(), errorKind{Kind: "dsl_error"})
	}

	var trErr *transport.Error
	if errors.As(err, &trErr) {
		data := errorKind{Kind: string(trErr.Kind), UpstreamName: trErr.Server}
		switch trErr.Kind {
		case transport.KindToolNotFound:
			return errorResponse(id, codeInvalidParams, err.Error(), data)
		default:
			return errorResponse(id, codeUpstream, err.Error(), data)
		}
	}

	return errorResponse(id, codeInternal, err.Error(), nil)
}
