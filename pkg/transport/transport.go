// Package transport connects the gateway to upstream MCP servers. A
// transport owns exactly one upstream (an McpServer, or an HttpServer for
// the HTTP-tool case) and translates tools/list and tools/call onto it.
package transport

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/myunla/gateway/pkg/apitypes"
	"github.com/myunla/gateway/pkg/session"
)

// StreamChunk is one piece of a streaming tool result. The sequence ends
// with a chunk whose IsFinal flag is set, or with channel close on error.
type StreamChunk struct {
	Content   string         `json:"content"`
	ChunkID   int            `json:"chunk_id"`
	Timestamp time.Time      `json:"timestamp"`
	IsFinal   bool           `json:"is_final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Transport is the per-upstream connection contract. Implementations are
// safe for concurrent use; every call path connects on demand when the
// transport is not yet running.
type Transport interface {
	// Start establishes the upstream connection and performs the MCP
	// handshake. Starting a running transport is a no-op.
	Start(ctx context.Context) error

	// Stop tears the connection down and clears the tool cache.
	// Stopping a stopped transport is a no-op.
	Stop(ctx context.Context) error

	// Running reports whether the transport currently holds a
	// connection.
	Running() bool

	// FetchTools lists the upstream's tools and refreshes the local
	// tool cache used for call routing.
	FetchTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool invokes one tool. All failures are reported as *Error;
	// a tool-level failure from the upstream comes back as a result
	// with IsError set, not as an error.
	CallTool(ctx context.Context, params mcp.CallToolParams, req *session.RequestInfo) (*mcp.CallToolResult, error)

	// CallToolStreaming invokes one tool and yields the result as a
	// chunk sequence. The returned channel is closed after the final
	// chunk.
	CallToolStreaming(ctx context.Context, params mcp.CallToolParams, req *session.RequestInfo) (<-chan StreamChunk, error)
}

// New builds the transport matching the server's declared type.
func New(server *apitypes.McpServer) (Transport, error) {
	switch server.Type {
	case apitypes.ServerTypeSSE:
		return NewSSE(server), nil
	case apitypes.ServerTypeStdio:
		return NewStdio(server), nil
	case apitypes.ServerTypeStreamable:
		return NewStreamable(server), nil
	default:
		return nil, newError(KindUpstream, server.Name, errUnsupportedType(server.Type))
	}
}
