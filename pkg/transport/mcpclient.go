package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/myunla/gateway/pkg/apitypes"
	"github.com/myunla/gateway/pkg/logger"
	"github.com/myunla/gateway/pkg/session"
)

// clientFactory produces a started (but not yet initialized) mcp-go client.
type clientFactory func(ctx context.Context) (*client.Client, error)

func errUnsupportedType(t apitypes.ServerType) error {
	return fmt.Errorf("unsupported server type %q", t)
}

// mcpTransport is the shared connection machinery behind the SSE, stdio and
// streamable transports. The three differ only in how the underlying
// mcp-go client is built.
type mcpTransport struct {
	server  *apitypes.McpServer
	factory clientFactory

	mu     sync.Mutex
	client *client.Client
	tools  []mcp.Tool
}

func newMCPTransport(server *apitypes.McpServer, factory clientFactory) *mcpTransport {
	return &mcpTransport{server: server, factory: factory}
}

func (t *mcpTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked(ctx)
}

func (t *mcpTransport) startLocked(ctx context.Context) error {
	if t.client != nil {
		logger.Warnf("Transport for server %s already running", t.server.Name)
		return nil
	}

	c, err := t.factory(ctx)
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			return te
		}
		return newError(KindNotConnected, t.server.Name, err)
	}

	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "myunla-gateway",
				Version: "0.1.0",
			},
		},
	}); err != nil {
		_ = c.Close()
		return newError(KindNotConnected, t.server.Name, fmt.Errorf("initialize: %w", err))
	}

	t.client = c
	logger.Infof("Transport for server %s started", t.server.Name)
	return nil
}

func (t *mcpTransport) Stop(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	if err := t.client.Close(); err != nil {
		logger.Errorf("Error closing transport for server %s: %v", t.server.Name, err)
	}
	t.client = nil
	t.tools = nil
	logger.Infof("Transport for server %s stopped", t.server.Name)
	return nil
}

func (t *mcpTransport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil
}

// acquire returns a connected client, starting the transport on demand.
func (t *mcpTransport) acquire(ctx context.Context) (*client.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		if err := t.startLocked(ctx); err != nil {
			return nil, err
		}
	}
	return t.client, nil
}

// reconnect drops the current connection and establishes a fresh one. At
// most one reconnect happens per call; callers do not loop.
func (t *mcpTransport) reconnect(ctx context.Context) (*client.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
	if err := t.startLocked(ctx); err != nil {
		return nil, err
	}
	return t.client, nil
}

func (t *mcpTransport) FetchTools(ctx context.Context) ([]mcp.Tool, error) {
	c, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		logger.Warnf("tools/list failed for server %s, reconnecting: %v", t.server.Name, err)
		c, rerr := t.reconnect(ctx)
		if rerr != nil {
			return nil, rerr
		}
		result, err = c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, classify(t.server.Name, err)
		}
	}

	t.mu.Lock()
	t.tools = result.Tools
	t.mu.Unlock()

	logger.Infof("Fetched %d tools from server %s", len(result.Tools), t.server.Name)
	return result.Tools, nil
}

func (t *mcpTransport) hasTool(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.tools {
		if t.tools[i].Name == name {
			return true
		}
	}
	return false
}

func (t *mcpTransport) toolCacheEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tools) == 0
}

func (t *mcpTransport) CallTool(
	ctx context.Context, params mcp.CallToolParams, _ *session.RequestInfo,
) (*mcp.CallToolResult, error) {
	c, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}

	if t.toolCacheEmpty() {
		if _, err := t.FetchTools(ctx); err != nil {
			return nil, err
		}
	}
	if !t.hasTool(params.Name) {
		return nil, newError(KindToolNotFound, t.server.Name,
			fmt.Errorf("tool %q not found", params.Name))
	}

	result, err := c.CallTool(ctx, mcp.CallToolRequest{Params: params})
	if err != nil {
		if ctx.Err() != nil {
			return nil, classify(t.server.Name, ctx.Err())
		}
		logger.Warnf("tools/call %s failed for server %s, reconnecting: %v",
			params.Name, t.server.Name, err)
		c, rerr := t.reconnect(ctx)
		if rerr != nil {
			return nil, rerr
		}
		result, err = c.CallTool(ctx, mcp.CallToolRequest{Params: params})
		if err != nil {
			return nil, classify(t.server.Name, err)
		}
	}
	return result, nil
}

func (t *mcpTransport) CallToolStreaming(
	ctx context.Context, params mcp.CallToolParams, req *session.RequestInfo,
) (<-chan StreamChunk, error) {
	result, err := t.CallTool(ctx, params, req)
	if err != nil {
		return nil, err
	}
	return chunkResult(result), nil
}

// chunkResult splits a finished tool result into one chunk per text content
// block, marking the last one final. Results with no text content still
// produce one final chunk so consumers always see a terminator.
func chunkResult(result *mcp.CallToolResult) <-chan StreamChunk {
	var texts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, tc.Text)
		}
	}
	if len(texts) == 0 {
		texts = []string{""}
	}

	ch := make(chan StreamChunk, len(texts))
	now := time.Now()
	for i, text := range texts {
		chunk := StreamChunk{
			Content:   text,
			ChunkID:   i,
			Timestamp: now,
			IsFinal:   i == len(texts)-1,
		}
		if result.IsError {
			chunk.Metadata = map[string]any{"is_error": true}
		}
		ch <- chunk
	}
	close(ch)
	return ch
}
