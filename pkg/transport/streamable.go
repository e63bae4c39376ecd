package transport

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/myunla/gateway/pkg/apitypes"
)

// NewStreamable builds a transport speaking MCP over streamable HTTP.
// Chunked tool results surface through CallToolStreaming.
func NewStreamable(server *apitypes.McpServer) Transport {
	return newMCPTransport(server, func(ctx context.Context) (*client.Client, error) {
		c, err := client.NewStreamableHttpClient(
			server.URL,
			mcptransport.WithHTTPTimeout(httpTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("create streamable-http client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start streamable-http client: %w", err)
		}
		return c, nil
	})
}
