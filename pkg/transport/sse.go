package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/myunla/gateway/pkg/apitypes"
)

const (
	httpTimeout    = 30 * time.Second
	sseReadTimeout = 5 * time.Minute
)

// NewSSE builds a transport speaking MCP over the upstream's SSE endpoint.
func NewSSE(server *apitypes.McpServer) Transport {
	return newMCPTransport(server, func(ctx context.Context) (*client.Client, error) {
		httpClient := &http.Client{Timeout: sseReadTimeout}
		c, err := client.NewSSEMCPClient(
			server.URL,
			mcptransport.WithHTTPClient(httpClient),
		)
		if err != nil {
			return nil, fmt.Errorf("create SSE client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start SSE client: %w", err)
		}
		return c, nil
	})
}
