package transport

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/client"

	"github.com/myunla/gateway/pkg/apitypes"
)

// NewStdio builds a transport that spawns the server's command as a child
// process and speaks JSON-RPC over its stdin/stdout. The command string may
// carry leading arguments of its own; declared args are appended.
//
// Spawn failures for servers not marked preinstalled are reported as
// install errors so callers can tell a missing binary from a broken
// connection.
func NewStdio(server *apitypes.McpServer) Transport {
	return newMCPTransport(server, func(_ context.Context) (*client.Client, error) {
		fields := strings.Fields(server.Command)
		if len(fields) == 0 {
			return nil, newError(KindInstall, server.Name,
				fmt.Errorf("empty command"))
		}
		command := fields[0]
		args := append(fields[1:], server.Args...)

		c, err := client.NewStdioMCPClient(command, os.Environ(), args...)
		if err != nil {
			if !server.Preinstalled {
				return nil, newError(KindInstall, server.Name,
					fmt.Errorf("spawn %s: %w", command, err))
			}
			return nil, fmt.Errorf("spawn %s: %w", command, err)
		}
		return c, nil
	})
}
