// Package apitypes defines the MCP configuration document exchanged between
// the management API and the gateway runtime.
package apitypes

import "time"

// ServerType identifies how an upstream MCP server is reached.
type ServerType string

const (
	// ServerTypeSSE is an upstream spoken to over an SSE endpoint URL.
	ServerTypeSSE ServerType = "sse"
	// ServerTypeStdio is an upstream spawned as a child process.
	ServerTypeStdio ServerType = "stdio"
	// ServerTypeStreamable is an upstream spoken to over streamable HTTP.
	ServerTypeStreamable ServerType = "streamable"
)

// ConnectPolicy controls when a transport connects to its upstream.
type ConnectPolicy string

const (
	// PolicyOnStart connects at config activation; activation fails if the
	// connect fails.
	PolicyOnStart ConnectPolicy = "on_start"
	// PolicyOnDemand connects lazily on first use.
	PolicyOnDemand ConnectPolicy = "on_demand"
)

// McpConfig is the unit of tenant-scoped configuration. (TenantName, Name)
// is its composite identity.
type McpConfig struct {
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name"`
	TenantName string    `json:"tenant_name"`

	Servers     []McpServer  `json:"servers,omitempty"`
	Routers     []Router     `json:"routers,omitempty"`
	Tools       []Tool       `json:"tools,omitempty"`
	HTTPServers []HTTPServer `json:"http_servers,omitempty"`

	CreatedAt time.Time  `json:"created_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// McpServer describes one upstream MCP server inside a config.
type McpServer struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Type        ServerType    `json:"type"`
	Command     string        `json:"command,omitempty"` // stdio only
	Args        []string      `json:"args,omitempty"`    // stdio only
	URL         string        `json:"url,omitempty"`     // sse/streamable only
	Policy      ConnectPolicy `json:"policy,omitempty"`
	Preinstalled bool         `json:"preinstalled,omitempty"`
}

// Router binds a URL prefix to a server (McpServer or HTTPServer) by name.
type Router struct {
	Prefix    string `json:"prefix"`
	Server    string `json:"server"`
	SSEPrefix string `json:"sse_prefix,omitempty"`
	CORS      *CORS  `json:"cors,omitempty"`
}

// CORS is the per-router cross-origin policy.
type CORS struct {
	AllowOrigins     []string `json:"allow_origins,omitempty"`
	AllowCredentials bool     `json:"allow_credentials,omitempty"`
	AllowMethods     []string `json:"allow_methods,omitempty"`
	AllowHeaders     []string `json:"allow_headers,omitempty"`
	ExposeHeaders    []string `json:"expose_headers,omitempty"`
}

// Argument positions in the outgoing HTTP request.
const (
	PositionPath   = "path"
	PositionQuery  = "query"
	PositionHeader = "header"
	PositionBody   = "body"
)

// ToolArg describes one argument of an HTTP-backed tool and where it is
// placed in the outgoing request.
type ToolArg struct {
	Name        string `json:"name"`
	Position    string `json:"position"` // path, query, header or body
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
	Default     string `json:"default,omitempty"`
}

// Tool is an HTTP-backed tool, synthesized from OpenAPI or authored by hand.
// Headers, RequestBody and ResponseBody are template expression strings.
type Tool struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Headers      map[string]string `json:"headers,omitempty"`
	Args         []ToolArg         `json:"args,omitempty"`
	InputSchema  map[string]any    `json:"input_schema,omitempty"`
	RequestBody  string            `json:"request_body,omitempty"`
	ResponseBody string            `json:"response_body,omitempty"`
}

// HTTPServer groups Tools under a shared base URL.
type HTTPServer struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url"`
	Tools       []string `json:"tools,omitempty"`
}

// FindServer returns the named McpServer, or nil.
func (c *McpConfig) FindServer(name string) *McpServer {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i]
		}
	}
	return nil
}

// FindHTTPServer returns the named HTTPServer, or nil.
func (c *McpConfig) FindHTTPServer(name string) *HTTPServer {
	for i := range c.HTTPServers {
		if c.HTTPServers[i].Name == name {
			return &c.HTTPServers[i]
		}
	}
	return nil
}

// FindTool returns the named Tool, or nil.
func (c *McpConfig) FindTool(name string) *Tool {
	for i := range c.Tools {
		if c.Tools[i].Name == name {
			return &c.Tools[i]
		}
	}
	return nil
}

// Deleted reports whether the config has been soft-deleted.
func (c *McpConfig) Deleted() bool {
	return c.DeletedAt != nil
}
