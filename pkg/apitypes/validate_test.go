package apitypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *McpConfig {
	return &McpConfig{
		Name:       "demo",
		TenantName: "acme",
		Servers: []McpServer{
			{Name: "weather", Type: ServerTypeSSE, URL: "http://weather.local/sse"},
			{Name: "files", Type: ServerTypeStdio, Command: "mcp-files", Args: []string{"--root", "/tmp"}},
		},
		Tools: []Tool{
			{Name: "get_user", Method: "GET", Path: "/users/{id}"},
		},
		HTTPServers: []HTTPServer{
			{Name: "crm", URL: "https://crm.local/api", Tools: []string{"get_user"}},
		},
		Routers: []Router{
			{Prefix: "weather", SSEPrefix: "weather-sse", Server: "weather"},
			{Prefix: "crm", Server: "crm"},
		},
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*McpConfig)
		wantErr string
	}{
		{
			name:    "missing tenant",
			mutate:  func(c *McpConfig) { c.TenantName = "" },
			wantErr: "tenant_name is required",
		},
		{
			name:    "dangling router reference",
			mutate:  func(c *McpConfig) { c.Routers[0].Server = "nonexistent" },
			wantErr: "unknown server",
		},
		{
			name: "duplicate prefix",
			mutate: func(c *McpConfig) {
				c.Routers = append(c.Routers, Router{Prefix: "weather", Server: "files"})
			},
			wantErr: "duplicate router prefix",
		},
		{
			name: "sse prefix collides with another router",
			mutate: func(c *McpConfig) {
				c.Routers[0].SSEPrefix = "crm"
			},
			wantErr: "duplicate router prefix",
		},
		{
			name: "duplicate server name across kinds",
			mutate: func(c *McpConfig) {
				c.HTTPServers = append(c.HTTPServers, HTTPServer{Name: "weather", URL: "http://x"})
			},
			wantErr: "duplicate server name",
		},
		{
			name:    "stdio without command",
			mutate:  func(c *McpConfig) { c.Servers[1].Command = "" },
			wantErr: "has no command",
		},
		{
			name:    "sse without url",
			mutate:  func(c *McpConfig) { c.Servers[0].URL = "" },
			wantErr: "has no url",
		},
		{
			name:    "unknown server type",
			mutate:  func(c *McpConfig) { c.Servers[0].Type = "grpc" },
			wantErr: "unsupported type",
		},
		{
			name:    "http server references unknown tool",
			mutate:  func(c *McpConfig) { c.HTTPServers[0].Tools = []string{"missing"} },
			wantErr: "unknown tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEffectivePolicy(t *testing.T) {
	s := &McpServer{Name: "x", Type: ServerTypeSSE, URL: "http://x"}
	assert.Equal(t, PolicyOnDemand, s.EffectivePolicy())
	s.Policy = PolicyOnStart
	assert.Equal(t, PolicyOnStart, s.EffectivePolicy())
}
