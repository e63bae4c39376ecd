// Package oas converts OpenAPI 3 documents into MCP configurations: one
// config per document, with an HTTP server per document and a tool per
// operation.
package oas

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/myunla/gateway/pkg/apitypes"
)

type document struct {
	OpenAPI string `json:"openapi"`
	Info    struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"info"`
	Servers []struct {
		URL string `json:"url"`
	} `json:"servers"`
	Paths      map[string]map[string]*operation `json:"paths"`
	Components struct {
		Schemas map[string]*schema `json:"schemas"`
	} `json:"components"`
}

type operation struct {
	OperationID string      `json:"operationId"`
	Summary     string      `json:"summary"`
	Description string      `json:"description"`
	Parameters  []parameter `json:"parameters"`
	RequestBody *struct {
		Required bool `json:"required"`
		Content  map[string]struct {
			Schema *schema `json:"schema"`
		} `json:"content"`
	} `json:"requestBody"`
}

type parameter struct {
	Name        string  `json:"name"`
	In          string  `json:"in"`
	Required    bool    `json:"required"`
	Description string  `json:"description"`
	Schema      *schema `json:"schema"`
}

type schema struct {
	Ref         string             `json:"$ref"`
	Type        string             `json:"type"`
	Description string             `json:"description"`
	Default     any                `json:"default"`
	Properties  map[string]*schema `json:"properties"`
	Required    []string           `json:"required"`
}

// httpMethods lists the path-item keys that describe operations.
var httpMethods = map[string]string{
	"get": "GET", "post": "POST", "put": "PUT",
	"delete": "DELETE", "patch": "PATCH", "head": "HEAD",
}

// Convert parses an OpenAPI 3 JSON document and produces one McpConfig:
// a single HTTP server holding every operation as a tool, and a router
// exposing them under {tenant}/{config name}.
func Convert(data []byte, tenant string) (*apitypes.McpConfig, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if doc.Info.Title == "" {
		return nil, fmt.Errorf("openapi document has no info.title")
	}
	if len(doc.Paths) == 0 {
		return nil, fmt.Errorf("openapi document has no paths")
	}

	// A random suffix keeps repeated imports of the same document from
	// colliding.
	name := slug(doc.Info.Title) + "-" + uuid.NewString()[:8]
	var baseURL string
	if len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}

	now := time.Now()
	cfg := &apitypes.McpConfig{
		Name:       name,
		TenantName: tenant,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	server := apitypes.HTTPServer{
		Name:        name,
		Description: doc.Info.Description,
		URL:         baseURL,
	}

	for path, item := range doc.Paths {
		for method, op := range item {
			upper, ok := httpMethods[strings.ToLower(method)]
			if !ok || op == nil {
				continue
			}
			tool := convertOperation(&doc, path, upper, op)
			cfg.Tools = append(cfg.Tools, tool)
			server.Tools = append(server.Tools, tool.Name)
		}
	}
	if len(cfg.Tools) == 0 {
		return nil, fmt.Errorf("openapi document defines no operations")
	}

	cfg.HTTPServers = []apitypes.HTTPServer{server}
	cfg.Routers = []apitypes.Router{{
		Prefix: tenant + "/" + name,
		Server: name,
		CORS: &apitypes.CORS{
			AllowOrigins:     []string{"*"},
			AllowCredentials: true,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders: []string{
				"Authorization", "Content-Type",
				"mcp-protocol-version", "Mcp-Session-Id",
			},
			ExposeHeaders: []string{"Mcp-Session-Id", "mcp-protocol-version"},
		},
	}}
	return cfg, nil
}

func convertOperation(doc *document, path, method string, op *operation) apitypes.Tool {
	name := op.OperationID
	if name == "" {
		name = strings.ToLower(method) + "-" + slug(path)
	}
	description := op.Summary
	if description == "" {
		description = op.Description
	}

	tool := apitypes.Tool{
		Name:        name,
		Description: description,
		Method:      method,
		Path:        path,
		Headers:     map[string]string{"Content-Type": "application/json"},
	}

	for _, param := range op.Parameters {
		arg := apitypes.ToolArg{
			Name:        param.Name,
			Position:    param.In,
			Type:        "string",
			Required:    param.Required,
			Description: param.Description,
		}
		if param.Schema != nil {
			if param.Schema.Type != "" {
				arg.Type = param.Schema.Type
			}
			if param.Schema.Default != nil {
				arg.Default = fmt.Sprint(param.Schema.Default)
			}
		}
		if param.In == apitypes.PositionPath {
			arg.Required = true
		}
		tool.Args = append(tool.Args, arg)
	}

	if body := resolveBodySchema(doc, op); body != nil {
		required := map[string]bool{}
		for _, name := range body.Required {
			required[name] = true
		}
		for propName, prop := range body.Properties {
			arg := apitypes.ToolArg{
				Name:     propName,
				Position: apitypes.PositionBody,
				Type:     "string",
			}
			if prop != nil {
				if prop.Type != "" {
					arg.Type = prop.Type
				}
				arg.Description = prop.Description
				if prop.Default != nil {
					arg.Default = fmt.Sprint(prop.Default)
				}
			}
			arg.Required = required[propName]
			tool.Args = append(tool.Args, arg)
		}
	}

	tool.InputSchema = inputSchema(tool.Args)
	return tool
}

// resolveBodySchema returns the application/json request body schema,
// following one level of $ref into components.
func resolveBodySchema(doc *document, op *operation) *schema {
	if op.RequestBody == nil {
		return nil
	}
	media, ok := op.RequestBody.Content["application/json"]
	if !ok || media.Schema == nil {
		return nil
	}
	s := media.Schema
	if s.Ref != "" {
		refName := strings.TrimPrefix(s.Ref, "#/components/schemas/")
		if resolved, ok := doc.Components.Schemas[refName]; ok {
			return resolved
		}
		return nil
	}
	return s
}

func inputSchema(args []apitypes.ToolArg) map[string]any {
	properties := map[string]any{}
	var required []string
	for _, arg := range args {
		prop := map[string]any{"type": arg.Type}
		if arg.Description != "" {
			prop["description"] = arg.Description
		}
		properties[arg.Name] = prop
		if arg.Required {
			required = append(required, arg.Name)
		}
	}
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// slug lowercases and strips a string down to [a-z0-9-] for use in names
// and prefixes.
func slug(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
