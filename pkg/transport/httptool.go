package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/myunla/gateway/pkg/apitypes"
	"github.com/myunla/gateway/pkg/dsl"
	"github.com/myunla/gateway/pkg/logger"
	"github.com/myunla/gateway/pkg/session"
)

// maxResponseBytes caps upstream HTTP response bodies before JSON decoding.
const maxResponseBytes = 10 * 1024 * 1024

// HTTPTool exposes the tools of one HttpServer as an MCP transport. It
// holds no connection: every tool call renders the tool's path, headers and
// body templates against the call context and performs one HTTP request.
type HTTPTool struct {
	server *apitypes.HTTPServer
	tools  []apitypes.Tool
	client *http.Client

	started atomic.Bool
}

// NewHTTPTool builds the transport for an HttpServer. Only tools listed in
// the server's tool set are served.
func NewHTTPTool(server *apitypes.HTTPServer, allTools []apitypes.Tool, callTimeout time.Duration) *HTTPTool {
	if callTimeout <= 0 {
		callTimeout = httpTimeout
	}
	member := make(map[string]bool, len(server.Tools))
	for _, name := range server.Tools {
		member[name] = true
	}
	var tools []apitypes.Tool
	for _, tool := range allTools {
		if member[tool.Name] {
			tools = append(tools, tool)
		}
	}
	return &HTTPTool{
		server: server,
		tools:  tools,
		client: &http.Client{Timeout: callTimeout},
	}
}

// Start is connectionless for HTTP tools; it only flips the running flag.
func (t *HTTPTool) Start(_ context.Context) error {
	t.started.Store(true)
	return nil
}

// Stop flips the running flag; in-flight calls are unaffected.
func (t *HTTPTool) Stop(_ context.Context) error {
	t.started.Store(false)
	return nil
}

// Running reports whether Start has been called.
func (t *HTTPTool) Running() bool { return t.started.Load() }

// FetchTools synthesizes the MCP tool descriptors from the configured
// tools. No upstream traffic happens here.
func (t *HTTPTool) FetchTools(_ context.Context) ([]mcp.Tool, error) {
	out := make([]mcp.Tool, 0, len(t.tools))
	for i := range t.tools {
		out = append(out, describeTool(&t.tools[i]))
	}
	return out, nil
}

func describeTool(tool *apitypes.Tool) mcp.Tool {
	schema := mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}}
	if tool.InputSchema != nil {
		if typ, ok := tool.InputSchema["type"].(string); ok && typ != "" {
			schema.Type = typ
		}
		if props, ok := tool.InputSchema["properties"].(map[string]any); ok {
			schema.Properties = props
		}
		if req, ok := tool.InputSchema["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
	} else {
		for _, arg := range tool.Args {
			typ := arg.Type
			if typ == "" {
				typ = "string"
			}
			schema.Properties[arg.Name] = map[string]any{
				"type":        typ,
				"description": arg.Description,
			}
			if arg.Required {
				schema.Required = append(schema.Required, arg.Name)
			}
		}
	}
	return mcp.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
	}
}

func (t *HTTPTool) findTool(name string) *apitypes.Tool {
	for i := range t.tools {
		if t.tools[i].Name == name {
			return &t.tools[i]
		}
	}
	return nil
}

// CallTool renders the tool's request templates, performs the HTTP call and
// renders the response template. Upstream 4xx/5xx come back as tool results
// with IsError set rather than transport errors, so the MCP client sees
// them in band.
func (t *HTTPTool) CallTool(
	ctx context.Context, params mcp.CallToolParams, req *session.RequestInfo,
) (*mcp.CallToolResult, error) {
	tool := t.findTool(params.Name)
	if tool == nil {
		return nil, newError(KindToolNotFound, t.server.Name,
			fmt.Errorf("tool %q not found", params.Name))
	}

	args := toolArguments(params)
	applyDefaults(tool, args)

	evalCtx := t.buildContext(tool, args, req)

	httpReq, err := t.buildRequest(ctx, tool, args, req, evalCtx)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classify(t.server.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(t.server.Name, err)
	}

	text, err := t.renderResponse(tool, evalCtx, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		logger.Warnf("Tool %s on server %s returned HTTP %d",
			tool.Name, t.server.Name, resp.StatusCode)
		return mcp.NewToolResultError(
			fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, text)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// CallToolStreaming performs the call and replays the result as chunks.
func (t *HTTPTool) CallToolStreaming(
	ctx context.Context, params mcp.CallToolParams, req *session.RequestInfo,
) (<-chan StreamChunk, error) {
	result, err := t.CallTool(ctx, params, req)
	if err != nil {
		return nil, err
	}
	return chunkResult(result), nil
}

// buildContext assembles the evaluation context seen by the tool's
// templates: args, config, request and (later) response.
func (t *HTTPTool) buildContext(
	tool *apitypes.Tool, args map[string]any, req *session.RequestInfo,
) *dsl.Context {
	headers := map[string]string{}
	queries := map[string]string{}
	cookies := map[string]string{}
	if req != nil {
		for k, v := range req.Headers {
			headers[k] = v
		}
		for k, v := range req.Queries {
			queries[k] = v
		}
		for k, v := range req.Cookies {
			cookies[k] = v
		}
	}
	return dsl.NewContext(map[string]any{
		"args": args,
		"config": map[string]any{
			"tool_name":   tool.Name,
			"method":      tool.Method,
			"path":        tool.Path,
			"description": tool.Description,
			"baseUrl":     t.server.URL,
		},
		"request": map[string]any{
			"headers": headers,
			"query":   queries,
			"cookies": cookies,
			"body":    args,
		},
		"response": map[string]any{
			"data": map[string]any{},
			"body": map[string]any{},
		},
	})
}

func (t *HTTPTool) buildRequest(
	ctx context.Context,
	tool *apitypes.Tool,
	args map[string]any,
	req *session.RequestInfo,
	evalCtx *dsl.Context,
) (*http.Request, error) {
	path := tool.Path
	for _, arg := range tool.Args {
		if arg.Position != apitypes.PositionPath {
			continue
		}
		// OpenAPI-style {name} placeholders.
		path = strings.ReplaceAll(path, "{"+arg.Name+"}", stringifyArg(args[arg.Name]))
	}
	rendered, err := dsl.RenderTemplate(path, evalCtx)
	if err != nil {
		return nil, newError(KindUpstream, t.server.Name, err)
	}

	fullURL := strings.TrimRight(t.server.URL, "/") + "/" + strings.TrimLeft(rendered, "/")
	u, err := url.Parse(fullURL)
	if err != nil {
		return nil, newError(KindUpstream, t.server.Name, fmt.Errorf("bad url %q: %w", fullURL, err))
	}

	query := u.Query()
	for _, arg := range tool.Args {
		if arg.Position != apitypes.PositionQuery {
			continue
		}
		if v, ok := args[arg.Name]; ok {
			query.Set(arg.Name, stringifyArg(v))
		}
	}
	u.RawQuery = query.Encode()

	method := strings.ToUpper(tool.Method)
	body, contentType, err := t.buildBody(tool, args, method, evalCtx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, newError(KindUpstream, t.server.Name, err)
	}

	// Client headers pass through, tool-defined headers win.
	if req != nil {
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}
	}
	for _, arg := range tool.Args {
		if arg.Position != apitypes.PositionHeader {
			continue
		}
		if v, ok := args[arg.Name]; ok {
			httpReq.Header.Set(arg.Name, stringifyArg(v))
		}
	}
	for k, v := range tool.Headers {
		value, err := dsl.RenderTemplate(v, evalCtx)
		if err != nil {
			return nil, newError(KindUpstream, t.server.Name, err)
		}
		httpReq.Header.Set(k, value)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	return httpReq, nil
}

// buildBody renders the request body for mutating methods. An explicit
// request_body template wins; otherwise body-position args are sent as a
// JSON object.
func (t *HTTPTool) buildBody(
	tool *apitypes.Tool, args map[string]any, method string, evalCtx *dsl.Context,
) (io.Reader, string, error) {
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return nil, "", nil
	}

	if tool.RequestBody != "" {
		rendered, err := dsl.RenderTemplate(tool.RequestBody, evalCtx)
		if err != nil {
			return nil, "", newError(KindUpstream, t.server.Name, err)
		}
		if !json.Valid([]byte(rendered)) {
			return nil, "", newError(KindUpstream, t.server.Name,
				fmt.Errorf("request body template produced invalid JSON"))
		}
		return strings.NewReader(rendered), "application/json", nil
	}

	bodyArgs := map[string]any{}
	for _, arg := range tool.Args {
		if arg.Position != apitypes.PositionBody {
			continue
		}
		if v, ok := args[arg.Name]; ok {
			bodyArgs[arg.Name] = v
		}
	}
	if len(bodyArgs) == 0 {
		return nil, "application/json", nil
	}
	encoded, err := json.Marshal(bodyArgs)
	if err != nil {
		return nil, "", newError(KindUpstream, t.server.Name, err)
	}
	return bytes.NewReader(encoded), "application/json", nil
}

// renderResponse evaluates the response_body template with the decoded
// upstream body bound under response.data. Without a template the raw body
// is returned as-is.
func (t *HTTPTool) renderResponse(tool *apitypes.Tool, evalCtx *dsl.Context, body []byte) (string, error) {
	if tool.ResponseBody == "" {
		return string(body), nil
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		decoded = string(body)
	}
	data, ok := decoded.(map[string]any)
	if !ok {
		data = map[string]any{"data": decoded}
	}

	ctx := evalCtx.Child(map[string]any{
		"response": map[string]any{
			"data": data,
			"body": decoded,
		},
	})
	rendered, err := dsl.RenderTemplate(tool.ResponseBody, ctx)
	if err != nil {
		return "", newError(KindUpstream, t.server.Name, err)
	}
	return rendered, nil
}

// toolArguments normalizes the params argument payload to a string map.
func toolArguments(params mcp.CallToolParams) map[string]any {
	if m, ok := params.Arguments.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func applyDefaults(tool *apitypes.Tool, args map[string]any) {
	for _, arg := range tool.Args {
		if arg.Default == "" {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			args[arg.Name] = arg.Default
		}
	}
}

func stringifyArg(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
