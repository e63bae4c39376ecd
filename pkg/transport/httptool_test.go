package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myunla/gateway/pkg/apitypes"
	"github.com/myunla/gateway/pkg/session"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

func newRecordingUpstream(t *testing.T, status int, response string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.Method = r.Method
		rec.Path = r.URL.Path
		rec.Query = r.URL.RawQuery
		rec.Header = r.Header.Clone()
		rec.Body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(ts.Close)
	return ts, rec
}

func getUserTool() apitypes.Tool {
	return apitypes.Tool{
		Name:   "get_user",
		Method: "GET",
		Path:   "/users/{id}",
		Args: []apitypes.ToolArg{
			{Name: "id", Position: apitypes.PositionPath, Required: true},
			{Name: "verbose", Position: apitypes.PositionQuery, Default: "false"},
			{Name: "X-Trace", Position: apitypes.PositionHeader},
		},
		Headers: map[string]string{
			"X-Api-Key":  "{{ request.headers.authorization }}",
			"X-Upstream": "{{ config.baseUrl }}",
		},
		ResponseBody: `{{ toJSON(response.data.user) }}`,
	}
}

func newHTTPToolUnderTest(t *testing.T, status int, response string, tools ...apitypes.Tool) (*HTTPTool, *recordedRequest) {
	t.Helper()
	ts, rec := newRecordingUpstream(t, status, response)
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	server := &apitypes.HTTPServer{Name: "rest", URL: ts.URL, Tools: names}
	return NewHTTPTool(server, tools, 5*time.Second), rec
}

func TestHTTPToolFetchTools(t *testing.T) {
	t.Parallel()

	tr, _ := newHTTPToolUnderTest(t, http.StatusOK, `{}`, getUserTool())
	tools, err := tr.FetchTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "get_user", tools[0].Name)
	assert.Contains(t, tools[0].InputSchema.Properties, "id")
	assert.Contains(t, tools[0].InputSchema.Required, "id")
}

func TestHTTPToolCallRendersRequest(t *testing.T) {
	t.Parallel()

	tr, rec := newHTTPToolUnderTest(t, http.StatusOK,
		`{"user": {"id": 42, "name": "ada"}}`, getUserTool())

	req := &session.RequestInfo{Headers: map[string]string{"authorization": "Bearer tok"}}
	result, err := tr.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "get_user",
		Arguments: map[string]any{"id": float64(42), "X-Trace": "abc"},
	}, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, http.MethodGet, rec.Method)
	assert.Equal(t, "/users/42", rec.Path)
	assert.Equal(t, "verbose=false", rec.Query)
	assert.Equal(t, "abc", rec.Header.Get("X-Trace"))
	assert.Equal(t, "Bearer tok", rec.Header.Get("X-Api-Key"))
	assert.Contains(t, rec.Header.Get("X-Upstream"), "http://127.0.0.1")

	tc, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var rendered map[string]any
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &rendered))
	assert.Equal(t, "ada", rendered["name"])
}

func TestHTTPToolPostBodyTemplate(t *testing.T) {
	t.Parallel()

	tool := apitypes.Tool{
		Name:        "create_user",
		Method:      "POST",
		Path:        "/users",
		RequestBody: `{"name": "{{ args.name }}", "role": "{{ default(args.role, "member") }}"}`,
	}
	tr, rec := newHTTPToolUnderTest(t, http.StatusOK, `{"ok": true}`, tool)

	_, err := tr.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "create_user",
		Arguments: map[string]any{"name": "ada"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "application/json", rec.Header.Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body, &body))
	assert.Equal(t, "ada", body["name"])
	assert.Equal(t, "member", body["role"])
}

func TestHTTPToolPostBodyArgs(t *testing.T) {
	t.Parallel()

	tool := apitypes.Tool{
		Name:   "update_user",
		Method: "PUT",
		Path:   "/users/1",
		Args: []apitypes.ToolArg{
			{Name: "name", Position: apitypes.PositionBody},
			{Name: "ignored", Position: apitypes.PositionQuery},
		},
	}
	tr, rec := newHTTPToolUnderTest(t, http.StatusOK, `{}`, tool)

	_, err := tr.CallTool(context.Background(), mcp.CallToolParams{
		Name:      "update_user",
		Arguments: map[string]any{"name": "bob", "ignored": "q"},
	}, nil)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body, &body))
	assert.Equal(t, map[string]any{"name": "bob"}, body)
}

func TestHTTPToolUpstreamErrorStatus(t *testing.T) {
	t.Parallel()

	tool := apitypes.Tool{Name: "flaky", Method: "GET", Path: "/flaky"}
	tr, _ := newHTTPToolUnderTest(t, http.StatusInternalServerError, `{"error": "boom"}`, tool)

	result, err := tr.CallTool(context.Background(), mcp.CallToolParams{Name: "flaky"}, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHTTPToolUnknownTool(t *testing.T) {
	t.Parallel()

	tr, _ := newHTTPToolUnderTest(t, http.StatusOK, `{}`, getUserTool())
	_, err := tr.CallTool(context.Background(), mcp.CallToolParams{Name: "nope"}, nil)
	require.Error(t, err)
	assert.Equal(t, KindToolNotFound, KindOf(err))
}

func TestHTTPToolBadBodyTemplate(t *testing.T) {
	t.Parallel()

	tool := apitypes.Tool{
		Name:        "broken",
		Method:      "POST",
		Path:        "/x",
		RequestBody: `{{ 1 / 0 }}`,
	}
	tr, _ := newHTTPToolUnderTest(t, http.StatusOK, `{}`, tool)

	_, err := tr.CallTool(context.Background(), mcp.CallToolParams{Name: "broken"}, nil)
	require.Error(t, err)
}

func TestHTTPToolStreaming(t *testing.T) {
	t.Parallel()

	tool := apitypes.Tool{Name: "plain", Method: "GET", Path: "/plain"}
	tr, _ := newHTTPToolUnderTest(t, http.StatusOK, `{"v": 1}`, tool)

	ch, err := tr.CallToolStreaming(context.Background(), mcp.CallToolParams{Name: "plain"}, nil)
	require.NoError(t, err)

	var last StreamChunk
	count := 0
	for chunk := range ch {
		last = chunk
		count++
	}
	assert.Equal(t, 1, count)
	assert.True(t, last.IsFinal)
	assert.JSONEq(t, `{"v": 1}`, last.Content)
}
