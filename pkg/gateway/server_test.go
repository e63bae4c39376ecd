package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myunla/gateway/pkg/apitypes"
	"github.com/myunla/gateway/pkg/session"
)

func deleteSession(t *testing.T, mcpURL, sessionID string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, mcpURL, nil)
	require.NoError(t, err)
	req.Header.Set(sessionIDHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func newTestServer(t *testing.T, idleTimeout time.Duration) (*Server, *State, *httptest.Server) {
	t.Helper()

	state := NewState(10 * time.Second)
	t.Cleanup(func() { state.Close(context.Background()) })

	srv := NewServer(state, session.NewMemoryStore(), idleTimeout, 10*time.Second)
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, state, ts
}

type sseEvent struct {
	Name string
	Data string
}

// openSSE connects to an event stream and feeds parsed events to a channel.
func openSSE(t *testing.T, url string, headers map[string]string) <-chan sseEvent {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	t.Cleanup(func() { _ = resp.Body.Close() })

	events := make(chan sseEvent, 32)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var event sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if event.Name != "" || event.Data != "" {
					events <- event
				}
				event = sseEvent{}
			case strings.HasPrefix(line, "event: "):
				event.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				event.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return events
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "event stream closed")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

type rpcReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
}

func postJSON(t *testing.T, url string, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeReply(t *testing.T, resp *http.Response) *rpcReply {
	t.Helper()
	var reply rpcReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return &reply
}

func TestSSESessionFlow(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)
	require.NoError(t, state.Activate(testContext(t), testConfig(startUpstream(t, "search"))))

	events := openSSE(t, ts.URL+"/acme/tools/sse", nil)
	endpoint := nextEvent(t, events)
	require.Equal(t, "endpoint", endpoint.Name)
	require.Contains(t, endpoint.Data, "/acme/tools/message?session_id=")

	messageURL := ts.URL + endpoint.Data

	// tools before initialize is rejected with -32002.
	resp := postJSON(t, messageURL, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var reply rpcReply
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, events).Data), &reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeNotInitialized, reply.Error.Code)

	resp = postJSON(t, messageURL, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{}}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var initReply rpcReply
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, events).Data), &initReply))
	require.Nil(t, initReply.Error)
	assert.Contains(t, string(initReply.Result), "protocolVersion")

	resp = postJSON(t, messageURL, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var listReply rpcReply
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, events).Data), &listReply))
	require.Nil(t, listReply.Error)
	assert.Contains(t, string(listReply.Result), `"search"`)

	// tools/call streams chunk notifications, then the final response.
	resp = postJSON(t, messageURL,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"search","arguments":{}}}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sawChunk := false
	for {
		var msg rpcReply
		require.NoError(t, json.Unmarshal([]byte(nextEvent(t, events).Data), &msg))
		if msg.Method == "notifications/message" {
			sawChunk = true
			continue
		}
		require.Nil(t, msg.Error)
		assert.Contains(t, string(msg.Result), "search")
		break
	}
	assert.True(t, sawChunk)
}

func TestMessageUnknownSession(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)
	require.NoError(t, state.Activate(testContext(t), testConfig(startUpstream(t, "search"))))

	resp := postJSON(t, ts.URL+"/acme/tools/message?session_id=ghost",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/acme/tools/message",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessageWrongPrefix(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)
	url := startUpstream(t, "search")
	require.NoError(t, state.Activate(testContext(t), testConfig(url)))

	other := testConfig(url)
	other.Name = "other"
	other.Routers[0].Prefix = "acme/other"
	require.NoError(t, state.Activate(testContext(t), other))

	events := openSSE(t, ts.URL+"/acme/tools/sse", nil)
	endpoint := nextEvent(t, events)
	sessionID := endpoint.Data[strings.Index(endpoint.Data, "=")+1:]

	// The session belongs to acme/tools; another prefix cannot use it.
	resp := postJSON(t, ts.URL+"/acme/other/message?session_id="+sessionID,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEIdleTimeoutClose(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, 300*time.Millisecond)
	require.NoError(t, state.Activate(testContext(t), testConfig(startUpstream(t, "search"))))

	events := openSSE(t, ts.URL+"/acme/tools/sse", nil)
	require.Equal(t, "endpoint", nextEvent(t, events).Name)

	closeEvent := nextEvent(t, events)
	assert.Equal(t, "close", closeEvent.Name)
	assert.Contains(t, closeEvent.Data, "idle timeout")
}

func TestStreamableRequiresInitialize(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)
	require.NoError(t, state.Activate(testContext(t), testConfig(startUpstream(t, "search"))))

	resp := postJSON(t, ts.URL+"/acme/tools/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	reply := decodeReply(t, resp)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeNotInitialized, reply.Error.Code)

	// A made-up session id is no better.
	resp = postJSON(t, ts.URL+"/acme/tools/mcp",
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{sessionIDHeader: "ghost"})
	reply = decodeReply(t, resp)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeNotInitialized, reply.Error.Code)
}

func TestStreamableLifecycle(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)
	require.NoError(t, state.Activate(testContext(t), testConfig(startUpstream(t, "search"))))

	mcpURL := ts.URL + "/acme/tools/mcp"
	resp := postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get(sessionIDHeader)
	require.NotEmpty(t, sessionID)
	reply := decodeReply(t, resp)
	require.Nil(t, reply.Error)

	headers := map[string]string{sessionIDHeader: sessionID}
	resp = postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, headers)
	reply = decodeReply(t, resp)
	require.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), `"search"`)

	resp = postJSON(t, mcpURL,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"search","arguments":{}}}`, headers)
	reply = decodeReply(t, resp)
	require.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), "search")

	resp = postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":4,"method":"ping"}`, headers)
	reply = decodeReply(t, resp)
	require.Nil(t, reply.Error)

	// DELETE terminates the session; further calls must re-initialize.
	req, err := http.NewRequest(http.MethodDelete, mcpURL, nil)
	require.NoError(t, err)
	req.Header.Set(sessionIDHeader, sessionID)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	resp = postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":5,"method":"tools/list"}`, headers)
	reply = decodeReply(t, resp)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeNotInitialized, reply.Error.Code)
}

func TestStreamableNDJSONCall(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)
	require.NoError(t, state.Activate(testContext(t), testConfig(startUpstream(t, "search"))))

	mcpURL := ts.URL + "/acme/tools/mcp"
	resp := postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	sessionID := resp.Header.Get(sessionIDHeader)
	require.NotEmpty(t, sessionID)

	resp = postJSON(t, mcpURL,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"search","arguments":{}}}`,
		map[string]string{sessionIDHeader: sessionID, "Accept": ndjsonContentType})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, ndjsonContentType, resp.Header.Get("Content-Type"))

	var lines []rpcReply
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var line rpcReply
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "notifications/message", lines[0].Method)
	final := lines[len(lines)-1]
	require.Nil(t, final.Error)
	assert.Contains(t, string(final.Result), "search")
}

func TestStreamableUnknownMethod(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)
	require.NoError(t, state.Activate(testContext(t), testConfig(startUpstream(t, "search"))))

	mcpURL := ts.URL + "/acme/tools/mcp"
	resp := postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	sessionID := resp.Header.Get(sessionIDHeader)

	resp = postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`,
		map[string]string{sessionIDHeader: sessionID})
	reply := decodeReply(t, resp)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeMethodNotFound, reply.Error.Code)
}

func TestHotReloadNewSessionsSeeNewTools(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)
	ctx := testContext(t)
	require.NoError(t, state.Activate(ctx, testConfig(startUpstream(t, "old_tool"))))

	mcpURL := ts.URL + "/acme/tools/mcp"
	resp := postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	oldSession := resp.Header.Get(sessionIDHeader)
	resp = postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{sessionIDHeader: oldSession})
	reply := decodeReply(t, resp)
	assert.Contains(t, string(reply.Result), "old_tool")

	require.NoError(t, state.Activate(ctx, testConfig(startUpstream(t, "new_tool"))))

	resp = postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":3,"method":"initialize","params":{}}`, nil)
	newSession := resp.Header.Get(sessionIDHeader)
	resp = postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`,
		map[string]string{sessionIDHeader: newSession})
	reply = decodeReply(t, resp)
	require.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), "new_tool")
	assert.NotContains(t, string(reply.Result), "old_tool")
}

func TestUnknownPrefix(t *testing.T) {
	t.Parallel()
	_, _, ts := newTestServer(t, time.Minute)

	resp, err := http.Get(ts.URL + "/no/such/prefix/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflightAndOrigin(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)

	cfg := testConfig(startUpstream(t, "search"))
	cfg.Routers[0].CORS = &apitypes.CORS{
		AllowOrigins:     []string{"https://app.example.com"},
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type"},
	}
	require.NoError(t, state.Activate(testContext(t), cfg))

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/acme/tools/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")

	// A preflight from an unlisted origin is refused.
	req, err = http.NewRequest(http.MethodOptions, ts.URL+"/acme/tools/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestHotReloadOldSessionKeepsTools(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)
	ctx := testContext(t)
	require.NoError(t, state.Activate(ctx, testConfig(startUpstream(t, "old_tool"))))
	oldRT, ok := state.Lookup("acme/tools")
	require.True(t, ok)
	oldTr := oldRT.Manager.Transports()["up"]

	mcpURL := ts.URL + "/acme/tools/mcp"
	resp := postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	oldSession := resp.Header.Get(sessionIDHeader)
	require.NotEmpty(t, oldSession)

	require.NoError(t, state.Activate(ctx, testConfig(startUpstream(t, "new_tool"))))

	// The old session keeps the tool set of the version it connected to.
	headers := map[string]string{sessionIDHeader: oldSession}
	resp = postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, headers)
	reply := decodeReply(t, resp)
	require.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), "old_tool")
	assert.NotContains(t, string(reply.Result), "new_tool")

	// Calls still route to the old upstream, so its transport must outlive
	// the swap.
	assert.True(t, oldTr.Running())
	resp = postJSON(t, mcpURL,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"old_tool","arguments":{}}}`, headers)
	reply = decodeReply(t, resp)
	require.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), "old_tool")

	// Once the session ends, the replaced manager stops.
	deleteSession(t, mcpURL, oldSession)
	require.Eventually(t, func() bool {
		return !oldTr.Running()
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDeleteClosesOpenStream(t *testing.T) {
	t.Parallel()
	_, state, ts := newTestServer(t, time.Minute)
	require.NoError(t, state.Activate(testContext(t), testConfig(startUpstream(t, "search"))))

	mcpURL := ts.URL + "/acme/tools/mcp"
	resp := postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	sessionID := resp.Header.Get(sessionIDHeader)
	require.NotEmpty(t, sessionID)

	events := openSSE(t, mcpURL, map[string]string{sessionIDHeader: sessionID})

	deleteSession(t, mcpURL, sessionID)

	closeEvent := nextEvent(t, events)
	assert.Equal(t, "close", closeEvent.Name)
	assert.Contains(t, closeEvent.Data, "session closed")
}

func TestSessionCloseCancelsInFlightCall(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	canceled := make(chan struct{})
	upstream := mcpserver.NewMCPServer("test-upstream", "1.0.0")
	upstream.AddTool(
		mcp.NewTool("slow", mcp.WithDescription("blocks until canceled")),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			close(canceled)
			return nil, ctx.Err()
		},
	)
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(upstream))
	up := httptest.NewServer(mux)
	t.Cleanup(up.Close)

	_, state, ts := newTestServer(t, time.Minute)
	require.NoError(t, state.Activate(testContext(t), testConfig(up.URL+"/mcp")))

	events := openSSE(t, ts.URL+"/acme/tools/sse", nil)
	endpoint := nextEvent(t, events)
	require.Equal(t, "endpoint", endpoint.Name)
	messageURL := ts.URL + endpoint.Data
	sessionID := endpoint.Data[strings.Index(endpoint.Data, "=")+1:]

	postJSON(t, messageURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	nextEvent(t, events)

	postJSON(t, messageURL,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"slow","arguments":{}}}`, nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool call never reached the upstream")
	}

	// Terminating the session must abort the upstream call, not leave it
	// running until the call timeout.
	deleteSession(t, ts.URL+"/acme/tools/mcp", sessionID)
	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream call still running after session close")
	}
}

func TestIdleStreamableSessionReaped(t *testing.T) {
	t.Parallel()
	srv, state, ts := newTestServer(t, 300*time.Millisecond)
	require.NoError(t, state.Activate(testContext(t), testConfig(startUpstream(t, "search"))))

	mcpURL := ts.URL + "/acme/tools/mcp"
	resp := postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	sessionID := resp.Header.Get(sessionIDHeader)
	require.NotEmpty(t, sessionID)

	// A client that vanishes without DELETE is swept once idle.
	require.Eventually(t, func() bool {
		_, err := srv.store.Get(context.Background(), sessionID)
		return errors.Is(err, session.ErrSessionNotFound)
	}, 5*time.Second, 50*time.Millisecond)

	resp = postJSON(t, mcpURL, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{sessionIDHeader: sessionID})
	reply := decodeReply(t, resp)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeNotInitialized, reply.Error.Code)
}
