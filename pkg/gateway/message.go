package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/myunla/gateway/pkg/logger"
	"github.com/myunla/gateway/pkg/session"
	"github.com/myunla/gateway/pkg/transport"
)

const maxMessageBytes = 4 << 20

// handleMessage accepts one JSON-RPC request from an SSE client. The HTTP
// response is always 202 Accepted; results travel back as message events
// on the session's open SSE stream.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, prefix string, rt *Runtime) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.store.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "Could not find session", http.StatusNotFound)
			return
		}
		writeStoreError(w, err)
		return
	}
	if conn.Meta().Prefix != prefix {
		http.Error(w, "Could not find session", http.StatusNotFound)
		return
	}
	// Resolve through the runtime the session was created against, so a
	// reload between requests does not change its tool set.
	rt, initialized := s.touch(sessionID, rt)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Error parsing JSON-RPC message", http.StatusBadRequest)
		return
	}

	switch {
	case req.Method == "initialize":
		s.markInitialized(sessionID)
		s.push(conn, resultResponse(req.ID, initializeResult()))

	case req.Method == "ping":
		s.push(conn, resultResponse(req.ID, map[string]any{}))

	case strings.HasPrefix(req.Method, "notifications/"):
		// Acknowledged, no upstream work and no response.

	case req.Method == "tools/list":
		if !initialized {
			s.push(conn, errorResponse(req.ID, codeNotInitialized, "session not initialized", nil))
			break
		}
		tools, err := rt.Manager.FetchAllTools(r.Context())
		if err != nil {
			s.push(conn, errorResponse(req.ID, codeInternal, err.Error(), nil))
			break
		}
		s.push(conn, resultResponse(req.ID, mcp.ListToolsResult{Tools: tools}))

	case req.Method == "tools/call":
		if !initialized {
			s.push(conn, errorResponse(req.ID, codeNotInitialized, "session not initialized", nil))
			break
		}
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.push(conn, errorResponse(req.ID, codeInvalidParams, "invalid tool call parameters", nil))
			break
		}
		// The POST returns immediately; chunks and the final result arrive
		// as events on the SSE stream.
		go s.callToolSSE(rt, conn, req.ID, params)

	default:
		s.push(conn, errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method, nil))
	}

	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte("Accepted")); err != nil {
		logger.Warnf("Failed to write response: %v", err)
	}
}

// callToolSSE runs one tool call and streams its chunks, then the final
// result, onto the session's event stream.
func (s *Server) callToolSSE(rt *Runtime, conn session.Connection, id json.RawMessage, params mcp.CallToolParams) {
	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()

	// Client disconnect closes the session; abort the in-flight call.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-finished:
		}
	}()

	chunkCh, err := rt.Manager.CallToolStreaming(ctx, params, conn.Meta().Request)
	if err != nil {
		s.push(conn, callErrorResponse(id, err))
		return
	}

	var chunks []transport.StreamChunk
	for chunk := range chunkCh {
		chunks = append(chunks, chunk)
		s.push(conn, &rpcRequest{
			JSONRPC: jsonrpcVersion,
			Method:  "notifications/message",
			Params:  mustMarshal(chunk),
		})
	}
	s.push(conn, resultResponse(id, assembleResult(chunks)))
}

// push serializes a JSON-RPC payload as a message event on the session
// stream. Delivery failures are logged; a full buffer applies
// backpressure through Send's blocking.
func (s *Server) push(conn session.Connection, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("Failed to encode event payload: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()
	if err := conn.Send(ctx, session.Message{Event: "message", Data: data}); err != nil {
		logger.Debugf("Dropping event for session %s: %v", conn.Meta().ID, err)
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
