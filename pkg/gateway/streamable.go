package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/myunla/gateway/pkg/session"
	"github.com/myunla/gateway/pkg/transport"
)

const ndjsonContentType = "application/x-ndjson"

// handleStreamable serves the streamable HTTP transport: POST carries one
// JSON-RPC request, GET opens a standalone event stream and DELETE
// terminates the session. Session identity rides the Mcp-Session-Id
// header; a fresh client must initialize before anything else.
func (s *Server) handleStreamable(w http.ResponseWriter, r *http.Request, prefix string, rt *Runtime) {
	switch r.Method {
	case http.MethodPost:
		s.streamablePost(w, r, prefix, rt)
	case http.MethodGet:
		s.streamableGet(w, r, prefix, rt)
	case http.MethodDelete:
		s.streamableDelete(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) streamablePost(w http.ResponseWriter, r *http.Request, prefix string, rt *Runtime) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(nil, codeParseError, "invalid JSON-RPC payload", nil))
		return
	}

	if req.Method == "initialize" {
		sessionID := r.Header.Get(sessionIDHeader)
		if sessionID == "" {
			sessionID = uuid.New().String()
		}
		meta := &session.Meta{
			ID:        sessionID,
			Prefix:    prefix,
			Type:      session.TypeStreamable,
			CreatedAt: time.Now(),
			Request:   requestInfo(r),
		}
		if _, err := s.store.Register(r.Context(), meta); err != nil {
			writeStoreError(w, err)
			return
		}
		s.bindSession(sessionID, rt, false)
		s.markInitialized(sessionID)
		w.Header().Set(sessionIDHeader, sessionID)
		writeJSON(w, http.StatusOK, resultResponse(req.ID, initializeResult()))
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" || !s.isInitialized(sessionID) {
		writeJSON(w, http.StatusOK,
			errorResponse(req.ID, codeNotInitialized, "session not initialized: call initialize first", nil))
		return
	}
	conn, err := s.store.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSON(w, http.StatusOK,
				errorResponse(req.ID, codeNotInitialized, "session not initialized: call initialize first", nil))
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
	rt, _ = s.touch(sessionID, rt)

	switch {
	case req.Method == "ping":
		writeJSON(w, http.StatusOK, resultResponse(req.ID, map[string]any{}))

	case strings.HasPrefix(req.Method, "notifications/"):
		w.WriteHeader(http.StatusAccepted)

	case req.Method == "tools/list":
		tools, err := rt.Manager.FetchAllTools(r.Context())
		if err != nil {
			writeJSON(w, http.StatusOK, errorResponse(req.ID, codeInternal, err.Error(), nil))
			return
		}
		writeJSON(w, http.StatusOK, resultResponse(req.ID, mcp.ListToolsResult{Tools: tools}))

	case req.Method == "tools/call":
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusOK,
				errorResponse(req.ID, codeInvalidParams, "invalid tool call parameters", nil))
			return
		}
		if strings.Contains(r.Header.Get("Accept"), ndjsonContentType) {
			s.callToolNDJSON(w, r, rt, req.ID, params, conn.Meta().Request)
			return
		}
		result, err := rt.Manager.CallTool(r.Context(), params, conn.Meta().Request)
		if err != nil {
			writeJSON(w, http.StatusOK, callErrorResponse(req.ID, err))
			return
		}
		writeJSON(w, http.StatusOK, resultResponse(req.ID, result))

	default:
		writeJSON(w, http.StatusOK,
			errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method, nil))
	}
}

// callToolNDJSON streams a tool call as newline-delimited JSON: one
// notification object per chunk, then the final JSON-RPC response.
func (s *Server) callToolNDJSON(
	w http.ResponseWriter, r *http.Request, rt *Runtime,
	id json.RawMessage, params mcp.CallToolParams, req *session.RequestInfo,
) {
	chunkCh, err := rt.Manager.CallToolStreaming(r.Context(), params, req)
	if err != nil {
		writeJSON(w, http.StatusOK, callErrorResponse(id, err))
		return
	}

	w.Header().Set("Content-Type", ndjsonContentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	var chunks []transport.StreamChunk
	for chunk := range chunkCh {
		chunks = append(chunks, chunk)
		_ = enc.Encode(&rpcRequest{
			JSONRPC: jsonrpcVersion,
			Method:  "notifications/message",
			Params:  mustMarshal(chunk),
		})
		if flusher != nil {
			flusher.Flush()
		}
	}
	_ = enc.Encode(resultResponse(id, assembleResult(chunks)))
	if flusher != nil {
		flusher.Flush()
	}
}

// streamableGet opens a standalone event stream for an existing session,
// mirroring the SSE endpoint but without the endpoint event.
func (s *Server) streamableGet(w http.ResponseWriter, r *http.Request, prefix string, rt *Runtime) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
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
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	s.touch(sessionID, rt)
	s.setStreaming(sessionID, true)
	defer s.setStreaming(sessionID, false)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.streamSession(w, r, flusher, conn)
}

func (s *Server) streamableDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}
	s.unregister(sessionID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Session terminated"))
}
