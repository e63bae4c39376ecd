package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/myunla/gateway/pkg/logger"
	"github.com/myunla/gateway/pkg/session"
	"github.com/myunla/gateway/pkg/transport"
)

const (
	// keepAliveInterval is how often an SSE comment is written to hold the
	// connection open through intermediaries.
	keepAliveInterval = 30 * time.Second

	sessionIDHeader = "Mcp-Session-Id"
)

// serverInfo identifies this gateway in initialize responses.
var serverInfo = mcp.Implementation{Name: "myunla-gateway", Version: "0.1.0"}

// Server is the client-facing HTTP server. It serves, per router prefix,
// an SSE endpoint, its message endpoint and a streamable HTTP endpoint.
type Server struct {
	state       *State
	store       session.Store
	idleTimeout time.Duration
	callTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
	stop     chan struct{}
	stopOnce sync.Once
}

// sessionState is this replica's view of one session: the runtime it was
// created against (sessions keep that config version's tool set for their
// whole lifetime), the initialize gate and reaper bookkeeping.
type sessionState struct {
	runtime     *Runtime
	initialized bool
	streaming   bool
	lastSeen    time.Time
}

// NewServer wires the runtime state and session store into a gateway
// server. idleTimeout closes sessions with no delivered traffic;
// callTimeout bounds each upstream tools/call. Call Close to stop the
// idle-session reaper.
func NewServer(state *State, store session.Store, idleTimeout, callTimeout time.Duration) *Server {
	s := &Server{
		state:       state,
		store:       store,
		idleTimeout: idleTimeout,
		callTimeout: callTimeout,
		sessions:    map[string]*sessionState{},
		stop:        make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

// Close stops the idle-session reaper. Live sessions and runtime state
// belong to their own owners.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Handler returns the gateway's HTTP handler. Router prefixes may span
// multiple path segments, so a catch-all route splits off the trailing
// endpoint name itself.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/*", s.dispatch)
	return r
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		http.NotFound(w, r)
		return
	}
	prefix, endpoint := path[:idx], path[idx+1:]

	rt, ok := s.state.Lookup(prefix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if applyCORS(w, r, rt.Router.CORS) {
		return
	}

	switch endpoint {
	case "sse":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleSSE(w, r, prefix, rt)
	case "message":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleMessage(w, r, prefix, rt)
	case "mcp":
		s.handleStreamable(w, r, prefix, rt)
	default:
		http.NotFound(w, r)
	}
}

// handleSSE registers a session and streams its messages to the client
// until disconnect or idle timeout.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, prefix string, rt *Runtime) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	meta := &session.Meta{
		ID:        sessionID,
		Prefix:    prefix,
		Type:      session.TypeSSE,
		CreatedAt: time.Now(),
		Request:   requestInfo(r),
	}
	conn, err := s.store.Register(r.Context(), meta)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.bindSession(sessionID, rt, true)
	defer s.unregisterStream(sessionID, conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	endpointURL := fmt.Sprintf("/%s/message?session_id=%s", prefix, sessionID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpointURL)
	flusher.Flush()

	s.streamSession(w, r, flusher, conn)
}

// streamSession pumps a session's messages onto an open event stream. It
// returns when the client disconnects, the session closes, or the idle
// timeout fires (announced with a close event).
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request, flusher http.Flusher, conn session.Connection) {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			fmt.Fprint(w, "event: close\ndata: {\"reason\":\"session closed\"}\n\n")
			flusher.Flush()
			return
		case msg, ok := <-conn.Receive():
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			flusher.Flush()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout)
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-idle.C:
			fmt.Fprint(w, "event: close\ndata: {\"reason\":\"idle timeout\"}\n\n")
			flusher.Flush()
			return
		}
	}
}

// bindSession pins a new session to the runtime it was created against.
// Later requests resolve tools through that runtime even after a reload
// replaces the config.
func (s *Server) bindSession(sessionID string, rt *Runtime, streaming bool) {
	s.state.retain(rt)
	s.mu.Lock()
	prev := s.sessions[sessionID]
	s.sessions[sessionID] = &sessionState{runtime: rt, streaming: streaming, lastSeen: time.Now()}
	s.mu.Unlock()
	if prev != nil {
		// Re-registration under the same id replaced the session.
		s.state.release(context.Background(), prev.runtime)
	}
}

// touch refreshes the session's reaper clock and returns its pinned
// runtime and initialize state. A session registered by another replica
// has no local pin yet; it is bound to the runtime serving this request.
func (s *Server) touch(sessionID string, fallback *Runtime) (*Runtime, bool) {
	s.mu.Lock()
	if st, ok := s.sessions[sessionID]; ok {
		st.lastSeen = time.Now()
		rt, initialized := st.runtime, st.initialized
		s.mu.Unlock()
		return rt, initialized
	}
	s.mu.Unlock()

	s.bindSession(sessionID, fallback, false)
	return fallback, false
}

// setStreaming records whether this replica currently holds an open event
// stream for the session. Streaming sessions are exempt from the reaper;
// their own stream writer enforces the idle timeout.
func (s *Server) setStreaming(sessionID string, streaming bool) {
	s.mu.Lock()
	if st, ok := s.sessions[sessionID]; ok {
		st.streaming = streaming
		st.lastSeen = time.Now()
	}
	s.mu.Unlock()
}

// unregister removes a session and drops its runtime pin. The request
// context is usually gone by then, so it runs on its own deadline.
func (s *Server) unregister(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Unregister(ctx, sessionID); err != nil {
		logger.Warnf("Failed to unregister session %s: %v", sessionID, err)
	}
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if ok {
		s.state.release(ctx, st.runtime)
	}
}

// unregisterStream removes a session after its stream ends, unless a newer
// registration already replaced it under the same id.
func (s *Server) unregisterStream(sessionID string, conn session.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if current, err := s.store.Get(ctx, sessionID); err == nil && current != conn {
		return
	}
	s.unregister(sessionID)
}

func (s *Server) markInitialized(sessionID string) {
	s.mu.Lock()
	if st, ok := s.sessions[sessionID]; ok {
		st.initialized = true
		st.lastSeen = time.Now()
	}
	s.mu.Unlock()
}

func (s *Server) isInitialized(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	return ok && st.initialized
}

// reapLoop sweeps sessions that have no open stream here and have not
// been touched within the idle timeout. Without it, streamable clients
// that vanish after initialize would pile up forever.
func (s *Server) reapLoop() {
	interval := s.idleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

func (s *Server) reapIdle() {
	cutoff := time.Now().Add(-s.idleTimeout)
	var expired []string
	s.mu.Lock()
	for id, st := range s.sessions {
		if !st.streaming && st.lastSeen.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()
	for _, id := range expired {
		logger.Infow("reaping idle session", "session_id", id)
		s.unregister(id)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrStoreUnavailable) {
		http.Error(w, "Session store unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to write response: %v", err)
	}
}

// initializeResult is the capabilities document returned to initialize.
func initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"serverInfo": serverInfo,
	}
}

// assembleResult rebuilds a complete tool result from a drained chunk
// stream.
func assembleResult(chunks []transport.StreamChunk) *mcp.CallToolResult {
	result := &mcp.CallToolResult{}
	for _, chunk := range chunks {
		if chunk.Content != "" {
			result.Content = append(result.Content, mcp.NewTextContent(chunk.Content))
		}
		if isErr, ok := chunk.Metadata["is_error"].(bool); ok && isErr {
			result.IsError = true
		}
	}
	return result
}
