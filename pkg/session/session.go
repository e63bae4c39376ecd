// Package session stores live gateway sessions and routes messages to the
// goroutine holding each session's event stream open, locally or across
// replicas.
package session

import (
	"context"
	"errors"
	"time"
)

// Session type values recorded in Meta.Type.
const (
	TypeSSE        = "sse"
	TypeStreamable = "streamable"
)

var (
	// ErrSessionNotFound is returned when a session id is not known to the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when sending on a closed connection.
	ErrSessionClosed = errors.New("session closed")
	// ErrStoreUnavailable indicates the backing store cannot be reached.
	// Callers surface it to clients as 503.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Message is one event delivered to the client over the session's stream.
type Message struct {
	Event string `json:"event"`
	Data  []byte `json:"data"`
}

// RequestInfo captures the HTTP request that created the session. It is
// frozen for the session's lifetime; tool templates may reference it.
type RequestInfo struct {
	Headers map[string]string `json:"headers,omitempty"`
	Queries map[string]string `json:"queries,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
}

// Meta is the durable description of a session.
type Meta struct {
	ID        string       `json:"id"`
	Prefix    string       `json:"prefix"`
	Type      string       `json:"type"`
	CreatedAt time.Time    `json:"created_at"`
	Request   *RequestInfo `json:"request,omitempty"`
}

// Connection is one registered session as seen by its producer and consumer.
// Send may be called from any goroutine; Receive is consumed by the single
// goroutine writing the client's event stream.
type Connection interface {
	// Meta returns the session's metadata.
	Meta() *Meta

	// Send queues a message for delivery to the client. It blocks while the
	// session's buffer is full, until ctx is done or the session closes.
	Send(ctx context.Context, msg Message) error

	// Receive returns the channel of messages to deliver. Remote handles
	// return nil.
	Receive() <-chan Message

	// Done returns a channel closed when the session closes, so the stream
	// writer can observe Unregister or Store.Close. Remote handles return
	// nil.
	Done() <-chan struct{}

	// Close tears down the local delivery channel. It does not unregister
	// the session from the store.
	Close()
}

// Store registers sessions and hands out connections to them.
type Store interface {
	// Register creates the session and returns its local connection.
	Register(ctx context.Context, meta *Meta) (Connection, error)

	// Get returns the connection for a live session. On a replicated store
	// this may be a remote handle whose Send publishes toward the replica
	// holding the consumer. Returns ErrSessionNotFound if the id is unknown.
	Get(ctx context.Context, id string) (Connection, error)

	// Unregister removes the session and closes its connection. Unknown ids
	// are a no-op.
	Unregister(ctx context.Context, id string) error

	// List returns metadata for all live sessions.
	List(ctx context.Context) ([]*Meta, error)

	// Close releases store resources and closes all local connections.
	Close() error
}
