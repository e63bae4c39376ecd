package session

import (
	"context"
	"sync"

	"github.com/myunla/gateway/pkg/logger"
)

// messageBuffer is the per-session delivery channel capacity. A full buffer
// blocks producers, propagating backpressure into upstream readers.
const messageBuffer = 100

// localConn is the in-process half of a session: a bounded FIFO between the
// POST handlers producing messages and the stream writer consuming them.
type localConn struct {
	meta *Meta
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func newLocalConn(meta *Meta) *localConn {
	return &localConn{
		meta: meta,
		ch:   make(chan Message, messageBuffer),
		done: make(chan struct{}),
	}
}

func (c *localConn) Meta() *Meta { return c.meta }

func (c *localConn) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	select {
	case c.ch <- msg:
		return nil
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *localConn) Receive() <-chan Message { return c.ch }

func (c *localConn) Done() <-chan struct{} { return c.done }

func (c *localConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// MemoryStore keeps all sessions in process memory. Suitable for
// single-replica deployments and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	conns map[string]*localConn
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conns: make(map[string]*localConn)}
}

// Register creates the session and returns its connection.
func (s *MemoryStore) Register(_ context.Context, meta *Meta) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.conns[meta.ID]; ok {
		logger.Warnw("replacing existing session", "session_id", meta.ID, "prefix", meta.Prefix)
		old.Close()
	}
	conn := newLocalConn(meta)
	s.conns[meta.ID] = conn
	return conn, nil
}

// Get returns the connection for a live session.
func (s *MemoryStore) Get(_ context.Context, id string) (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.conns[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return conn, nil
}

// Unregister removes the session and closes its connection.
func (s *MemoryStore) Unregister(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.conns[id]; ok {
		conn.Close()
		delete(s.conns, id)
	}
	return nil
}

// List returns metadata for all live sessions.
func (s *MemoryStore) List(_ context.Context) ([]*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]*Meta, 0, len(s.conns))
	for _, conn := range s.conns {
		metas = append(metas, conn.meta)
	}
	return metas, nil
}

// Close closes all live connections.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
	return nil
}
