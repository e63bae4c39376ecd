package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMeta(id, prefix string) *Meta {
	return &Meta{
		ID:        id,
		Prefix:    prefix,
		Type:      TypeSSE,
		CreatedAt: time.Now().UTC(),
		Request:   &RequestInfo{Headers: map[string]string{"user-agent": "test"}},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	conn, err := store.Register(ctx, newMeta("s1", "t1"))
	require.NoError(t, err)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)

	msg := Message{Event: "message", Data: []byte(`{"jsonrpc":"2.0","id":1}`)}
	require.NoError(t, got.Send(ctx, msg))

	select {
	case received := <-conn.Receive():
		assert.Equal(t, msg, received)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryStoreOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	conn, err := store.Register(ctx, newMeta("s1", "t1"))
	require.NoError(t, err)

	for i := byte('a'); i < 'a'+10; i++ {
		require.NoError(t, conn.Send(ctx, Message{Event: "message", Data: []byte{i}}))
	}
	for i := byte('a'); i < 'a'+10; i++ {
		assert.Equal(t, []byte{i}, (<-conn.Receive()).Data)
	}
}

func TestMemoryStoreGetUnknown(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStoreUnregisterIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Register(ctx, newMeta("s1", "t1"))
	require.NoError(t, err)

	require.NoError(t, store.Unregister(ctx, "s1"))
	require.NoError(t, store.Unregister(ctx, "s1"))
	require.NoError(t, store.Unregister(ctx, "never-existed"))

	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendOnClosedConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	conn, err := store.Register(ctx, newMeta("s1", "t1"))
	require.NoError(t, err)
	require.NoError(t, store.Unregister(ctx, "s1"))

	err = conn.Send(ctx, Message{Event: "message", Data: []byte("late")})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestUnregisterSignalsDone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	conn, err := store.Register(ctx, newMeta("s1", "t1"))
	require.NoError(t, err)

	// A goroutine blocked on the connection must observe the close.
	require.NoError(t, store.Unregister(ctx, "s1"))
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not signalled after Unregister")
	}
}

func TestSendBlocksWhenFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	conn, err := store.Register(ctx, newMeta("s1", "t1"))
	require.NoError(t, err)

	for i := 0; i < messageBuffer; i++ {
		require.NoError(t, conn.Send(ctx, Message{Event: "message", Data: []byte("x")}))
	}

	sendCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = conn.Send(sendCtx, Message{Event: "message", Data: []byte("overflow")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStoreList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Register(ctx, newMeta("s1", "t1"))
	require.NoError(t, err)
	_, err = store.Register(ctx, newMeta("s2", "t2"))
	require.NoError(t, err)

	metas, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 2)
}
