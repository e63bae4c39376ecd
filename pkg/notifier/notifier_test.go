package notifier

import (
	"context"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, ch <-chan *UpdateEvent) *UpdateEvent {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update event")
		return nil
	}
}

func TestSignalNotifierInProcess(t *testing.T) {
	n := NewSignal(RoleBoth, "")
	defer n.Close()

	ch, err := n.Watch(context.Background())
	require.NoError(t, err)

	want := &UpdateEvent{Tenant: "acme", Name: "cfg", Op: OpUpdate}
	require.NoError(t, n.Notify(context.Background(), want))
	assert.Equal(t, want, waitEvent(t, ch))
}

func TestSignalNotifierRelaysSIGHUP(t *testing.T) {
	n := NewSignal(RoleReceiver, "")
	defer n.Close()

	ch, err := n.Watch(context.Background())
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	// A reload signal arrives as a nil event.
	assert.Nil(t, waitEvent(t, ch))
}

func TestSignalNotifierRoles(t *testing.T) {
	sender := NewSignal(RoleSender, "")
	defer sender.Close()
	_, err := sender.Watch(context.Background())
	assert.ErrorIs(t, err, ErrCannotReceive)

	receiver := NewSignal(RoleReceiver, "")
	defer receiver.Close()
	err = receiver.Notify(context.Background(), nil)
	assert.ErrorIs(t, err, ErrCannotSend)
}

func newRedisPair(t *testing.T) (*RedisNotifier, *RedisNotifier) {
	t.Helper()
	mr := miniredis.RunT(t)

	sender := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "notify:events", RoleSender)
	receiver := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "notify:events", RoleReceiver)
	t.Cleanup(func() {
		sender.Close()
		receiver.Close()
	})
	return sender, receiver
}

func TestRedisNotifierDelivery(t *testing.T) {
	sender, receiver := newRedisPair(t)

	ch, err := receiver.Watch(context.Background())
	require.NoError(t, err)

	want := &UpdateEvent{Tenant: "acme", Name: "cfg", Op: OpActivate}
	require.Eventually(t, func() bool {
		require.NoError(t, sender.Notify(context.Background(), want))
		select {
		case got := <-ch:
			assert.Equal(t, want, got)
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRedisNotifierEmptyPayloadIsReload(t *testing.T) {
	sender, receiver := newRedisPair(t)

	ch, err := receiver.Watch(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		require.NoError(t, sender.Notify(context.Background(), nil))
		select {
		case got := <-ch:
			assert.Nil(t, got)
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAPINotifierRoundTrip(t *testing.T) {
	receiver := NewAPI(RoleReceiver, nil)
	defer receiver.Close()
	ts := httptest.NewServer(receiver)
	defer ts.Close()

	ch, err := receiver.Watch(context.Background())
	require.NoError(t, err)

	sender := NewAPI(RoleSender, []string{ts.URL})
	defer sender.Close()

	want := &UpdateEvent{Tenant: "acme", Name: "cfg", Op: OpDelete}
	require.NoError(t, sender.Notify(context.Background(), want))
	assert.Equal(t, want, waitEvent(t, ch))

	// Empty body means full reload.
	require.NoError(t, sender.Notify(context.Background(), nil))
	assert.Nil(t, waitEvent(t, ch))
}

func TestAPINotifierDeadTarget(t *testing.T) {
	sender := NewAPI(RoleSender, []string{"http://127.0.0.1:1"})
	defer sender.Close()

	err := sender.Notify(context.Background(), &UpdateEvent{Op: OpUpdate})
	require.Error(t, err)
}

func TestCompositeNotifier(t *testing.T) {
	inner := NewSignal(RoleBoth, "")
	c := NewComposite(inner)
	defer c.Close()

	ch, err := c.Watch(context.Background())
	require.NoError(t, err)

	want := &UpdateEvent{Tenant: "acme", Name: "cfg", Op: OpCreate}
	require.NoError(t, c.Notify(context.Background(), want))
	assert.Equal(t, want, waitEvent(t, ch))
}

func TestCompositeNotifierNoSenders(t *testing.T) {
	c := NewComposite(NewSignal(RoleReceiver, ""))
	defer c.Close()

	err := c.Notify(context.Background(), nil)
	assert.ErrorIs(t, err, ErrCannotSend)
}
