// Package notifier propagates config update events between the management
// API and gateway replicas so activated state converges across processes.
package notifier

import (
	"context"
	"errors"
	"sync"

	"github.com/myunla/gateway/pkg/logger"
)

// Sentinel errors for role misuse and lifecycle violations.
var (
	ErrCannotReceive = errors.New("notifier is not configured to receive updates")
	ErrCannotSend    = errors.New("notifier is not configured to send updates")
	ErrClosed        = errors.New("notifier is closed")
)

// Op is the kind of config change carried by an event.
type Op string

// Operations.
const (
	OpCreate   Op = "create"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpActivate Op = "activate"
)

// UpdateEvent names one changed config. A nil *UpdateEvent on a watch
// channel is a full-reload signal: re-fetch and re-activate everything.
type UpdateEvent struct {
	Tenant string `json:"tenant"`
	Name   string `json:"name"`
	Op     Op     `json:"op"`
}

// Role controls which directions a notifier participates in.
type Role string

// Roles.
const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
	RoleBoth     Role = "both"
)

// CanSend reports whether this role emits updates.
func (r Role) CanSend() bool { return r == RoleSender || r == RoleBoth }

// CanReceive reports whether this role consumes updates.
func (r Role) CanReceive() bool { return r == RoleReceiver || r == RoleBoth }

// Notifier is the update propagation contract.
type Notifier interface {
	// Watch returns a channel of update events. Fails with
	// ErrCannotReceive on sender-only notifiers. The channel closes
	// when the notifier closes.
	Watch(ctx context.Context) (<-chan *UpdateEvent, error)

	// Notify emits one event. Fails with ErrCannotSend on
	// receiver-only notifiers.
	Notify(ctx context.Context, event *UpdateEvent) error

	// Close releases resources and closes all watch channels.
	Close() error
}

// watcherBuffer bounds each watch channel; slow consumers drop events
// rather than blocking the producer.
const watcherBuffer = 10

// broadcaster fans one event stream out to any number of watch channels.
type broadcaster struct {
	mu       sync.Mutex
	watchers []chan *UpdateEvent
	closed   bool
}

func (b *broadcaster) add() (<-chan *UpdateEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan *UpdateEvent, watcherBuffer)
	b.watchers = append(b.watchers, ch)
	return ch, nil
}

func (b *broadcaster) publish(event *UpdateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.watchers {
		select {
		case ch <- event:
		default:
			logger.Warnf("Notifier watcher queue full, dropping update")
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.watchers {
		close(ch)
	}
	b.watchers = nil
}
