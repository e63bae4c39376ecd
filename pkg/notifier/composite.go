package notifier

import (
	"context"
	"errors"
	"sync"

	"github.com/myunla/gateway/pkg/config"
)

// CompositeNotifier fans Notify out to every sending child and merges the
// watch streams of every receiving child into one channel.
type CompositeNotifier struct {
	children []Notifier

	mu     sync.Mutex
	merged chan *UpdateEvent
	wg     sync.WaitGroup
	once   sync.Once
}

// NewComposite combines the given notifiers.
func NewComposite(children ...Notifier) *CompositeNotifier {
	return &CompositeNotifier{children: children}
}

// Watch merges every child's watch channel. Children that cannot receive
// are skipped; at least one must.
func (c *CompositeNotifier) Watch(ctx context.Context) (<-chan *UpdateEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.merged != nil {
		return c.merged, nil
	}

	var sources []<-chan *UpdateEvent
	for _, child := range c.children {
		ch, err := child.Watch(ctx)
		if errors.Is(err, ErrCannotReceive) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sources = append(sources, ch)
	}
	if len(sources) == 0 {
		return nil, ErrCannotReceive
	}

	c.merged = make(chan *UpdateEvent, watcherBuffer)
	for _, src := range sources {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for event := range src {
				c.merged <- event
			}
		}()
	}
	go func() {
		c.wg.Wait()
		close(c.merged)
	}()
	return c.merged, nil
}

// Notify forwards to every child that can send.
func (c *CompositeNotifier) Notify(ctx context.Context, event *UpdateEvent) error {
	var errs []error
	sent := false
	for _, child := range c.children {
		err := child.Notify(ctx, event)
		if errors.Is(err, ErrCannotSend) {
			continue
		}
		sent = true
		if err != nil {
			errs = append(errs, err)
		}
	}
	if !sent {
		return ErrCannotSend
	}
	return errors.Join(errs...)
}

// Close closes every child once.
func (c *CompositeNotifier) Close() error {
	var errs []error
	c.once.Do(func() {
		for _, child := range c.children {
			if err := child.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// New builds the notifier selected by the runtime config. The api variant
// returned here also serves the reload endpoint via its ServeHTTP.
func New(ctx context.Context, cfg *config.Config) (Notifier, error) {
	role := Role(cfg.NotifierRole)
	switch cfg.NotifierType {
	case "signal":
		return NewSignal(role, cfg.PIDFile), nil
	case "redis":
		return NewRedis(ctx, cfg.Redis, role)
	case "api":
		return NewAPI(role, cfg.APINotifyTargets), nil
	case "composite":
		redis, err := NewRedis(ctx, cfg.Redis, role)
		if err != nil {
			return nil, err
		}
		return NewComposite(NewSignal(role, cfg.PIDFile), redis), nil
	default:
		return NewSignal(role, cfg.PIDFile), nil
	}
}
