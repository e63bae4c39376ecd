package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/myunla/gateway/pkg/config"
	"github.com/myunla/gateway/pkg/logger"
)

const (
	redisDialTimeout  = 5 * time.Second
	redisReadTimeout  = 3 * time.Second
	redisWriteTimeout = 3 * time.Second
)

// RedisNotifier propagates update events over one pub/sub topic, so any
// replica's management API can trigger reloads on every gateway replica.
// An empty payload is the full-reload signal; malformed payloads are
// logged and dropped without breaking the subscription.
type RedisNotifier struct {
	client redis.UniversalClient
	topic  string
	role   Role

	b      broadcaster
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedis connects per cfg and, for receiving roles, starts the topic
// subscriber.
func NewRedis(ctx context.Context, cfg config.Redis, role Role) (*RedisNotifier, error) {
	var client redis.UniversalClient
	switch cfg.ClusterType {
	case "cluster":
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        strings.Split(cfg.Addr, ","),
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  redisDialTimeout,
			ReadTimeout:  redisReadTimeout,
			WriteTimeout: redisWriteTimeout,
		})
	case "sentinel":
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: strings.Split(cfg.Addr, ","),
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   redisDialTimeout,
			ReadTimeout:   redisReadTimeout,
			WriteTimeout:  redisWriteTimeout,
		})
	default:
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  redisDialTimeout,
			ReadTimeout:  redisReadTimeout,
			WriteTimeout: redisWriteTimeout,
		})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect notifier redis: %w", err)
	}
	return NewRedisWithClient(client, cfg.Prefix+"notify:"+cfg.Topic, role), nil
}

// NewRedisWithClient wraps an existing client. Used by tests that supply a
// miniredis-backed client.
func NewRedisWithClient(client redis.UniversalClient, topic string, role Role) *RedisNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &RedisNotifier{
		client: client,
		topic:  topic,
		role:   role,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if role.CanReceive() {
		go n.subscribe(ctx)
	} else {
		close(n.done)
	}
	return n
}

// Watch returns a channel fed by the pub/sub subscription.
func (n *RedisNotifier) Watch(_ context.Context) (<-chan *UpdateEvent, error) {
	if !n.role.CanReceive() {
		return nil, ErrCannotReceive
	}
	return n.b.add()
}

// Notify publishes the event; nil publishes the empty reload payload.
func (n *RedisNotifier) Notify(ctx context.Context, event *UpdateEvent) error {
	if !n.role.CanSend() {
		return ErrCannotSend
	}
	payload := []byte("")
	if event != nil {
		var err error
		payload, err = json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal update event: %w", err)
		}
	}
	if err := n.client.Publish(ctx, n.topic, payload).Err(); err != nil {
		return fmt.Errorf("publish update event: %w", err)
	}
	return nil
}

// Close stops the subscriber and closes the client and watch channels.
func (n *RedisNotifier) Close() error {
	n.cancel()
	<-n.done
	n.b.close()
	return n.client.Close()
}

func (n *RedisNotifier) subscribe(ctx context.Context) {
	defer close(n.done)

	for {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, n.consume(ctx)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
		if ctx.Err() != nil {
			return
		}
		logger.Warnw("notifier subscription lost, retrying", "topic", n.topic, "error", err)
	}
}

func (n *RedisNotifier) consume(ctx context.Context) error {
	sub := n.client.Subscribe(ctx, n.topic)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			n.dispatch(msg.Payload)
		}
	}
}

func (n *RedisNotifier) dispatch(payload string) {
	if strings.TrimSpace(payload) == "" {
		n.b.publish(nil)
		return
	}
	var event UpdateEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		logger.Warnw("dropping malformed update event", "error", err)
		return
	}
	n.b.publish(&event)
}
