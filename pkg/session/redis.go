package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/myunla/gateway/pkg/config"
	"github.com/myunla/gateway/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second

	// forwardTimeout bounds delivery of one pub/sub record into a local
	// connection before it is dropped.
	forwardTimeout = 5 * time.Second
)

// Pub/sub record actions.
const (
	actionCreate = "create"
	actionUpdate = "update"
	actionDelete = "delete"
	actionEvent  = "event"
)

// record is the payload carried on the pub/sub topic.
type record struct {
	Action  string   `json:"action"`
	Meta    *Meta    `json:"meta,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// RedisStore persists session metadata in Redis and fans events out across
// replicas over a single pub/sub topic. Metadata lives in a hash under
// {prefix}meta:{id} with a TTL; {prefix}sessions tracks live ids; the topic
// {prefix}{topic} carries create/update/delete/event records.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	topic  string
	ttl    time.Duration

	mu    sync.RWMutex
	conns map[string]*localConn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisStore connects to Redis per cfg and starts the topic subscriber.
func NewRedisStore(ctx context.Context, cfg config.Redis) (*RedisStore, error) {
	var client redis.UniversalClient
	switch cfg.ClusterType {
	case "cluster":
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        strings.Split(cfg.Addr, ","),
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  defaultDialTimeout,
			ReadTimeout:  defaultReadTimeout,
			WriteTimeout: defaultWriteTimeout,
		})
	case "sentinel":
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: strings.Split(cfg.Addr, ","),
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   defaultDialTimeout,
			ReadTimeout:   defaultReadTimeout,
			WriteTimeout:  defaultWriteTimeout,
		})
	default:
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  defaultDialTimeout,
			ReadTimeout:  defaultReadTimeout,
			WriteTimeout: defaultWriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return NewRedisStoreWithClient(client, cfg.Prefix, cfg.Topic, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests that
// supply a miniredis-backed client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix, topic string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{
		client: client,
		prefix: prefix,
		topic:  topic,
		ttl:    ttl,
		conns:  make(map[string]*localConn),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.subscribe(ctx)
	return s
}

func (s *RedisStore) metaKey(id string) string { return s.prefix + "meta:" + id }
func (s *RedisStore) setKey() string           { return s.prefix + "sessions" }
func (s *RedisStore) topicKey() string         { return s.prefix + s.topic }

// Register persists the session metadata and creates the local connection
// that will receive events published by any replica.
func (s *RedisStore) Register(ctx context.Context, meta *Meta) (Connection, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal session meta: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.metaKey(meta.ID), "id", meta.ID, "prefix", meta.Prefix, "type", meta.Type, "meta", data)
	pipe.Expire(ctx, s.metaKey(meta.ID), s.ttl)
	pipe.SAdd(ctx, s.setKey(), meta.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	if old, ok := s.conns[meta.ID]; ok {
		logger.Warnw("replacing existing session", "session_id", meta.ID, "prefix", meta.Prefix)
		old.Close()
	}
	conn := newLocalConn(meta)
	s.conns[meta.ID] = conn
	s.mu.Unlock()

	s.publish(ctx, &record{Action: actionCreate, Meta: meta})
	return conn, nil
}

// Get returns the local connection when this replica holds the consumer, or
// a remote handle whose Send publishes to the topic otherwise.
func (s *RedisStore) Get(ctx context.Context, id string) (Connection, error) {
	s.mu.RLock()
	conn, ok := s.conns[id]
	s.mu.RUnlock()
	if ok {
		return conn, nil
	}

	raw, err := s.client.HGet(ctx, s.metaKey(id), "meta").Result()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var meta Meta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session meta: %w", err)
	}
	return &remoteConn{store: s, meta: &meta}, nil
}

// Unregister deletes the session everywhere and publishes a close sentinel
// so the replica holding the consumer tears its stream down.
func (s *RedisStore) Unregister(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.metaKey(id))
	pipe.SRem(ctx, s.setKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	conn, ok := s.conns[id]
	if ok {
		conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()

	s.publish(ctx, &record{Action: actionDelete, Meta: &Meta{ID: id}})
	return nil
}

// List returns metadata for all live sessions across replicas.
func (s *RedisStore) List(ctx context.Context) ([]*Meta, error) {
	ids, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	metas := make([]*Meta, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.HGet(ctx, s.metaKey(id), "meta").Result()
		if err == redis.Nil {
			// Expired meta still referenced by the set; reap it.
			s.client.SRem(ctx, s.setKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var meta Meta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			logger.Warnw("dropping malformed session meta", "session_id", id, "error", err)
			continue
		}
		metas = append(metas, &meta)
	}
	return metas, nil
}

// Close stops the subscriber and closes all local connections.
func (s *RedisStore) Close() error {
	s.cancel()
	<-s.done

	s.mu.Lock()
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()

	return s.client.Close()
}

func (s *RedisStore) publish(ctx context.Context, rec *record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		logger.Errorw("marshal session record", "error", err)
		return
	}
	if err := s.client.Publish(ctx, s.topicKey(), payload).Err(); err != nil {
		logger.Warnw("publish session record", "action", rec.Action, "error", err)
	}
}

// subscribe consumes the topic and forwards event records into local
// connections. The subscription is re-established with exponential backoff
// if it fails; malformed payloads are logged and dropped.
func (s *RedisStore) subscribe(ctx context.Context) {
	defer close(s.done)

	for {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, s.consume(ctx)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
		if ctx.Err() != nil {
			return
		}
		logger.Warnw("session subscription lost, retrying", "topic", s.topicKey(), "error", err)
	}
}

func (s *RedisStore) consume(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.topicKey())
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
			s.dispatch(ctx, msg.Payload)
		}
	}
}

func (s *RedisStore) dispatch(ctx context.Context, payload string) {
	var rec record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		logger.Warnw("dropping malformed session record", "error", err)
		return
	}
	if rec.Meta == nil {
		logger.Warnw("dropping session record without meta", "action", rec.Action)
		return
	}

	switch rec.Action {
	case actionEvent:
		s.mu.RLock()
		conn, ok := s.conns[rec.Meta.ID]
		s.mu.RUnlock()
		if !ok || rec.Message == nil {
			return
		}
		fctx, cancel := context.WithTimeout(ctx, forwardTimeout)
		defer cancel()
		if err := conn.Send(fctx, *rec.Message); err != nil {
			logger.Warnw("dropping session event", "session_id", rec.Meta.ID, "error", err)
		}
	case actionDelete:
		s.mu.Lock()
		if conn, ok := s.conns[rec.Meta.ID]; ok {
			conn.Close()
			delete(s.conns, rec.Meta.ID)
		}
		s.mu.Unlock()
	case actionCreate, actionUpdate:
		// Metadata changes have no local side effects.
	default:
		logger.Warnw("dropping session record with unknown action", "action", rec.Action)
	}
}

// remoteConn is a handle to a session whose consumer lives on another
// replica. Send publishes to the shared topic; the owning replica forwards
// into its local channel.
type remoteConn struct {
	store *RedisStore
	meta  *Meta
}

func (c *remoteConn) Meta() *Meta { return c.meta }

func (c *remoteConn) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(&record{Action: actionEvent, Meta: c.meta, Message: &msg})
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := c.store.client.Publish(ctx, c.store.topicKey(), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	// Liveness: renew the metadata TTL on traffic.
	c.store.client.Expire(ctx, c.store.metaKey(c.meta.ID), c.store.ttl)
	return nil
}

func (c *remoteConn) Receive() <-chan Message { return nil }

func (*remoteConn) Done() <-chan struct{} { return nil }

func (*remoteConn) Close() {}
