package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChannel carries JSON encoded changes published by the application.
const RedisChannel = "frostline:changes"

// RedisTransport fans changes out over Redis pub/sub. Each feed is its own
// PubSub connection.
type RedisTransport struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisTransport constructs a transport on the default channel.
func NewRedisTransport(client *redis.Client, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{client: client, channel: RedisChannel, logger: logger}
}

// Name implements Transport.
func (t *RedisTransport) Name() string { return "redis" }

// Ping implements Transport.
func (t *RedisTransport) Ping(ctx context.Context) error {
	if t == nil || t.client == nil {
		return errors.New("realtime/redis: no client")
	}
	return t.client.Ping(ctx).Err()
}

// Publish emits a change to every open feed.
func (t *RedisTransport) Publish(ctx context.Context, change Change) error {
	if t == nil || t.client == nil {
		return nil
	}
	if change.CommitTimestamp.IsZero() {
		change.CommitTimestamp = time.Now().UTC()
	}
	if change.Schema == "" {
		change.Schema = "public"
	}
	raw, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("realtime/redis: encode: %w", err)
	}
	return t.client.Publish(ctx, t.channel, raw).Err()
}

// Open subscribes and waits for the subscription to be confirmed.
func (t *RedisTransport) Open(ctx context.Context) (Feed, error) {
	pubsub := t.client.Subscribe(ctx, t.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("realtime/redis: subscribe: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	feed := &redisFeed{
		pubsub:  pubsub,
		logger:  t.logger,
		changes: make(chan Change),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go feed.run(runCtx)
	return feed, nil
}

type redisFeed struct {
	pubsub  *redis.PubSub
	logger  *slog.Logger
	changes chan Change
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (f *redisFeed) Changes() <-chan Change { return f.changes }

func (f *redisFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *redisFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cancel()
	err := f.pubsub.Close()
	<-f.done
	return err
}

func (f *redisFeed) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.changes)
	ch := f.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				f.mu.Lock()
				if !f.closed {
					f.err = errors.New("realtime/redis: channel closed")
				}
				f.mu.Unlock()
				return
			}
			change, err := decodeChange([]byte(msg.Payload))
			if err != nil {
				f.logger.Warn("realtime/redis skip payload", slog.Any("error", err))
				continue
			}
			select {
			case f.changes <- change:
			case <-ctx.Done():
				return
			}
		}
	}
}

var _ Transport = (*RedisTransport)(nil)
