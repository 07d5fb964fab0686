// Package bridge relays message frames between gateway instances through a
// shared Redis broker. Each instance subscribes one channel per locally
// connected user; publishing to a user's channel reaches whichever instances
// currently hold connections for them.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wirechat/wirechat/internal/config"
)

// Local is the sink for frames arriving from other instances. *chat.Registry
// satisfies it.
type Local interface {
	Broadcast(userID string, frame []byte) bool
}

// Bridge implements cross-instance delivery over Redis pub/sub.
type Bridge struct {
	rdb    *redis.Client
	local  Local
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*redis.PubSub // user_id -> channel subscription
}

// New connects to Redis and returns a running bridge. The connection is
// verified with a ping so a bad address fails at startup, not at first send.
func New(cfg config.BridgeConfig, local Local, logger *slog.Logger) (*Bridge, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Bridge{
		rdb:    rdb,
		local:  local,
		logger: logger.With("component", "bridge"),
		ctx:    ctx,
		cancel: stop,
		subs:   make(map[string]*redis.PubSub),
	}, nil
}

func channelFor(userID string) string {
	return "deliver:" + userID
}

// Publish sends a frame toward a user's remote connections. The return value
// is the Redis receiver count: how many instances picked the frame up, which
// stands in for "was anyone there".
func (b *Bridge) Publish(ctx context.Context, userID string, frame []byte) (int64, error) {
	n, err := b.rdb.Publish(ctx, channelFor(userID), frame).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", channelFor(userID), err)
	}
	return n, nil
}

// Subscribe starts relaying remote frames for a locally connected user.
// Subscribing an already subscribed user is a no-op, so the caller may invoke
// it once per connection.
func (b *Bridge) Subscribe(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[userID]; ok {
		return
	}

	pubsub := b.rdb.Subscribe(b.ctx, channelFor(userID))
	b.subs[userID] = pubsub

	go func() {
		for msg := range pubsub.Channel() {
			if !b.local.Broadcast(userID, []byte(msg.Payload)) {
				b.logger.Debug("relayed frame had no local receiver", "user_id", userID)
			}
		}
	}()

	b.logger.Debug("subscribed", "user_id", userID)
}

// Unsubscribe stops the relay once the user's last local connection is gone.
func (b *Bridge) Unsubscribe(userID string) {
	b.mu.Lock()
	pubsub, ok := b.subs[userID]
	if ok {
		delete(b.subs, userID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := pubsub.Close(); err != nil {
		b.logger.Warn("pubsub close failed", "user_id", userID, "error", err)
	}
	b.logger.Debug("unsubscribed", "user_id", userID)
}

// Close tears down all subscriptions and the Redis connection.
func (b *Bridge) Close() error {
	b.cancel()

	b.mu.Lock()
	for userID, pubsub := range b.subs {
		_ = pubsub.Close()
		delete(b.subs, userID)
	}
	b.mu.Unlock()

	return b.rdb.Close()
}
