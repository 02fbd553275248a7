package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tradewatch/alert-service/internal/models"
)

const (
	tickKeyPrefix           = "ticks:latest:"
	rulesInvalidatedChannel = "rules:invalidated"
	defaultTickTTL          = 5 * time.Minute
)

// Redis caches the latest market snapshot per symbol and carries the
// cross-instance rule invalidation channel.
type Redis struct {
	client  *redis.Client
	tickTTL time.Duration
	log     *logrus.Entry
}

// New connects to Redis and verifies the connection
func New(addr, password string, db int, logger *logrus.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client:  client,
		tickTTL: defaultTickTTL,
		log:     logger.WithField("component", "cache"),
	}, nil
}

// SetLatestTick stores the most recent snapshot for a symbol
func (r *Redis) SetLatestTick(ctx context.Context, symbol string, snapshot models.MarketSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := tickKeyPrefix + strings.ToUpper(symbol)
	if err := r.client.Set(ctx, key, data, r.tickTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache tick: %w", err)
	}
	return nil
}

// GetLatestTick returns the cached snapshot for a symbol, or nil when none is
// cached.
func (r *Redis) GetLatestTick(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	key := tickKeyPrefix + strings.ToUpper(symbol)

	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached tick: %w", err)
	}

	var snapshot models.MarketSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached tick: %w", err)
	}
	return &snapshot, nil
}

// PublishRulesInvalidated signals every instance to drop its rule cache
func (r *Redis) PublishRulesInvalidated(ctx context.Context) error {
	if err := r.client.Publish(ctx, rulesInvalidatedChannel, "1").Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// SubscribeRulesInvalidated invokes fn for every invalidation signal until
// the context is cancelled. It runs its own goroutine and returns
// immediately.
func (r *Redis) SubscribeRulesInvalidated(ctx context.Context, fn func()) {
	pubsub := r.client.Subscribe(ctx, rulesInvalidatedChannel)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				r.log.Debug("rule invalidation received")
				fn()
			}
		}
	}()
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}
