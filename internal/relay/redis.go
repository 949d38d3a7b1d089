package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/squarejellyfish/ntuber/internal/models"
	"github.com/squarejellyfish/ntuber/internal/observability"
)

// DefaultTTL bounds how long an orphaned ride position survives in Redis.
const DefaultTTL = 2 * time.Hour

func PositionKey(rideID uint64) string { return fmt.Sprintf("ntuber:ride:%d:position", rideID) }

func WriterKey(rideID uint64) string { return fmt.Sprintf("ntuber:ride:%d:writer", rideID) }

// RedisChannel stores the latest sample per ride as a JSON string with a TTL.
type RedisChannel struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	strict bool
	logger *slog.Logger
}

func NewRedisChannel(rdb redis.Cmdable, ttl time.Duration, strict bool, logger *slog.Logger) *RedisChannel {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChannel{rdb: rdb, ttl: ttl, strict: strict, logger: logger.With("component", "relay_redis")}
}

func (c *RedisChannel) Publish(ctx context.Context, s models.Sample) error {
	claimed, err := c.rdb.SetNX(ctx, WriterKey(s.RideID), string(s.Publisher), c.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim writer: %w", err)
	}
	if !claimed {
		w, err := c.rdb.Get(ctx, WriterKey(s.RideID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read writer: %w", err)
		}
		switch {
		case w != "" && !models.Address(w).Equal(s.Publisher):
			observability.RelayForeignPublishTotal.Inc()
			c.logger.Warn("foreign position publisher", "ride_id", s.RideID, "writer", w, "publisher", s.Publisher)
			if c.strict {
				return ErrForeignPublisher
			}
		case w != "":
			// the claim lives as long as the position it guards
			if err := c.rdb.Expire(ctx, WriterKey(s.RideID), c.ttl).Err(); err != nil {
				return fmt.Errorf("refresh writer: %w", err)
			}
		}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, PositionKey(s.RideID), b, c.ttl).Err()
}

func (c *RedisChannel) Latest(ctx context.Context, rideID uint64) (models.Sample, bool, error) {
	b, err := c.rdb.Get(ctx, PositionKey(rideID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Sample{}, false, nil
	}
	if err != nil {
		return models.Sample{}, false, err
	}
	var s models.Sample
	if err := json.Unmarshal(b, &s); err != nil {
		return models.Sample{}, false, fmt.Errorf("decode sample: %w", err)
	}
	return s, true, nil
}

func (c *RedisChannel) Forget(ctx context.Context, rideID uint64) error {
	return c.rdb.Del(ctx, PositionKey(rideID), WriterKey(rideID)).Err()
}
