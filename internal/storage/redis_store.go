package storage

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the deferred ids in a Redis set.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultDeferredKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) ([]uint64, error) {
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			// foreign member, not ours to interpret
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *RedisStore) Add(ctx context.Context, id uint64) error {
	return r.client.SAdd(ctx, r.key, strconv.FormatUint(id, 10)).Err()
}
