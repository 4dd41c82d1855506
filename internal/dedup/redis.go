package dedup

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares the sent window between processes posting for the same
// account. Keys expire on their own, so PurgeSent has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "postflow:sent:"
	}
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) ContainsSince(ctx context.Context, hash string, since time.Time) (bool, error) {
	val, err := r.client.Get(ctx, r.prefix+hash).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, err
	}
	return !time.Unix(0, nanos).Before(since), nil
}

func (r *RedisStore) RecordSent(ctx context.Context, hash string, at time.Time) error {
	return r.client.Set(ctx, r.prefix+hash, strconv.FormatInt(at.UnixNano(), 10), r.ttl).Err()
}

func (r *RedisStore) PurgeSent(context.Context, time.Time) (int, error) {
	return 0, nil
}
