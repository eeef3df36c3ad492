package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
)

// releaseScript deletes a claimed key only while it still carries the
// pending marker, so a completed request is never re-opened.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('GET', key) == ARGV[1] then
	return redis.call('DEL', key)
end
return 0
`)

const (
	pendingMarker = "pending"
	doneMarker    = "done"
)

type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = idempotencyKeyTTL
	}
	return &RedisAdapter{client: client, ttl: ttl}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, pendingMarker, r.ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) CompleteIdempotency(ctx context.Context, key string) error {
	return r.client.Set(ctx, idempotencyKeyPrefix+key, doneMarker, redis.KeepTTL).Err()
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key}, pendingMarker).Err()
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
