package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)

	client.Del(ctx, idempotencyKeyPrefix+"test-idem-key")

	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first call to succeed")
	}

	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second call to fail")
	}

	ttl := client.TTL(ctx, idempotencyKeyPrefix+"test-idem-key").Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected ttl within a minute, got %v", ttl)
	}
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)

	client.Del(ctx, idempotencyKeyPrefix+"concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
}

func TestReleaseIdempotency_OnlyWhilePending(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Minute)
	key := "release-idem-key"
	client.Del(ctx, idempotencyKeyPrefix+key)

	adapter.SetIdempotency(ctx, key)
	if err := adapter.ReleaseIdempotency(ctx, key); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if ok, _ := adapter.SetIdempotency(ctx, key); !ok {
		t.Fatal("expected released key to be claimable")
	}

	if err := adapter.CompleteIdempotency(ctx, key); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if err := adapter.ReleaseIdempotency(ctx, key); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if ok, _ := adapter.SetIdempotency(ctx, key); ok {
		t.Error("completed key must not be released")
	}
	if ttl := client.TTL(ctx, idempotencyKeyPrefix+key).Val(); ttl <= 0 {
		t.Errorf("expected completion to keep the ttl, got %v", ttl)
	}
}
