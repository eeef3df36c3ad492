package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":50051", cfg.Server.GRPCAddr)
	assert.Equal(t, StoreMySQL, cfg.Store.Driver)
	assert.Equal(t, 50, cfg.Store.MaxOpenConns)
	assert.Equal(t, 25, cfg.Store.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.Store.ConnMaxLifetime)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Redis.IdempotencyTTL)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, "order-events", cfg.Kafka.OrderTopic)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.MaxDelay)
	assert.InDelta(t, 0.5, cfg.Retry.Jitter, 1e-9)
	assert.Equal(t, 4, cfg.Events.Workers)
	assert.Equal(t, 1024, cfg.Events.QueueSize)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := load(envMap(map[string]string{
		"STORE_DRIVER":       "Memory",
		"KAFKA_BROKERS":      "kafka-1:9092, kafka-2:9092,,",
		"RETRY_MAX_ATTEMPTS": "5",
		"RETRY_BASE_DELAY":   "25ms",
		"RETRY_JITTER":       "0.2",
		"EVENT_WORKERS":      "8",
		"REDIS_ADDR":         "redis:6379",
		"SHUTDOWN_TIMEOUT":   "not-a-duration",
		"OTEL_INSECURE":      "yes",
	}))
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.Retry.BaseDelay)
	assert.InDelta(t, 0.2, cfg.Retry.Jitter, 1e-9)
	assert.Equal(t, 8, cfg.Events.Workers)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.OtelInsecure)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout, "unparsable values fall back to the default")
}

func TestLoad_Validation(t *testing.T) {
	_, err := load(envMap(map[string]string{
		"STORE_DRIVER":       "postgres",
		"RETRY_MAX_ATTEMPTS": "0",
		"RETRY_JITTER":       "1.5",
		"EVENT_WORKERS":      "-1",
	}))

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.ElementsMatch(t, []string{"STORE_DRIVER", "RETRY_MAX_ATTEMPTS", "RETRY_JITTER", "EVENT_WORKERS"}, validation.Fields)
}
