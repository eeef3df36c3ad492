package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ServiceName    = "storefront"
	ServiceVersion = "0.1.0"
)

// StoreMemory keeps everything in process. Every transaction copies the
// entity maps, so it suits tests and local runs, not long-lived load.
const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultGRPCAddr        = ":50051"
	defaultMySQLDSN        = "root:root@tcp(localhost:3306)/storefront?parseTime=true"
	defaultMaxOpenConns    = 50
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 5 * time.Minute
	defaultRedisPoolSize   = 100
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultOrderTopic      = "order-events"
	defaultRetryAttempts   = 3
	defaultRetryBaseDelay  = 10 * time.Millisecond
	defaultRetryMaxDelay   = 200 * time.Millisecond
	defaultRetryJitter     = 0.5
	defaultEventWorkers    = 4
	defaultEventQueueSize  = 1024
	defaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Redis  RedisConfig
	Kafka  KafkaConfig
	Retry  RetryConfig
	Events EventConfig

	OtelEndpoint string
	OtelInsecure bool
	LogLevel     string
}

type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
}

type StoreConfig struct {
	Driver          string
	MySQLDSN        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the idempotency key store. An empty Addr keeps
// keys in process memory.
type RedisConfig struct {
	Addr           string
	PoolSize       int
	IdempotencyTTL time.Duration
}

// KafkaConfig configures order event publishing. Without brokers events
// are only logged.
type KafkaConfig struct {
	Brokers    []string
	OrderTopic string
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

type EventConfig struct {
	Workers   int
	QueueSize int
}

// ValidationError lists every invalid setting found by Load.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: invalid fields [%s]", strings.Join(e.Fields, ", "))
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr:        stringWithDefault(lookup, "HTTP_ADDR", defaultHTTPAddr),
			GRPCAddr:        stringWithDefault(lookup, "GRPC_ADDR", defaultGRPCAddr),
			ShutdownTimeout: durationWithDefault(lookup, "SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Store: StoreConfig{
			Driver:          strings.ToLower(stringWithDefault(lookup, "STORE_DRIVER", StoreMySQL)),
			MySQLDSN:        stringWithDefault(lookup, "MYSQL_DSN", defaultMySQLDSN),
			MaxOpenConns:    intWithDefault(lookup, "MYSQL_MAX_OPEN_CONNS", defaultMaxOpenConns),
			MaxIdleConns:    intWithDefault(lookup, "MYSQL_MAX_IDLE_CONNS", defaultMaxIdleConns),
			ConnMaxLifetime: durationWithDefault(lookup, "MYSQL_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		},
		Redis: RedisConfig{
			Addr:           stringWithDefault(lookup, "REDIS_ADDR", ""),
			PoolSize:       intWithDefault(lookup, "REDIS_POOL_SIZE", defaultRedisPoolSize),
			IdempotencyTTL: durationWithDefault(lookup, "IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
		Kafka: KafkaConfig{
			Brokers:    csv(lookup, "KAFKA_BROKERS"),
			OrderTopic: stringWithDefault(lookup, "KAFKA_ORDER_TOPIC", defaultOrderTopic),
		},
		Retry: RetryConfig{
			MaxAttempts: intWithDefault(lookup, "RETRY_MAX_ATTEMPTS", defaultRetryAttempts),
			BaseDelay:   durationWithDefault(lookup, "RETRY_BASE_DELAY", defaultRetryBaseDelay),
			MaxDelay:    durationWithDefault(lookup, "RETRY_MAX_DELAY", defaultRetryMaxDelay),
			Jitter:      floatWithDefault(lookup, "RETRY_JITTER", defaultRetryJitter),
		},
		Events: EventConfig{
			Workers:   intWithDefault(lookup, "EVENT_WORKERS", defaultEventWorkers),
			QueueSize: intWithDefault(lookup, "EVENT_QUEUE_SIZE", defaultEventQueueSize),
		},
		OtelEndpoint: stringWithDefault(lookup, "OTEL_ENDPOINT", ""),
		OtelInsecure: boolWithDefault(lookup, "OTEL_INSECURE", false),
		LogLevel:     stringWithDefault(lookup, "LOG_LEVEL", "info"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var invalid []string

	if cfg.Server.HTTPAddr == "" {
		invalid = append(invalid, "HTTP_ADDR")
	}
	if cfg.Server.GRPCAddr == "" {
		invalid = append(invalid, "GRPC_ADDR")
	}
	switch cfg.Store.Driver {
	case StoreMySQL:
		if cfg.Store.MySQLDSN == "" {
			invalid = append(invalid, "MYSQL_DSN")
		}
	case StoreMemory:
	default:
		invalid = append(invalid, "STORE_DRIVER")
	}
	if cfg.Retry.MaxAttempts < 1 {
		invalid = append(invalid, "RETRY_MAX_ATTEMPTS")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		invalid = append(invalid, "RETRY_JITTER")
	}
	if cfg.Events.Workers < 1 {
		invalid = append(invalid, "EVENT_WORKERS")
	}
	if cfg.Events.QueueSize < 0 {
		invalid = append(invalid, "EVENT_QUEUE_SIZE")
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.OrderTopic == "" {
		invalid = append(invalid, "KAFKA_ORDER_TOPIC")
	}

	if len(invalid) > 0 {
		return &ValidationError{Fields: invalid}
	}
	return nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csv(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
