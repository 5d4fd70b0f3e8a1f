package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Redis stores blobs as plain string values under a key prefix.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to cfg.RedisURL and verifies the connection.
func NewRedis(cfg *Config, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	opts.MinIdleConns = cfg.MinIdleConns

	s := &Redis{
		client: redis.NewClient(opts),
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis model cache initialized",
		zap.String("redis_url", maskURL(cfg.RedisURL)),
		zap.String("key_prefix", cfg.KeyPrefix),
		zap.Duration("ttl", cfg.TTL))
	return s, nil
}

func (s *Redis) key(k string) string {
	if s.prefix == "" {
		return "blob:" + k
	}
	return s.prefix + ":blob:" + k
}

// Get returns the blob or ErrNotFound.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// Put stores the blob with the configured TTL (0 keeps it forever).
func (s *Redis) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	s.logger.Debug("Blob stored", zap.String("key", s.key(key)), zap.Int("bytes", len(data)))
	return nil
}

// Close closes the Redis connection
func (s *Redis) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
