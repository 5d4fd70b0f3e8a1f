// Package blobstore persists downloaded model weights keyed by filename.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when no blob is stored under the key.
var ErrNotFound = errors.New("blob not found")

// Store is a keyed byte store. Put overwrites any existing value.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// Config selects and configures a store implementation.
type Config struct {
	Type string `yaml:"type" mapstructure:"type"` // fs, redis, postgres or none

	Dir string `yaml:"dir" mapstructure:"dir"`

	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL            time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`

	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// New builds the store named by cfg.Type.
func New(cfg *Config, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return Nop{}, nil
	case "fs":
		return NewFS(nil, cfg.Dir, logger)
	case "redis":
		return NewRedis(cfg, logger)
	case "postgres":
		return NewPostgres(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}

// KeyFromURL derives the cache key of a model URL: its last path segment,
// or "" when the path names a directory.
func KeyFromURL(raw string) string {
	var key string
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		s := raw
		if i := strings.IndexAny(s, "?#"); i >= 0 {
			s = s[:i]
		}
		key = path.Base(s)
	} else {
		key = path.Base(u.Path)
	}
	if key == "/" || key == "." {
		return ""
	}
	return key
}

// Nop stores nothing; every Get misses.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }
func (Nop) Put(context.Context, string, []byte) error   { return nil }
func (Nop) Close() error                                { return nil }

// maskURL hides credentials in connection URLs for logging.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
