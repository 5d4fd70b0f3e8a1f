package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/raaihank/sam2-worker/internal/runtime"
)

// envKeys are bound explicitly so they can be set from the environment
// without appearing in a config file.
var envKeys = []string{
	"server.port",
	"logging.level",
	"logging.format",
	"model.url",
	"model.origin",
	"cache.type",
	"cache.dir",
	"cache.redis_url",
	"cache.database_url",
	"encoder.base_url",
	"encoder.api_key",
	"runtime.shared_library",
	"runtime.accelerator",
	"websocket.username",
	"websocket.password",
}

var (
	mu     sync.Mutex
	active *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/sam2-worker/")
	v.AddConfigPath("$HOME/.sam2-worker/")

	// Environment variable overrides
	v.SetEnvPrefix("SAM2")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	active = v
	mu.Unlock()
	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	switch strings.ToLower(config.Cache.Type) {
	case "", "none", "fs":
	case "redis":
		if config.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for redis cache")
		}
	case "postgres":
		if config.Cache.DatabaseURL == "" {
			return fmt.Errorf("cache.database_url is required for postgres cache")
		}
	default:
		return fmt.Errorf("invalid cache type: %s (must be fs, redis, postgres, or none)", config.Cache.Type)
	}

	if _, err := runtime.ParseBackends(config.Runtime.Backends); err != nil {
		return fmt.Errorf("invalid runtime.backends: %w", err)
	}

	if config.Model.URL == "" {
		return fmt.Errorf("model.url is required")
	}
	if config.Worker.QueueSize <= 0 {
		return fmt.Errorf("invalid worker.queue_size: %d", config.Worker.QueueSize)
	}
	if config.Worker.MaxEmbeddingBytes <= 0 {
		return fmt.Errorf("invalid worker.max_embedding_bytes: %d", config.Worker.MaxEmbeddingBytes)
	}
	if config.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid websocket.max_message_size: %d", config.WebSocket.MaxMessageSize)
	}
	if rl := config.WebSocket.RateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst <= 0) {
		return fmt.Errorf("websocket.rate_limit needs positive requests_per_second and burst")
	}

	return nil
}

// Watch starts watching the configuration file loaded by the last Load.
// callback receives each valid new configuration; invalid edits are passed
// to onError and otherwise ignored.
func Watch(callback func(*Config), onError func(error)) error {
	mu.Lock()
	v := active
	mu.Unlock()
	if v == nil {
		return fmt.Errorf("no configuration loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to unmarshal %s: %w", e.Name, err))
			}
			return
		}

		if err := validateConfig(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("invalid configuration in %s: %w", e.Name, err))
			}
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
