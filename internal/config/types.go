package config

import (
	"time"

	"github.com/raaihank/sam2-worker/internal/blobstore"
)

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig     `yaml:"server" mapstructure:"server"`
	Logging   LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Model     ModelConfig      `yaml:"model" mapstructure:"model"`
	Cache     blobstore.Config `yaml:"cache" mapstructure:"cache"`
	Encoder   EncoderConfig    `yaml:"encoder" mapstructure:"encoder"`
	Runtime   RuntimeConfig    `yaml:"runtime" mapstructure:"runtime"`
	Decoder   DecoderConfig    `yaml:"decoder" mapstructure:"decoder"`
	Worker    WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	WebSocket WebSocketConfig  `yaml:"websocket" mapstructure:"websocket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// ModelConfig locates the decoder weights
type ModelConfig struct {
	URL      string        `yaml:"url" mapstructure:"url"`
	Origin   string        `yaml:"origin" mapstructure:"origin"`
	MaxBytes int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// EncoderConfig contains remote encoding service configuration
type EncoderConfig struct {
	BaseURL          string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey           string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes" mapstructure:"max_response_bytes"`
}

// RuntimeConfig contains inference runtime configuration
type RuntimeConfig struct {
	Backends      []string `yaml:"backends" mapstructure:"backends"` // tried in order
	SharedLibrary string   `yaml:"shared_library" mapstructure:"shared_library"`
	Accelerator   string   `yaml:"accelerator" mapstructure:"accelerator"`
	DeviceID      int      `yaml:"device_id" mapstructure:"device_id"`
	Threads       int      `yaml:"threads" mapstructure:"threads"`
}

// DecoderConfig names the decoder model outputs
type DecoderConfig struct {
	MaskOutput   string `yaml:"mask_output" mapstructure:"mask_output"`
	ScoreOutput  string `yaml:"score_output" mapstructure:"score_output"`
	LowResOutput string `yaml:"low_res_output" mapstructure:"low_res_output"`
}

// WorkerConfig contains pipeline limits
type WorkerConfig struct {
	QueueSize         int   `yaml:"queue_size" mapstructure:"queue_size"`
	MaxEmbeddingBytes int64 `yaml:"max_embedding_bytes" mapstructure:"max_embedding_bytes"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Username        string        `yaml:"username" mapstructure:"username"`
	Password        string        `yaml:"password" mapstructure:"password"`
	RateLimit       struct {
		Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
		Burst             int     `yaml:"burst" mapstructure:"burst"`
	} `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Model: ModelConfig{
			URL:      "https://huggingface.co/flyvi/sam2.1/resolve/main/sam2.1_hiera_tiny_decoder.onnx",
			Origin:   "http://localhost:8080",
			MaxBytes: 512 << 20,
			Timeout:  5 * time.Minute,
		},
		Cache: blobstore.Config{
			Type:           "fs",
			Dir:            "model-cache",
			KeyPrefix:      "sam2",
			MaxConnections: 10,
			MinIdleConns:   1,
			MaxOpenConns:   5,
			MaxIdleConns:   2,
		},
		Encoder: EncoderConfig{
			BaseURL:          "http://localhost:8000/api",
			Timeout:          60 * time.Second,
			MaxResponseBytes: 256 << 20,
		},
		Runtime: RuntimeConfig{
			Backends:    []string{"accelerated", "simd", "plain"},
			Accelerator: "cuda",
			Threads:     4,
		},
		Decoder: DecoderConfig{
			MaskOutput:  "masks",
			ScoreOutput: "iou_predictions",
		},
		Worker: WorkerConfig{
			QueueSize:         16,
			MaxEmbeddingBytes: 64 << 20,
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			MaxConnections:  100,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  64 << 20, // embeddings and mask priors travel inline
			AllowedOrigins:  []string{"*"},
		},
	}
	cfg.Logging.File.Path = "logs/sam2-worker.log"
	cfg.WebSocket.RateLimit.Enabled = true
	cfg.WebSocket.RateLimit.RequestsPerSecond = 20
	cfg.WebSocket.RateLimit.Burst = 40
	return cfg
}
