// Package app builds the shared pipeline services from configuration.
package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/blobstore"
	"github.com/raaihank/sam2-worker/internal/codec"
	"github.com/raaihank/sam2-worker/internal/config"
	"github.com/raaihank/sam2-worker/internal/decoder"
	"github.com/raaihank/sam2-worker/internal/encoder"
	"github.com/raaihank/sam2-worker/internal/logger"
	"github.com/raaihank/sam2-worker/internal/modelfetch"
	"github.com/raaihank/sam2-worker/internal/runtime"
	"github.com/raaihank/sam2-worker/internal/worker"
)

// Services holds the process-wide collaborators shared by every pipeline.
type Services struct {
	Store   blobstore.Store
	Models  *modelfetch.Fetcher
	Runtime *runtime.Manager
	Encoder *encoder.Client
	Codec   *codec.Codec
	Engine  *decoder.Engine
}

// NewLogger builds the configured logger.
func NewLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}
	return logger.New(loggerConfig)
}

// New initializes all services. An opener may be passed to replace ONNX
// Runtime; nil selects the real runtime.
func New(cfg *config.Config, log *logger.Logger, opener runtime.Opener) (*Services, error) {
	s := &Services{}

	log.Info("Initializing model cache", zap.String("type", cfg.Cache.Type))
	store, err := blobstore.New(&cfg.Cache, log.WithComponent("blobstore").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model cache: %w", err)
	}
	s.Store = store

	s.Models = modelfetch.New(modelfetch.Config{
		URL:      cfg.Model.URL,
		Origin:   cfg.Model.Origin,
		MaxBytes: cfg.Model.MaxBytes,
		Timeout:  cfg.Model.Timeout,
	}, nil, store, log.WithComponent("modelfetch").Logger)

	backends, err := runtime.ParseBackends(cfg.Runtime.Backends)
	if err != nil {
		s.Close()
		return nil, err
	}
	if opener == nil {
		opener = runtime.NewORTOpener(runtime.ORTConfig{
			SharedLibrary: cfg.Runtime.SharedLibrary,
			Accelerator:   cfg.Runtime.Accelerator,
			DeviceID:      cfg.Runtime.DeviceID,
			Threads:       cfg.Runtime.Threads,
		}, log.WithComponent("runtime").Logger)
	}
	s.Runtime = runtime.NewManager(opener, backends, log.WithComponent("runtime").Logger)

	s.Encoder = encoder.New(encoder.Config{
		BaseURL:          cfg.Encoder.BaseURL,
		APIKey:           cfg.Encoder.APIKey,
		Timeout:          cfg.Encoder.Timeout,
		MaxResponseBytes: cfg.Encoder.MaxResponseBytes,
	}, nil, log.WithComponent("encoder").Logger)

	s.Codec = codec.New(cfg.Worker.MaxEmbeddingBytes)
	s.Engine = decoder.New(decoder.Config{
		MaskOutput:   cfg.Decoder.MaskOutput,
		ScoreOutput:  cfg.Decoder.ScoreOutput,
		LowResOutput: cfg.Decoder.LowResOutput,
	})
	return s, nil
}

// WorkerOptions returns router options over the shared services.
func (s *Services) WorkerOptions(cfg *config.Config) worker.Options {
	return worker.Options{
		Models:    s.Models,
		Sessions:  s.Runtime,
		Encoder:   s.Encoder,
		Codec:     s.Codec,
		Engine:    s.Engine,
		QueueSize: cfg.Worker.QueueSize,
	}
}

// Close releases the runtime session and the cache.
func (s *Services) Close() error {
	var firstErr error
	if s.Runtime != nil {
		if err := s.Runtime.Close(); err != nil {
			firstErr = err
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
