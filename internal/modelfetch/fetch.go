// Package modelfetch downloads decoder weights with a cache-first policy.
package modelfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/raaihank/sam2-worker/internal/apperr"
	"github.com/raaihank/sam2-worker/internal/blobstore"
)

// DefaultModelURL is the SAM2.1 tiny decoder export.
const DefaultModelURL = "https://huggingface.co/flyvi/sam2.1/resolve/main/sam2.1_hiera_tiny_decoder.onnx"

// Config configures a Fetcher.
type Config struct {
	URL      string
	Origin   string
	MaxBytes int64
	Timeout  time.Duration
}

// Model is a fetched weight blob.
type Model struct {
	Key       string
	Data      []byte
	FromCache bool
	Duration  time.Duration
}

// Fetcher resolves the model from the store, downloading on a miss.
// Concurrent callers share one download.
type Fetcher struct {
	cfg    Config
	client *http.Client
	store  blobstore.Store
	logger *zap.Logger
	group  singleflight.Group
}

// New creates a Fetcher. A nil client selects one with cfg.Timeout; a nil
// store disables caching.
func New(cfg Config, client *http.Client, store blobstore.Store, logger *zap.Logger) *Fetcher {
	if cfg.URL == "" {
		cfg.URL = DefaultModelURL
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 512 << 20
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if store == nil {
		store = blobstore.Nop{}
	}
	return &Fetcher{cfg: cfg, client: client, store: store, logger: logger}
}

// Key returns the cache key of the configured model.
func (f *Fetcher) Key() string {
	return blobstore.KeyFromURL(f.cfg.URL)
}

// Fetch returns the model bytes. Cache errors are logged and treated as a
// miss; a failed cache write does not fail the fetch. The shared download is
// not tied to any one caller, so a caller giving up does not fail the others.
func (f *Fetcher) Fetch(ctx context.Context) (*Model, error) {
	ch := f.group.DoChan(f.cfg.URL, func() (interface{}, error) {
		return f.fetch(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", apperr.ErrNetwork, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Model), nil
	}
}

func (f *Fetcher) fetch(ctx context.Context) (*Model, error) {
	start := time.Now()
	key := f.Key()

	data, err := f.store.Get(ctx, key)
	switch {
	case err == nil && len(data) > 0:
		f.logger.Debug("Model loaded from cache", zap.String("key", key), zap.Int("bytes", len(data)))
		return &Model{Key: key, Data: data, FromCache: true, Duration: time.Since(start)}, nil
	case err != nil && !errors.Is(err, blobstore.ErrNotFound):
		f.logger.Warn("Model cache read failed, downloading", zap.String("key", key), zap.Error(err))
	}

	data, err = f.download(ctx)
	if err != nil {
		return nil, err
	}

	if err := f.store.Put(ctx, key, data); err != nil {
		f.logger.Warn("Model cache write failed", zap.String("key", key), zap.Error(err))
	}

	elapsed := time.Since(start)
	f.logger.Info("Model downloaded",
		zap.String("url", f.cfg.URL),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", elapsed))
	return &Model{Key: key, Data: data, Duration: elapsed}, nil
}

func (f *Fetcher) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", apperr.ErrNetwork, err)
	}
	if f.cfg.Origin != "" {
		req.Header.Set("Origin", f.cfg.Origin)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: model download returned %s", apperr.ErrNetwork, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read model body: %v", apperr.ErrNetwork, err)
	}
	if int64(len(data)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: model exceeds %d bytes", apperr.ErrNetwork, f.cfg.MaxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty model body", apperr.ErrNetwork)
	}
	return data, nil
}
