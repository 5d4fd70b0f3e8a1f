// Package encoder calls the remote SAM2 image encoding service.
package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/apperr"
	"github.com/raaihank/sam2-worker/internal/codec"
)

// Config configures the encoding service client.
type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	MaxResponseBytes int64
}

// Client posts images to {BaseURL}/segmentation_embeddings.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a Client. A nil httpClient selects one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 256 << 20
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// Encode uploads image and returns the raw embedding payloads.
func (c *Client) Encode(ctx context.Context, image []byte, contentType string) (*codec.EmbeddingsResponse, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: encoder base URL not configured", apperr.ErrNetwork)
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="image.jpg"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("%w: build multipart body: %v", apperr.ErrNetwork, err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("%w: build multipart body: %v", apperr.ErrNetwork, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%w: build multipart body: %v", apperr.ErrNetwork, err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/segmentation_embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", apperr.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("APIKEY", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: encoder returned %s: %s", apperr.ErrNetwork, resp.Status, strings.TrimSpace(string(snippet)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", apperr.ErrNetwork, err)
	}
	if int64(len(raw)) > c.cfg.MaxResponseBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", apperr.ErrNetwork, c.cfg.MaxResponseBytes)
	}

	var out codec.EmbeddingsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid encoder response: %v", apperr.ErrCodec, err)
	}
	for name, p := range map[string]*codec.Payload{
		codec.HighResFeats0: out.HighResFeats0,
		codec.HighResFeats1: out.HighResFeats1,
		codec.ImageEmbed:    out.ImageEmbed,
	} {
		if p == nil {
			return nil, fmt.Errorf("%w: encoder response missing %s", apperr.ErrCodec, name)
		}
	}

	c.logger.Debug("Image encoded",
		zap.Int("image_bytes", len(image)),
		zap.Int("response_bytes", len(raw)),
		zap.Duration("duration", time.Since(start)))
	return &out, nil
}
