// Package worker sequences the interactive decode pipeline: model download,
// session creation, embedding ingestion and repeated mask decodes. A Router
// handles one message at a time and reports progress through a Sink.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/apperr"
	"github.com/raaihank/sam2-worker/internal/codec"
	"github.com/raaihank/sam2-worker/internal/decoder"
	"github.com/raaihank/sam2-worker/internal/modelfetch"
	"github.com/raaihank/sam2-worker/internal/prompt"
	"github.com/raaihank/sam2-worker/internal/runtime"
	"github.com/raaihank/sam2-worker/internal/tensor"
)

// DefaultQueueSize bounds the pending message queue.
const DefaultQueueSize = 16

// State is the pipeline phase of a router.
type State int

const (
	StateIdle State = iota
	StateDownloading
	StateSessionInit
	StateReady
	StateEncoding
	StateDecoding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateSessionInit:
		return "session_init"
	case StateReady:
		return "ready"
	case StateEncoding:
		return "encoding"
	case StateDecoding:
		return "decoding"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ModelSource provides the decoder weights.
type ModelSource interface {
	Fetch(ctx context.Context) (*modelfetch.Model, error)
}

// SessionLoader creates or returns the shared decoder session.
type SessionLoader interface {
	Load(ctx context.Context, model []byte) (runtime.Session, error)
}

// ImageEncoder computes embeddings for an image remotely.
type ImageEncoder interface {
	Encode(ctx context.Context, image []byte, contentType string) (*codec.EmbeddingsResponse, error)
}

// Options wires a Router. Models and Sessions are required; Encoder may be
// nil, in which case encodeImage fails with a network error.
type Options struct {
	Models    ModelSource
	Sessions  SessionLoader
	Encoder   ImageEncoder
	Codec     *codec.Codec
	Engine    *decoder.Engine
	QueueSize int
	Logger    *zap.Logger
}

// Router is the serial state machine of one pipeline instance.
type Router struct {
	models   ModelSource
	sessions SessionLoader
	encoder  ImageEncoder
	codec    *codec.Codec
	engine   *decoder.Engine
	sink     Sink
	logger   *zap.Logger
	queue    chan Inbound

	mu      sync.RWMutex
	state   State
	session runtime.Session
	image   *codec.EncodedImage
	stats   Stats
}

// NewRouter creates a router that emits to sink.
func NewRouter(opts Options, sink Sink) *Router {
	if opts.Codec == nil {
		opts.Codec = codec.New(0)
	}
	if opts.Engine == nil {
		opts.Engine = decoder.New(decoder.Config{})
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Router{
		models:   opts.Models,
		sessions: opts.Sessions,
		encoder:  opts.Encoder,
		codec:    opts.Codec,
		engine:   opts.Engine,
		sink:     sink,
		logger:   opts.Logger,
		queue:    make(chan Inbound, opts.QueueSize),
		state:    StateIdle,
		stats:    newStats(),
	}
}

// Submit enqueues msg for Run. When the queue is full the message is
// rejected with a queue-full protocol error, which is also emitted.
func (r *Router) Submit(msg Inbound) error {
	select {
	case r.queue <- msg:
		return nil
	default:
		err := fmt.Errorf("%w: %w: %s dropped", apperr.ErrProtocol, apperr.ErrQueueFull, msg.Type)
		r.fail(msg, err)
		return err
	}
}

// Run consumes queued messages until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-r.queue:
			r.Handle(ctx, msg)
		}
	}
}

// Handle processes one message to completion. Every message yields exactly
// one terminal message (ping yields pong followed by stats).
func (r *Router) Handle(ctx context.Context, msg Inbound) {
	var err error
	switch msg.Type {
	case TypePing:
		err = r.ping(ctx, msg)
	case TypeEncodeImage:
		err = r.encodeImage(ctx, msg)
	case TypeSetImageEmbeddings:
		err = r.setImageEmbeddings(msg)
	case TypeDecodeMask:
		err = r.decodeMask(ctx, msg)
	case TypeStats:
		r.emit(msg, Outbound{Type: TypeStats, Data: r.Stats()})
	default:
		err = fmt.Errorf("%w: %w: %q", apperr.ErrProtocol, apperr.ErrUnknownType, msg.Type)
	}
	if err != nil {
		r.fail(msg, err)
	}
}

func (r *Router) ping(ctx context.Context, msg Inbound) error {
	prev := r.State()
	r.setState(StateDownloading)
	r.emit(msg, Outbound{Type: TypeDownloadInProgress})

	model, err := r.models.Fetch(ctx)
	if err != nil {
		r.setState(prev)
		return fmt.Errorf("failed to download decoder model: %w", err)
	}

	r.setState(StateSessionInit)
	r.mu.Lock()
	r.stats.DownloadModelsTime = append(r.stats.DownloadModelsTime, millis(model.Duration))
	r.mu.Unlock()
	r.emit(msg, Outbound{Type: TypeLoadingInProgress})

	sess, err := r.sessions.Load(ctx, model.Data)
	if err != nil {
		r.setState(prev)
		return fmt.Errorf("failed to create decoder session: %w", err)
	}

	r.mu.Lock()
	r.session = sess
	r.state = StateReady
	r.stats.Backend = string(sess.Backend())
	r.stats.LastError = nil
	r.mu.Unlock()

	r.logger.Info("Pipeline ready",
		zap.String("backend", string(sess.Backend())),
		zap.Bool("model_from_cache", model.FromCache))

	r.emit(msg, Outbound{Type: TypePong, Data: PongData{Success: true, Device: string(sess.Backend())}})
	r.emit(msg, Outbound{Type: TypeStats, Data: r.Stats()})
	return nil
}

func (r *Router) requireReady(op MessageType) error {
	if r.State() != StateReady {
		return fmt.Errorf("%w: %s requires a ready session (state %s), send ping first", apperr.ErrState, op, r.State())
	}
	return nil
}

func (r *Router) encodeImage(ctx context.Context, msg Inbound) error {
	if err := r.requireReady(msg.Type); err != nil {
		return err
	}
	var data EncodeImageData
	if err := decodeData(msg.Data, &data); err != nil {
		return err
	}
	if len(data.ImageData) == 0 {
		return fmt.Errorf("%w: imageData is empty", apperr.ErrInput)
	}
	if r.encoder == nil {
		return fmt.Errorf("%w: no encoding service configured", apperr.ErrNetwork)
	}

	r.setState(StateEncoding)
	defer r.setState(StateReady)
	r.emit(msg, Outbound{Type: TypeEncodeInProgress})

	start := time.Now()
	resp, err := r.encoder.Encode(ctx, data.ImageData, data.ContentType)
	if err != nil {
		return fmt.Errorf("failed to encode image on server: %w", err)
	}
	img, err := r.codec.DecodeImage(resp)
	if err != nil {
		return fmt.Errorf("failed to ingest embeddings: %w", err)
	}

	r.mu.Lock()
	r.image = img
	r.mu.Unlock()

	r.logger.Debug("Image encoded", zap.Duration("duration", time.Since(start)))
	r.emit(msg, Outbound{Type: TypeEncodeImageDone})
	return nil
}

func (r *Router) setImageEmbeddings(msg Inbound) error {
	if err := r.requireReady(msg.Type); err != nil {
		return err
	}
	var data SetImageEmbeddingsData
	if err := decodeData(msg.Data, &data); err != nil {
		return err
	}
	if data.Embeddings == nil {
		return fmt.Errorf("%w: embeddings missing", apperr.ErrCodec)
	}
	img, err := r.codec.DecodeImage(data.Embeddings)
	if err != nil {
		return fmt.Errorf("failed to process embeddings: %w", err)
	}

	r.mu.Lock()
	r.image = img
	r.stats.LastError = nil
	r.mu.Unlock()

	r.emit(msg, Outbound{Type: TypeSetImageEmbeddingsDone})
	return nil
}

func (r *Router) decodeMask(ctx context.Context, msg Inbound) error {
	if err := r.requireReady(msg.Type); err != nil {
		return err
	}
	r.mu.RLock()
	img, sess := r.image, r.session
	r.mu.RUnlock()
	if img == nil {
		return fmt.Errorf("%w: decodeMask requires an encoded image", apperr.ErrState)
	}

	var data DecodeMaskData
	if err := decodeData(msg.Data, &data); err != nil {
		return err
	}
	if len(data.Points) == 0 {
		return fmt.Errorf("%w: no points provided for mask generation", apperr.ErrInput)
	}
	var prior *tensor.Tensor
	if len(data.MaskArray) > 0 {
		t, err := tensor.New(data.MaskArray, data.MaskShape...)
		if err != nil {
			return fmt.Errorf("%w: maskArray: %v", apperr.ErrInput, err)
		}
		prior = t
	}

	inputs, err := prompt.Build(img, data.Points, prior)
	if err != nil {
		return err
	}

	r.setState(StateDecoding)
	defer r.setState(StateReady)
	r.emit(msg, Outbound{Type: TypeDecodeInProgress})

	start := time.Now()
	res, err := r.engine.Decode(ctx, sess, inputs)
	if err != nil {
		return fmt.Errorf("failed to generate mask: %w", err)
	}
	elapsed := millis(time.Since(start))

	r.mu.Lock()
	r.stats.DecodeTimes = append(r.stats.DecodeTimes, elapsed)
	r.stats.LastError = nil
	r.mu.Unlock()

	r.logger.Debug("Mask decoded",
		zap.Int("points", len(data.Points)),
		zap.Bool("mask_prior", prior != nil),
		zap.Int("candidates", res.Count()),
		zap.Float64("duration_ms", elapsed))

	r.emit(msg, Outbound{Type: TypeDecodeMaskResult, Data: res, Stats: DecodeStats{DurationMs: elapsed}})
	return nil
}

// Reject reports err for msg without processing it. The transport uses it
// for frames refused before they reach the queue.
func (r *Router) Reject(msg Inbound, err error) {
	r.fail(msg, err)
}

func (r *Router) fail(msg Inbound, err error) {
	text := err.Error()
	r.mu.Lock()
	r.stats.LastError = &text
	r.mu.Unlock()

	r.logger.Warn("Message failed",
		zap.String("type", string(msg.Type)),
		zap.String("kind", apperr.KindOf(err)),
		zap.Error(err))

	r.emit(msg, Outbound{
		Type:      TypeError,
		Error:     text,
		ErrorKind: apperr.KindOf(err),
		Stats:     r.Stats(),
	})
}

func (r *Router) emit(msg Inbound, out Outbound) {
	out.ID = msg.ID
	r.sink.Send(out)
}

func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: message data missing", apperr.ErrInput)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed message data: %v", apperr.ErrInput, err)
	}
	return nil
}

func (r *Router) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// State returns the current phase.
func (r *Router) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// ImageEncoded reports whether embeddings have been ingested.
func (r *Router) ImageEncoded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.image != nil
}

// Stats returns a snapshot of the router statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats.clone()
}
