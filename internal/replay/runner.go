// Package replay drives an in-process worker pipeline through a recorded
// click session, issuing one decode per step.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/codec"
	"github.com/raaihank/sam2-worker/internal/decoder"
	"github.com/raaihank/sam2-worker/internal/worker"
)

// Source is the image to segment: raw bytes sent to the encoding service,
// or precomputed embeddings.
type Source struct {
	Image       []byte
	ContentType string
	Embeddings  *codec.EmbeddingsResponse
}

// Config controls a replay run.
type Config struct {
	// FeedMask passes the best mask of each step as the prior of the next.
	FeedMask bool
	// StepTimeout bounds every message round trip. Zero means 5 minutes.
	StepTimeout time.Duration
}

// StepResult is the outcome of one decode.
type StepResult struct {
	Step       int64   `json:"step"`
	Points     int     `json:"points"`
	MaskPrior  bool    `json:"mask_prior"`
	Candidates int     `json:"candidates"`
	Best       int     `json:"best"`
	BestScore  float32 `json:"best_score"`
	DurationMs float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// Report summarises a replay run.
type Report struct {
	RunID    string        `json:"run_id"`
	Backend  string        `json:"backend"`
	Steps    []StepResult  `json:"steps"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
	Stats    worker.Stats  `json:"stats"`
}

// Runner replays datasets against a fresh Router per run.
type Runner struct {
	opts   worker.Options
	config Config
	logger *zap.Logger
}

// NewRunner creates a runner whose routers are built from opts.
func NewRunner(opts worker.Options, config Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.StepTimeout <= 0 {
		config.StepTimeout = 5 * time.Minute
	}
	opts.Logger = logger
	return &Runner{opts: opts, config: config, logger: logger}
}

// ErrFrame is an error frame returned by the pipeline.
type ErrFrame struct {
	Kind    string
	Message string
}

func (e *ErrFrame) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type session struct {
	router  *worker.Router
	frames  worker.ChanSink
	timeout time.Duration
}

// call submits msg and collects its frames until one of type terminal or an
// error frame arrives.
func (s *session) call(ctx context.Context, typ worker.MessageType, data interface{}, terminal worker.MessageType) ([]worker.Outbound, error) {
	msg := worker.Inbound{Type: typ, ID: uuid.NewString()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", typ, err)
		}
		msg.Data = raw
	}
	if err := s.router.Submit(msg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var frames []worker.Outbound
	for {
		select {
		case <-ctx.Done():
			return frames, fmt.Errorf("waiting for %s: %w", terminal, ctx.Err())
		case out := <-s.frames:
			if out.ID != msg.ID {
				continue
			}
			frames = append(frames, out)
			switch out.Type {
			case worker.TypeError:
				return frames, &ErrFrame{Kind: out.ErrorKind, Message: out.Error}
			case terminal:
				return frames, nil
			}
		}
	}
}

// Run pings the pipeline, ingests src and decodes every step. Setup failures
// abort the run; decode failures are recorded on their step.
func (r *Runner) Run(ctx context.Context, src Source, steps []Step) (*Report, error) {
	if len(steps) == 0 {
		return nil, errors.New("no steps to replay")
	}
	if len(src.Image) == 0 && src.Embeddings == nil {
		return nil, errors.New("replay needs an image or embeddings")
	}

	start := time.Now()
	report := &Report{RunID: uuid.NewString()}
	log := r.logger.With(zap.String("run_id", report.RunID))

	frames := make(worker.ChanSink, 64)
	router := worker.NewRouter(r.opts, frames)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go router.Run(runCtx)

	s := &session{router: router, frames: frames, timeout: r.config.StepTimeout}

	out, err := s.call(ctx, worker.TypePing, nil, worker.TypeStats)
	if err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	for _, f := range out {
		if pong, ok := f.Data.(worker.PongData); ok {
			report.Backend = pong.Device
		}
	}
	log.Info("Pipeline ready", zap.String("backend", report.Backend))

	if src.Embeddings != nil {
		_, err = s.call(ctx, worker.TypeSetImageEmbeddings,
			worker.SetImageEmbeddingsData{Embeddings: src.Embeddings}, worker.TypeSetImageEmbeddingsDone)
	} else {
		_, err = s.call(ctx, worker.TypeEncodeImage,
			worker.EncodeImageData{ImageData: src.Image, ContentType: src.ContentType}, worker.TypeEncodeImageDone)
	}
	if err != nil {
		return nil, fmt.Errorf("image ingestion failed: %w", err)
	}

	var prior *worker.DecodeMaskData
	for _, step := range steps {
		req := worker.DecodeMaskData{Points: step.Points}
		if r.config.FeedMask && prior != nil {
			req.MaskArray, req.MaskShape = prior.MaskArray, prior.MaskShape
		}
		sr := StepResult{Step: step.Index, Points: len(step.Points), MaskPrior: len(req.MaskArray) > 0, Best: -1}

		out, err := s.call(ctx, worker.TypeDecodeMask, req, worker.TypeDecodeMaskResult)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			sr.Error = err.Error()
			report.Failed++
			report.Steps = append(report.Steps, sr)
			log.Warn("Step failed", zap.Int64("step", step.Index), zap.Error(err))
			continue
		}

		final := out[len(out)-1]
		if st, ok := final.Stats.(worker.DecodeStats); ok {
			sr.DurationMs = st.DurationMs
		}
		if res, ok := final.Data.(*decoder.Result); ok {
			sr.Candidates = res.Count()
			sr.Best = res.BestIndex()
			if sr.Best >= 0 {
				sr.BestScore = res.Scores.Data[sr.Best]
				if mask, err := res.MaskAt(sr.Best); err == nil {
					prior = &worker.DecodeMaskData{MaskArray: mask.Data, MaskShape: mask.Shape}
				}
			}
		}
		report.Steps = append(report.Steps, sr)
		log.Debug("Step decoded",
			zap.Int64("step", step.Index),
			zap.Int("points", sr.Points),
			zap.Float32("best_score", sr.BestScore))
	}

	if out, err := s.call(ctx, worker.TypeStats, nil, worker.TypeStats); err == nil {
		if st, ok := out[len(out)-1].Data.(worker.Stats); ok {
			report.Stats = st
		}
	}
	report.Duration = time.Since(start)

	log.Info("Replay completed",
		zap.Int("steps", len(report.Steps)),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
	return report, nil
}
