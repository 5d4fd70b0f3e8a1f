// Package decoder runs one mask decode against a loaded session.
package decoder

import (
	"context"
	"fmt"
	"math"

	"github.com/raaihank/sam2-worker/internal/apperr"
	"github.com/raaihank/sam2-worker/internal/prompt"
	"github.com/raaihank/sam2-worker/internal/runtime"
	"github.com/raaihank/sam2-worker/internal/tensor"
)

// Default output names of the SAM2 decoder export.
const (
	DefaultMaskOutput   = "masks"
	DefaultScoreOutput  = "iou_predictions"
	DefaultLowResOutput = "low_res_masks"
)

// Config names the decoder outputs. LowResOutput is optional.
type Config struct {
	MaskOutput   string
	ScoreOutput  string
	LowResOutput string
}

// Engine invokes a session with prompt inputs.
type Engine struct {
	cfg Config
}

// New returns an Engine. Empty mask or score names fall back to the
// defaults.
func New(cfg Config) *Engine {
	if cfg.MaskOutput == "" {
		cfg.MaskOutput = DefaultMaskOutput
	}
	if cfg.ScoreOutput == "" {
		cfg.ScoreOutput = DefaultScoreOutput
	}
	return &Engine{cfg: cfg}
}

// Result holds every candidate produced by one decode. Masks is
// [1,N,H,W] and Scores is [1,N].
type Result struct {
	Masks       *tensor.Tensor            `json:"masks"`
	Scores      *tensor.Tensor            `json:"iou_predictions"`
	LowResMasks *tensor.Tensor            `json:"low_res_masks,omitempty"`
	Outputs     map[string]*tensor.Tensor `json:"-"`
}

// Decode runs the session once. Failures are wrapped in ErrDecode with the
// cause attached; nothing is retried.
func (e *Engine) Decode(ctx context.Context, sess runtime.Session, in *prompt.Inputs) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrDecode, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no session", apperr.ErrDecode)
	}
	if in == nil {
		return nil, fmt.Errorf("%w: no inputs", apperr.ErrDecode)
	}

	outputs, err := sess.Run(ctx, in.Map())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrDecode, err)
	}

	masks, ok := outputs[e.cfg.MaskOutput]
	if !ok || masks == nil {
		return nil, fmt.Errorf("%w: output %q missing", apperr.ErrDecode, e.cfg.MaskOutput)
	}
	scores, ok := outputs[e.cfg.ScoreOutput]
	if !ok || scores == nil {
		return nil, fmt.Errorf("%w: output %q missing", apperr.ErrDecode, e.cfg.ScoreOutput)
	}
	if err := masks.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrDecode, e.cfg.MaskOutput, err)
	}
	if len(masks.Shape) != 4 {
		return nil, fmt.Errorf("%w: %s has shape %v, want [1,N,H,W]", apperr.ErrDecode, e.cfg.MaskOutput, masks.Shape)
	}
	if err := scores.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrDecode, e.cfg.ScoreOutput, err)
	}
	if n := masks.Shape[1]; int64(len(scores.Data)) != n {
		return nil, fmt.Errorf("%w: %d masks but %d scores", apperr.ErrDecode, n, len(scores.Data))
	}

	res := &Result{Masks: masks, Scores: scores, Outputs: outputs}
	if e.cfg.LowResOutput != "" {
		if low := outputs[e.cfg.LowResOutput]; low != nil {
			if err := low.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", apperr.ErrDecode, e.cfg.LowResOutput, err)
			}
			res.LowResMasks = low
		}
	}

	// Results are sent as JSON, which has no encoding for NaN or Inf.
	for name, t := range map[string]*tensor.Tensor{
		e.cfg.MaskOutput:   res.Masks,
		e.cfg.ScoreOutput:  res.Scores,
		e.cfg.LowResOutput: res.LowResMasks,
	} {
		if t == nil {
			continue
		}
		if i := firstNonFinite(t.Data); i >= 0 {
			return nil, fmt.Errorf("%w: %s has non-finite value %v at %d", apperr.ErrDecode, name, t.Data[i], i)
		}
	}
	return res, nil
}

func firstNonFinite(data []float32) int {
	for i, v := range data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return i
		}
	}
	return -1
}

// Count returns the number of candidates.
func (r *Result) Count() int {
	return len(r.Scores.Data)
}

// BestIndex returns the candidate with the highest score, or -1 when empty.
func (r *Result) BestIndex() int {
	best := -1
	for i, s := range r.Scores.Data {
		if best < 0 || s > r.Scores.Data[best] {
			best = i
		}
	}
	return best
}

// MaskAt returns candidate i as a [1,1,H,W] copy, which can be passed back
// as the prior of the next decode. The low resolution output is preferred
// when present since it matches the decoder's mask_input size.
func (r *Result) MaskAt(i int) (*tensor.Tensor, error) {
	src := r.Masks
	if r.LowResMasks != nil && len(r.LowResMasks.Shape) == 4 && r.LowResMasks.Shape[1] == src.Shape[1] {
		src = r.LowResMasks
	}
	n := src.Shape[1]
	if i < 0 || int64(i) >= n {
		return nil, fmt.Errorf("mask index %d out of range [0,%d)", i, n)
	}
	h, w := src.Shape[2], src.Shape[3]
	plane := h * w
	data := append([]float32(nil), src.Data[int64(i)*plane:int64(i+1)*plane]...)
	return tensor.New(data, 1, 1, h, w)
}
