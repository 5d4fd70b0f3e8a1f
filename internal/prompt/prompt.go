// Package prompt turns click points and an optional previous mask into the
// named input tensors of the SAM2 mask decoder.
package prompt

import (
	"fmt"
	"math"

	"github.com/raaihank/sam2-worker/internal/apperr"
	"github.com/raaihank/sam2-worker/internal/codec"
	"github.com/raaihank/sam2-worker/internal/tensor"
)

// Decoder input names.
const (
	PointCoords  = "point_coords"
	PointLabels  = "point_labels"
	MaskInput    = "mask_input"
	HasMaskInput = "has_mask_input"
)

// MaskSize is the side of the low resolution mask the decoder accepts.
const MaskSize = 256

// Label classifies a point prompt.
type Label int

const (
	LabelPadding     Label = -1
	LabelBackground  Label = 0
	LabelForeground  Label = 1
	LabelBoxTopLeft  Label = 2
	LabelBoxBotRight Label = 3
)

// Valid reports whether l is a label the decoder understands.
func (l Label) Valid() bool {
	return l >= LabelPadding && l <= LabelBoxBotRight
}

// Point is a click in the 1024x1024 model input space.
type Point struct {
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	Label Label   `json:"label"`
}

// Inputs is the full decoder feed for one call.
type Inputs struct {
	ImageEmbed    *tensor.Tensor
	HighResFeats0 *tensor.Tensor
	HighResFeats1 *tensor.Tensor
	PointCoords   *tensor.Tensor
	PointLabels   *tensor.Tensor
	MaskInput     *tensor.Tensor
	HasMaskInput  *tensor.Tensor
}

// Map returns the inputs keyed by decoder input name.
func (in *Inputs) Map() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		codec.ImageEmbed:    in.ImageEmbed,
		codec.HighResFeats0: in.HighResFeats0,
		codec.HighResFeats1: in.HighResFeats1,
		PointCoords:         in.PointCoords,
		PointLabels:         in.PointLabels,
		MaskInput:           in.MaskInput,
		HasMaskInput:        in.HasMaskInput,
	}
}

// Build assembles the decoder inputs. img must be a previously ingested
// image; points must be non-empty. A nil prior selects a zero placeholder
// mask with has_mask_input set to 0.
func Build(img *codec.EncodedImage, points []Point, prior *tensor.Tensor) (*Inputs, error) {
	if img == nil || img.ImageEmbed == nil || img.HighResFeats0 == nil || img.HighResFeats1 == nil {
		return nil, fmt.Errorf("%w: no image has been encoded", apperr.ErrState)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: at least one point is required", apperr.ErrInput)
	}

	p := int64(len(points))
	coords := make([]float32, 0, 2*p)
	labels := make([]float32, 0, p)
	for i, pt := range points {
		if !finite(pt.X) || !finite(pt.Y) {
			return nil, fmt.Errorf("%w: point %d has non-finite coordinates", apperr.ErrInput, i)
		}
		if !pt.Label.Valid() {
			return nil, fmt.Errorf("%w: point %d has unknown label %d", apperr.ErrInput, i, pt.Label)
		}
		coords = append(coords, pt.X, pt.Y)
		labels = append(labels, float32(pt.Label))
	}

	in := &Inputs{
		ImageEmbed:    img.ImageEmbed,
		HighResFeats0: img.HighResFeats0,
		HighResFeats1: img.HighResFeats1,
		PointCoords:   &tensor.Tensor{DType: tensor.Float32, Data: coords, Shape: []int64{1, p, 2}},
		PointLabels:   &tensor.Tensor{DType: tensor.Float32, Data: labels, Shape: []int64{1, p}},
	}

	if prior != nil {
		if err := prior.Validate(); err != nil {
			return nil, fmt.Errorf("%w: mask prior: %v", apperr.ErrInput, err)
		}
		if len(prior.Shape) != 4 {
			return nil, fmt.Errorf("%w: mask prior must have rank 4, got shape %v", apperr.ErrInput, prior.Shape)
		}
		in.MaskInput = prior
		in.HasMaskInput = tensor.Scalar(1)
		return in, nil
	}

	placeholder, _ := tensor.Zeros(1, 1, MaskSize, MaskSize)
	in.MaskInput = placeholder
	in.HasMaskInput = tensor.Scalar(0)
	return in, nil
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
