package tensor

import (
	"fmt"
	"math"
)

// DType tags the element type of a tensor buffer.
type DType string

const (
	Float32 DType = "float32"
)

// Tensor is a flat float32 buffer with a shape. len(Data) always equals
// the product of Shape for values built through New, Zeros or Scalar.
type Tensor struct {
	DType DType     `json:"type"`
	Data  []float32 `json:"data"`
	Shape []int64   `json:"dims"`
}

// New wraps data with shape. The shape is copied; data is taken over by the
// returned tensor and must not be modified by the caller afterwards.
func New(data []float32, shape ...int64) (*Tensor, error) {
	n, err := Size(shape)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != n {
		return nil, fmt.Errorf("buffer length %d does not match shape %v (want %d)", len(data), shape, n)
	}
	return &Tensor{DType: Float32, Data: data, Shape: append([]int64(nil), shape...)}, nil
}

// Zeros returns a zero-filled tensor of the given shape.
func Zeros(shape ...int64) (*Tensor, error) {
	n, err := Size(shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{DType: Float32, Data: make([]float32, n), Shape: append([]int64(nil), shape...)}, nil
}

// Scalar returns a one-element tensor of shape [1].
func Scalar(v float32) *Tensor {
	return &Tensor{DType: Float32, Data: []float32{v}, Shape: []int64{1}}
}

// Size returns the number of elements described by shape. Every dimension
// must be positive and the product must fit in an int64.
func Size(shape []int64) (int64, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dimension %d in shape %v", d, shape)
		}
		if d > math.MaxInt64/n {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		n *= d
	}
	return n, nil
}

// Validate reports whether t is internally consistent.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("nil tensor")
	}
	if t.DType != Float32 {
		return fmt.Errorf("unsupported dtype %q", t.DType)
	}
	n, err := Size(t.Shape)
	if err != nil {
		return err
	}
	if int64(len(t.Data)) != n {
		return fmt.Errorf("buffer length %d does not match shape %v", len(t.Data), t.Shape)
	}
	return nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		DType: t.DType,
		Data:  append([]float32(nil), t.Data...),
		Shape: append([]int64(nil), t.Shape...),
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, %v)", t.DType, t.Shape)
}
