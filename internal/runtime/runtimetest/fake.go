// Package runtimetest provides in-memory sessions for tests that must not
// depend on ONNX Runtime.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/raaihank/sam2-worker/internal/runtime"
	"github.com/raaihank/sam2-worker/internal/tensor"
)

// DecoderInputs are the input names of the SAM2 mask decoder.
var DecoderInputs = []string{
	"image_embed", "high_res_feats_0", "high_res_feats_1",
	"point_coords", "point_labels", "mask_input", "has_mask_input",
}

// DecoderOutputs are the output names of the SAM2 mask decoder.
var DecoderOutputs = []string{"masks", "iou_predictions"}

// Session is a fake runtime.Session. RunFunc defaults to SAM2Outputs(3, 4).
type Session struct {
	BackendName runtime.Backend
	RunFunc     func(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)

	runs   atomic.Int64
	mu     sync.Mutex
	last   map[string]*tensor.Tensor
	closed bool
}

func (s *Session) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	s.runs.Add(1)
	s.mu.Lock()
	s.last = inputs
	s.mu.Unlock()

	for _, name := range DecoderInputs {
		if _, ok := inputs[name]; !ok {
			return nil, fmt.Errorf("missing input %q", name)
		}
	}
	if s.RunFunc != nil {
		return s.RunFunc(ctx, inputs)
	}
	return SAM2Outputs(3, 4), nil
}

func (s *Session) Backend() runtime.Backend { return s.BackendName }
func (s *Session) InputNames() []string     { return append([]string(nil), DecoderInputs...) }
func (s *Session) OutputNames() []string    { return append([]string(nil), DecoderOutputs...) }

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Runs returns how many times Run was called.
func (s *Session) Runs() int64 { return s.runs.Load() }

// LastInputs returns the inputs of the most recent Run.
func (s *Session) LastInputs() map[string]*tensor.Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SAM2Outputs returns n candidate masks of size×size and n scores; score i
// is (i+1)/10 so the last candidate scores best.
func SAM2Outputs(n, size int64) map[string]*tensor.Tensor {
	masks, _ := tensor.Zeros(1, n, size, size)
	for i := int64(0); i < n; i++ {
		for j := int64(0); j < size*size; j++ {
			masks.Data[i*size*size+j] = float32(i)
		}
	}
	scores, _ := tensor.Zeros(1, n)
	for i := range scores.Data {
		scores.Data[i] = float32(i+1) / 10
	}
	return map[string]*tensor.Tensor{"masks": masks, "iou_predictions": scores}
}

// Opener is a fake runtime.Opener. Backends listed in Fail return that
// error; any other backend yields a new Session.
type Opener struct {
	Fail    map[runtime.Backend]error
	RunFunc func(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	// Gate, when set, is received from before each open completes.
	Gate chan struct{}

	mu       sync.Mutex
	attempts []runtime.Backend
	opened   []*Session
}

func (o *Opener) Open(ctx context.Context, backend runtime.Backend, model []byte) (runtime.Session, error) {
	o.mu.Lock()
	o.attempts = append(o.attempts, backend)
	o.mu.Unlock()

	if o.Gate != nil {
		select {
		case <-o.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := o.Fail[backend]; err != nil {
		return nil, err
	}

	s := &Session{BackendName: backend, RunFunc: o.RunFunc}
	o.mu.Lock()
	o.opened = append(o.opened, s)
	o.mu.Unlock()
	return s, nil
}

// Attempts returns the backends tried so far, in order.
func (o *Opener) Attempts() []runtime.Backend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]runtime.Backend(nil), o.attempts...)
}

// Opened returns the sessions created so far.
func (o *Opener) Opened() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Session(nil), o.opened...)
}
