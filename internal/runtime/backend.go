package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raaihank/sam2-worker/internal/tensor"
)

// Backend is an inference execution strategy. Backends are tried in rank
// order until one initialises.
type Backend string

const (
	// BackendAccelerated uses a hardware execution provider (CUDA, CoreML, ...).
	BackendAccelerated Backend = "accelerated"
	// BackendSIMD uses the vectorised multi-threaded CPU kernels.
	BackendSIMD Backend = "simd"
	// BackendPlain runs single-threaded on the CPU.
	BackendPlain Backend = "plain"
)

// DefaultBackends returns the default priority order.
func DefaultBackends() []Backend {
	return []Backend{BackendAccelerated, BackendSIMD, BackendPlain}
}

// ParseBackend parses a backend name.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case BackendAccelerated, BackendSIMD, BackendPlain:
		return b, nil
	default:
		return "", fmt.Errorf("unknown backend %q (must be accelerated, simd or plain)", name)
	}
}

// ParseBackends parses an ordered list of backend names. Duplicates are
// rejected.
func ParseBackends(names []string) ([]Backend, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	seen := make(map[Backend]bool, len(names))
	out := make([]Backend, 0, len(names))
	for _, n := range names {
		b, err := ParseBackend(n)
		if err != nil {
			return nil, err
		}
		if seen[b] {
			return nil, fmt.Errorf("backend %q listed twice", b)
		}
		seen[b] = true
		out = append(out, b)
	}
	return out, nil
}

// Session is a loaded model bound to one backend.
type Session interface {
	// Run executes the model once. inputs must contain every name reported
	// by InputNames; the result is keyed by output name.
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Backend() Backend
	InputNames() []string
	OutputNames() []string
	Close() error
}

// Opener creates a session for one backend.
type Opener interface {
	Open(ctx context.Context, backend Backend, model []byte) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, backend Backend, model []byte) (Session, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, backend Backend, model []byte) (Session, error) {
	return f(ctx, backend, model)
}

// ErrRuntimeUnavailable is returned by the ONNX Runtime opener when the
// binary was built without the onnx tag.
var ErrRuntimeUnavailable = errors.New("onnx runtime not compiled in (build with -tags onnx)")

// ORTConfig configures the ONNX Runtime opener.
type ORTConfig struct {
	SharedLibrary string
	Accelerator   string
	DeviceID      int
	Threads       int
}
