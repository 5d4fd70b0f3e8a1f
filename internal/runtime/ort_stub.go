//go:build !onnx
// +build !onnx

package runtime

import (
	"context"

	"go.uber.org/zap"
)

// Stub implementation used when the 'onnx' build tag is not set.
func NewORTOpener(cfg ORTConfig, logger *zap.Logger) Opener {
	return OpenerFunc(func(ctx context.Context, backend Backend, model []byte) (Session, error) {
		return nil, ErrRuntimeUnavailable
	})
}
