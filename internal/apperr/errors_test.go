package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("ort: run failed")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "internal_error"},
		{"codec", fmt.Errorf("%w: bad base64", ErrCodec), "codec_error"},
		{"decode with cause", fmt.Errorf("%w: %w", ErrDecode, cause), "decode_error"},
		{"session reason", fmt.Errorf("%w: %w", ErrSession, ErrNoBackendAvailable), "session_error"},
		{"double wrapped", fmt.Errorf("ping: %w", fmt.Errorf("%w: no image", ErrState)), "state_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCauseIsPreserved(t *testing.T) {
	cause := errors.New("ort: run failed")
	err := fmt.Errorf("%w: %w", ErrDecode, cause)

	if !errors.Is(err, ErrDecode) {
		t.Error("expected category to match")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to match")
	}
	if errors.Is(err, ErrCodec) {
		t.Error("unexpected category match")
	}
}
