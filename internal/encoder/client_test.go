package encoder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/apperr"
	"github.com/raaihank/sam2-worker/internal/codec"
	"github.com/raaihank/sam2-worker/internal/tensor"
)

func embeddingsJSON(t *testing.T) []byte {
	t.Helper()
	mk := func(shape ...int64) *tensor.Tensor {
		tt, err := tensor.Zeros(shape...)
		require.NoError(t, err)
		return tt
	}
	resp, err := codec.EncodeImage(&codec.EncodedImage{
		HighResFeats0: mk(1, 2, 4, 4),
		HighResFeats1: mk(1, 2, 2, 2),
		ImageEmbed:    mk(1, 4, 1, 1),
	})
	require.NoError(t, err)
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	return b
}

func TestEncode(t *testing.T) {
	payload := embeddingsJSON(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/segmentation_embeddings", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("APIKEY"))

		f, hdr, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		assert.Equal(t, "image.jpg", hdr.Filename)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("\x89PNG"), data)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/api/", APIKey: "secret"}, srv.Client(), zap.NewNop())
	resp, err := c.Encode(context.Background(), []byte("\x89PNG"), "image/png")
	require.NoError(t, err)

	img, err := codec.DecodeImage(resp)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 4, 1, 1}, img.ImageEmbed.Shape)
}

func TestEncode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, apperr.ErrNetwork},
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad key", http.StatusUnauthorized)
		}, apperr.ErrNetwork},
		{"invalid json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}, apperr.ErrCodec},
		{"missing key", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"image_embed":{"data":"","dims":[1]},"high_res_feats_0":{"data":"","dims":[1]}}`))
		}, apperr.ErrCodec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL, APIKey: "k"}, srv.Client(), zap.NewNop())
			_, err := c.Encode(context.Background(), []byte("img"), "")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncode_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{BaseURL: url}, nil, zap.NewNop()).Encode(context.Background(), []byte("img"), "")
	require.ErrorIs(t, err, apperr.ErrNetwork)

	_, err = New(Config{}, nil, zap.NewNop()).Encode(context.Background(), []byte("img"), "")
	require.ErrorIs(t, err, apperr.ErrNetwork)
}
