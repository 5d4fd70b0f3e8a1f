package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/sam2-worker/internal/apperr"
	"github.com/raaihank/sam2-worker/internal/tensor"
)

// Embedding names produced by the image encoder and consumed by the decoder.
const (
	HighResFeats0 = "high_res_feats_0"
	HighResFeats1 = "high_res_feats_1"
	ImageEmbed    = "image_embed"
)

// DefaultMaxDecodedBytes caps the decompressed size of one embedding stream.
const DefaultMaxDecodedBytes = 64 << 20

// Payload is one compressed half-precision tensor as sent by the encoder.
type Payload struct {
	Data string  `json:"data"`
	Dims []int64 `json:"dims"`
}

// EmbeddingsResponse is the JSON body returned by the encoding service.
type EmbeddingsResponse struct {
	HighResFeats0 *Payload `json:"high_res_feats_0"`
	HighResFeats1 *Payload `json:"high_res_feats_1"`
	ImageEmbed    *Payload `json:"image_embed"`
}

// EncodedImage holds the decoded embeddings of one image. All three tensors
// are always set.
type EncodedImage struct {
	HighResFeats0 *tensor.Tensor
	HighResFeats1 *tensor.Tensor
	ImageEmbed    *tensor.Tensor
}

// Codec decodes embedding payloads.
type Codec struct {
	MaxDecodedBytes int64
}

// New returns a Codec. A non-positive limit selects DefaultMaxDecodedBytes.
func New(maxDecodedBytes int64) *Codec {
	if maxDecodedBytes <= 0 {
		maxDecodedBytes = DefaultMaxDecodedBytes
	}
	return &Codec{MaxDecodedBytes: maxDecodedBytes}
}

var defaultCodec = New(0)

// DecodeEmbedding decodes p with the default limits.
func DecodeEmbedding(p *Payload) (*tensor.Tensor, error) {
	return defaultCodec.DecodeEmbedding(p)
}

// DecodeImage decodes resp with the default limits.
func DecodeImage(resp *EmbeddingsResponse) (*EncodedImage, error) {
	return defaultCodec.DecodeImage(resp)
}

// DecodeEmbedding turns a base64, deflate-compressed, float16 payload into a
// float32 tensor with the declared dims.
func (c *Codec) DecodeEmbedding(p *Payload) (*tensor.Tensor, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: missing payload", apperr.ErrCodec)
	}

	raw, err := decodeBase64(p.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", apperr.ErrCodec, err)
	}

	plain, err := c.inflate(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", apperr.ErrCodec, err)
	}
	if len(plain)%2 != 0 {
		return nil, fmt.Errorf("%w: decompressed length %d is not a multiple of 2", apperr.ErrCodec, len(plain))
	}

	t, err := tensor.New(halvesToFloat32(plain), p.Dims...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCodec, err)
	}
	return t, nil
}

// DecodeImage decodes the three embedding streams of one image. Either all
// of them decode or an error is returned and nothing is produced.
func (c *Codec) DecodeImage(resp *EmbeddingsResponse) (*EncodedImage, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty embeddings response", apperr.ErrCodec)
	}

	streams := []struct {
		name    string
		payload *Payload
	}{
		{HighResFeats0, resp.HighResFeats0},
		{HighResFeats1, resp.HighResFeats1},
		{ImageEmbed, resp.ImageEmbed},
	}
	for _, s := range streams {
		if s.payload == nil {
			return nil, fmt.Errorf("%w: missing %s", apperr.ErrCodec, s.name)
		}
	}

	out := make([]*tensor.Tensor, len(streams))
	var g errgroup.Group
	for i, s := range streams {
		g.Go(func() error {
			t, err := c.DecodeEmbedding(s.payload)
			if err != nil {
				return fmt.Errorf("%s: %w", s.name, err)
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &EncodedImage{HighResFeats0: out[0], HighResFeats1: out[1], ImageEmbed: out[2]}, nil
}

func decodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

// inflate accepts zlib streams and falls back to raw deflate when the data
// is not a valid zlib stream.
func (c *Codec) inflate(raw []byte) ([]byte, error) {
	out, err := c.readLimited(func() (io.ReadCloser, error) {
		return zlib.NewReader(bytes.NewReader(raw))
	})
	if err == nil || errors.Is(err, errTooLarge) {
		return out, err
	}
	if out, rawErr := c.readLimited(func() (io.ReadCloser, error) {
		return flate.NewReader(bytes.NewReader(raw)), nil
	}); rawErr == nil {
		return out, nil
	}
	return nil, err
}

var errTooLarge = errors.New("decompressed size exceeds limit")

func (c *Codec) readLimited(open func() (io.ReadCloser, error)) ([]byte, error) {
	r, err := open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, c.MaxDecodedBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > c.MaxDecodedBytes {
		return nil, fmt.Errorf("%w (%d bytes)", errTooLarge, c.MaxDecodedBytes)
	}
	return out, nil
}

// EncodeEmbedding is the inverse of DecodeEmbedding: float32 values are
// rounded to half precision, zlib-compressed and base64-encoded.
func EncodeEmbedding(t *tensor.Tensor) (*Payload, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	raw := make([]byte, 2*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	return &Payload{
		Data: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Dims: append([]int64(nil), t.Shape...),
	}, nil
}

// EncodeImage encodes all three embeddings of img.
func EncodeImage(img *EncodedImage) (*EmbeddingsResponse, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	var (
		resp EmbeddingsResponse
		err  error
	)
	if resp.HighResFeats0, err = EncodeEmbedding(img.HighResFeats0); err != nil {
		return nil, fmt.Errorf("%s: %w", HighResFeats0, err)
	}
	if resp.HighResFeats1, err = EncodeEmbedding(img.HighResFeats1); err != nil {
		return nil, fmt.Errorf("%s: %w", HighResFeats1, err)
	}
	if resp.ImageEmbed, err = EncodeEmbedding(img.ImageEmbed); err != nil {
		return nil, fmt.Errorf("%s: %w", ImageEmbed, err)
	}
	return &resp, nil
}
