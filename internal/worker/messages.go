package worker

import (
	"bytes"
	"encoding/json"

	"github.com/raaihank/sam2-worker/internal/codec"
	"github.com/raaihank/sam2-worker/internal/prompt"
)

// MessageType names an inbound or outbound message.
type MessageType string

// Inbound message types
const (
	TypePing               MessageType = "ping"
	TypeEncodeImage        MessageType = "encodeImage"
	TypeSetImageEmbeddings MessageType = "setImageEmbeddings"
	TypeDecodeMask         MessageType = "decodeMask"
	TypeStats              MessageType = "stats"
)

// Outbound message types
const (
	TypeDownloadInProgress     MessageType = "downloadInProgress"
	TypeLoadingInProgress      MessageType = "loadingInProgress"
	TypeEncodeInProgress       MessageType = "encodeInProgress"
	TypeDecodeInProgress       MessageType = "decodeInProgress"
	TypePong                   MessageType = "pong"
	TypeEncodeImageDone        MessageType = "encodeImageDone"
	TypeSetImageEmbeddingsDone MessageType = "setImageEmbeddingsDone"
	TypeDecodeMaskResult       MessageType = "decodeMaskResult"
	TypeError                  MessageType = "error"
)

// Inbound is a request to the router. ID is optional and echoed on every
// message produced while handling it.
type Inbound struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty"`
}

// Outbound is a message emitted by the router.
type Outbound struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Stats     interface{} `json:"stats,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind string      `json:"errorKind,omitempty"`
	ID        string      `json:"id,omitempty"`
}

// PongData reports the session created by ping.
type PongData struct {
	Success bool   `json:"success"`
	Device  string `json:"device"`
}

// EncodeImageData is the payload of encodeImage. ImageData is base64 in JSON.
type EncodeImageData struct {
	ImageData   []byte `json:"imageData"`
	ContentType string `json:"contentType,omitempty"`
}

// SetImageEmbeddingsData is the payload of setImageEmbeddings.
type SetImageEmbeddingsData struct {
	Embeddings *codec.EmbeddingsResponse `json:"embeddings"`
}

// DecodeMaskData is the payload of decodeMask.
type DecodeMaskData struct {
	Points    Points    `json:"points"`
	MaskArray []float32 `json:"maskArray,omitempty"`
	MaskShape []int64   `json:"maskShape,omitempty"`
}

// DecodeStats accompanies a decodeMaskResult.
type DecodeStats struct {
	DurationMs float64 `json:"durationMs"`
}

// Points accepts either a JSON array of points or a single point object.
type Points []prompt.Point

func (p *Points) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var pt prompt.Point
		if err := json.Unmarshal(b, &pt); err != nil {
			return err
		}
		*p = Points{pt}
		return nil
	}
	var list []prompt.Point
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*p = list
	return nil
}

// Sink receives outbound messages in emission order.
type Sink interface {
	Send(Outbound)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Outbound)

func (f SinkFunc) Send(m Outbound) { f(m) }

// ChanSink delivers messages on a channel. Send blocks when the channel is
// full.
type ChanSink chan Outbound

func (c ChanSink) Send(m Outbound) { c <- m }
