package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/apperr"
	"github.com/raaihank/sam2-worker/internal/codec"
	"github.com/raaihank/sam2-worker/internal/decoder"
	"github.com/raaihank/sam2-worker/internal/modelfetch"
	"github.com/raaihank/sam2-worker/internal/runtime"
	"github.com/raaihank/sam2-worker/internal/runtime/runtimetest"
	"github.com/raaihank/sam2-worker/internal/tensor"
)

type fakeModels struct {
	err   error
	calls int
}

func (f *fakeModels) Fetch(ctx context.Context) (*modelfetch.Model, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &modelfetch.Model{Key: "decoder.onnx", Data: []byte("weights"), Duration: 3 * time.Millisecond}, nil
}

type fakeEncoder struct {
	resp  *codec.EmbeddingsResponse
	err   error
	calls int
}

func (f *fakeEncoder) Encode(ctx context.Context, image []byte, contentType string) (*codec.EmbeddingsResponse, error) {
	f.calls++
	return f.resp, f.err
}

// recorder is a Sink that keeps every message.
type recorder struct {
	mu   sync.Mutex
	msgs []Outbound
}

func (r *recorder) Send(m Outbound) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) types() []MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessageType, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Type
	}
	return out
}

func (r *recorder) last() Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

func embeddings(t *testing.T) *codec.EmbeddingsResponse {
	t.Helper()
	mk := func(shape ...int64) *tensor.Tensor {
		tt, err := tensor.Zeros(shape...)
		if err != nil {
			t.Fatal(err)
		}
		return tt
	}
	resp, err := codec.EncodeImage(&codec.EncodedImage{
		HighResFeats0: mk(1, 2, 8, 8),
		HighResFeats1: mk(1, 2, 4, 4),
		ImageEmbed:    mk(1, 4, 2, 2),
	})
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

type fixture struct {
	router  *Router
	sink    *recorder
	opener  *runtimetest.Opener
	models  *fakeModels
	encoder *fakeEncoder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sink:    &recorder{},
		opener:  &runtimetest.Opener{},
		models:  &fakeModels{},
		encoder: &fakeEncoder{resp: embeddings(t)},
	}
	f.router = NewRouter(Options{
		Models:   f.models,
		Sessions: runtime.NewManager(f.opener, nil, zap.NewNop()),
		Encoder:  f.encoder,
		Engine:   decoder.New(decoder.Config{}),
		Logger:   zap.NewNop(),
	}, f.sink)
	return f
}

func msg(t *testing.T, typ MessageType, data interface{}) Inbound {
	t.Helper()
	in := Inbound{Type: typ}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatal(err)
		}
		in.Data = b
	}
	return in
}

func (f *fixture) session(t *testing.T) *runtimetest.Session {
	t.Helper()
	opened := f.opener.Opened()
	if len(opened) == 0 {
		return nil
	}
	return opened[0]
}

func requireKind(t *testing.T, out Outbound, kind string) {
	t.Helper()
	if out.Type != TypeError {
		t.Fatalf("last message = %s, want error", out.Type)
	}
	if out.ErrorKind != kind {
		t.Fatalf("errorKind = %q, want %q (error %q)", out.ErrorKind, kind, out.Error)
	}
	if out.Stats == nil {
		t.Fatal("error message carries no stats snapshot")
	}
}

func TestRouter_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.router.Handle(ctx, msg(t, TypePing, nil))
	want := []MessageType{TypeDownloadInProgress, TypeLoadingInProgress, TypePong, TypeStats}
	if diff := cmp.Diff(want, f.sink.types()); diff != "" {
		t.Fatalf("ping messages (-want +got):\n%s", diff)
	}
	pong := f.sink.msgs[2].Data.(PongData)
	if !pong.Success || pong.Device != string(runtime.BackendAccelerated) {
		t.Errorf("pong = %+v", pong)
	}
	if f.router.State() != StateReady {
		t.Fatalf("state = %s, want ready", f.router.State())
	}

	f.sink.reset()
	f.router.Handle(ctx, msg(t, TypeEncodeImage, EncodeImageData{ImageData: []byte("jpeg")}))
	if diff := cmp.Diff([]MessageType{TypeEncodeInProgress, TypeEncodeImageDone}, f.sink.types()); diff != "" {
		t.Fatalf("encode messages (-want +got):\n%s", diff)
	}
	if !f.router.ImageEncoded() {
		t.Fatal("image not marked encoded")
	}

	f.sink.reset()
	f.router.Handle(ctx, msg(t, TypeDecodeMask, map[string]interface{}{
		"points": []map[string]float32{{"x": 512, "y": 512, "label": 1}},
	}))
	if diff := cmp.Diff([]MessageType{TypeDecodeInProgress, TypeDecodeMaskResult}, f.sink.types()); diff != "" {
		t.Fatalf("decode messages (-want +got):\n%s", diff)
	}
	res := f.sink.last().Data.(*decoder.Result)
	if res.Count() < 1 || int64(res.Count()) != res.Masks.Shape[1] {
		t.Errorf("result has %d scores for %v masks", res.Count(), res.Masks.Shape)
	}
	if _, ok := f.sink.last().Stats.(DecodeStats); !ok {
		t.Errorf("decodeMaskResult stats = %T, want DecodeStats", f.sink.last().Stats)
	}

	inputs := f.session(t).LastInputs()
	if diff := cmp.Diff([]float32{512, 512}, inputs["point_coords"].Data); diff != "" {
		t.Errorf("point_coords (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0}, inputs["has_mask_input"].Data); diff != "" {
		t.Errorf("has_mask_input (-want +got):\n%s", diff)
	}

	stats := f.router.Stats()
	if stats.Backend != "accelerated" || len(stats.DownloadModelsTime) != 1 || len(stats.DecodeTimes) != 1 || stats.LastError != nil {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRouter_DecodeBeforeEncode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.router.Handle(ctx, msg(t, TypePing, nil))

	for _, data := range []interface{}{
		map[string]interface{}{"points": []map[string]float32{{"x": 1, "y": 1, "label": 1}}},
		map[string]interface{}{"points": []interface{}{}},
	} {
		f.router.Handle(ctx, msg(t, TypeDecodeMask, data))
		requireKind(t, f.sink.last(), "state_error")
	}
	if runs := f.session(t).Runs(); runs != 0 {
		t.Errorf("decoder invoked %d times before encode", runs)
	}
}

func TestRouter_DecodeBeforePing(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(context.Background(), msg(t, TypeDecodeMask, map[string]interface{}{"points": []interface{}{}}))
	requireKind(t, f.sink.last(), "state_error")
	if f.router.State() != StateIdle {
		t.Errorf("state = %s, want idle", f.router.State())
	}
}

func TestRouter_EmptyPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.router.Handle(ctx, msg(t, TypePing, nil))
	f.router.Handle(ctx, msg(t, TypeSetImageEmbeddings, SetImageEmbeddingsData{Embeddings: embeddings(t)}))

	f.router.Handle(ctx, msg(t, TypeDecodeMask, map[string]interface{}{"points": []interface{}{}}))
	requireKind(t, f.sink.last(), "input_error")
	if n := len(f.router.Stats().DecodeTimes); n != 0 {
		t.Errorf("recorded %d decode times for a rejected request", n)
	}
	if f.router.State() != StateReady {
		t.Errorf("state = %s, want ready", f.router.State())
	}
}

func TestRouter_SinglePointAndPrior(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.router.Handle(ctx, msg(t, TypePing, nil))
	f.router.Handle(ctx, msg(t, TypeSetImageEmbeddings, SetImageEmbeddingsData{Embeddings: embeddings(t)}))

	mask := make([]float32, 256*256)
	f.router.Handle(ctx, msg(t, TypeDecodeMask, map[string]interface{}{
		"points":    map[string]float32{"x": 10, "y": 20, "label": 0},
		"maskArray": mask,
		"maskShape": []int64{1, 1, 256, 256},
	}))
	if got := f.sink.last().Type; got != TypeDecodeMaskResult {
		t.Fatalf("last message = %s (%s)", got, f.sink.last().Error)
	}
	inputs := f.session(t).LastInputs()
	if diff := cmp.Diff([]float32{1}, inputs["has_mask_input"].Data); diff != "" {
		t.Errorf("has_mask_input (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{1, 1, 2}, inputs["point_coords"].Shape); diff != "" {
		t.Errorf("point_coords shape (-want +got):\n%s", diff)
	}

	f.router.Handle(ctx, msg(t, TypeDecodeMask, map[string]interface{}{
		"points":    []map[string]float32{{"x": 10, "y": 20, "label": 1}},
		"maskArray": []float32{1, 2, 3},
		"maskShape": []int64{1, 1, 2, 2},
	}))
	requireKind(t, f.sink.last(), "input_error")

	f.router.Handle(ctx, msg(t, TypeDecodeMask, map[string]interface{}{
		"points":    []map[string]float32{{"x": 10, "y": 20, "label": 1}},
		"maskArray": []float32{1},
		"maskShape": []int64{1, 1, 1 << 32, 1 << 32},
	}))
	requireKind(t, f.sink.last(), "input_error")
	if runs := f.session(t).Runs(); runs != 1 {
		t.Errorf("decoder ran %d times, want 1", runs)
	}
}

func TestRouter_AtomicIngestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.router.Handle(ctx, msg(t, TypePing, nil))
	f.router.Handle(ctx, msg(t, TypeSetImageEmbeddings, SetImageEmbeddingsData{Embeddings: embeddings(t)}))
	before := f.router.image

	broken := embeddings(t)
	broken.HighResFeats1 = nil
	f.router.Handle(ctx, msg(t, TypeSetImageEmbeddings, SetImageEmbeddingsData{Embeddings: broken}))
	requireKind(t, f.sink.last(), "codec_error")

	corrupt := embeddings(t)
	corrupt.ImageEmbed = &codec.Payload{Data: "!!!", Dims: []int64{1}}
	f.encoder.resp = corrupt
	f.router.Handle(ctx, msg(t, TypeEncodeImage, EncodeImageData{ImageData: []byte("jpeg")}))
	requireKind(t, f.sink.last(), "codec_error")

	if f.router.image != before {
		t.Error("previous embeddings were replaced by a failed ingestion")
	}
	if f.router.State() != StateReady {
		t.Errorf("state = %s, want ready", f.router.State())
	}
}

func TestRouter_PingFailures(t *testing.T) {
	t.Run("download", func(t *testing.T) {
		f := newFixture(t)
		f.models.err = errors.New("offline")
		f.router.Handle(context.Background(), msg(t, TypePing, nil))

		if diff := cmp.Diff([]MessageType{TypeDownloadInProgress, TypeError}, f.sink.types()); diff != "" {
			t.Fatalf("messages (-want +got):\n%s", diff)
		}
		if f.router.State() != StateIdle {
			t.Errorf("state = %s, want idle", f.router.State())
		}
		if f.router.Stats().LastError == nil {
			t.Error("lastError not set")
		}
	})

	t.Run("no backend", func(t *testing.T) {
		f := newFixture(t)
		f.opener.Fail = map[runtime.Backend]error{
			runtime.BackendAccelerated: errors.New("a"),
			runtime.BackendSIMD:        errors.New("b"),
			runtime.BackendPlain:       errors.New("c"),
		}
		f.router.Handle(context.Background(), msg(t, TypePing, nil))
		requireKind(t, f.sink.last(), "session_error")

		// A later ping retries and clears the error.
		f.opener.Fail = nil
		f.router.Handle(context.Background(), msg(t, TypePing, nil))
		if f.router.State() != StateReady || f.router.Stats().LastError != nil {
			t.Errorf("retry: state = %s, stats = %+v", f.router.State(), f.router.Stats())
		}
	})

	t.Run("fallback to plain", func(t *testing.T) {
		f := newFixture(t)
		f.opener.Fail = map[runtime.Backend]error{
			runtime.BackendAccelerated: errors.New("a"),
			runtime.BackendSIMD:        errors.New("b"),
		}
		f.router.Handle(context.Background(), msg(t, TypePing, nil))
		if f.router.State() != StateReady {
			t.Fatalf("state = %s, want ready", f.router.State())
		}
		if got := f.router.Stats().Backend; got != "plain" {
			t.Errorf("backend = %q, want plain", got)
		}
	})
}

func TestRouter_DecodeFailure(t *testing.T) {
	f := newFixture(t)
	f.opener.RunFunc = func(context.Context, map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		return nil, errors.New("kernel crashed")
	}
	ctx := context.Background()
	f.router.Handle(ctx, msg(t, TypePing, nil))
	f.router.Handle(ctx, msg(t, TypeSetImageEmbeddings, SetImageEmbeddingsData{Embeddings: embeddings(t)}))
	f.router.Handle(ctx, msg(t, TypeDecodeMask, map[string]interface{}{
		"points": []map[string]float32{{"x": 1, "y": 1, "label": 1}},
	}))
	requireKind(t, f.sink.last(), "decode_error")
	if f.router.State() != StateReady || !f.router.ImageEncoded() {
		t.Errorf("router not left ready after decode failure")
	}
}

func TestRouter_ProtocolErrors(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(context.Background(), Inbound{Type: "rotate", ID: "req-1"})
	out := f.sink.last()
	requireKind(t, out, "protocol_error")
	if out.ID != "req-1" {
		t.Errorf("id = %q, want req-1", out.ID)
	}

	f.router.Handle(context.Background(), Inbound{Type: TypeStats})
	if got := f.sink.last(); got.Type != TypeStats || got.Data.(Stats).LastError == nil {
		t.Errorf("stats after failure = %+v", got)
	}
}

func TestRouter_EncodeRequiresReady(t *testing.T) {
	f := newFixture(t)
	f.router.Handle(context.Background(), msg(t, TypeEncodeImage, EncodeImageData{ImageData: []byte("jpeg")}))
	requireKind(t, f.sink.last(), "state_error")
	if f.encoder.calls != 0 {
		t.Error("encoder called before ping")
	}
}

func TestRouter_EncodeNetworkError(t *testing.T) {
	f := newFixture(t)
	f.encoder.err = apperr.ErrNetwork
	ctx := context.Background()
	f.router.Handle(ctx, msg(t, TypePing, nil))
	f.router.Handle(ctx, msg(t, TypeEncodeImage, EncodeImageData{ImageData: []byte("jpeg")}))
	requireKind(t, f.sink.last(), "network_error")
	if f.router.ImageEncoded() {
		t.Error("image marked encoded after failure")
	}
}

func TestRouter_Queue(t *testing.T) {
	sink := &recorder{}
	r := NewRouter(Options{
		Models:    &fakeModels{},
		Sessions:  runtime.NewManager(&runtimetest.Opener{}, nil, zap.NewNop()),
		QueueSize: 2,
	}, sink)

	for i := 0; i < 2; i++ {
		if err := r.Submit(Inbound{Type: TypeStats}); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}
	err := r.Submit(Inbound{Type: TypeStats})
	if !errors.Is(err, apperr.ErrProtocol) || !errors.Is(err, apperr.ErrQueueFull) {
		t.Fatalf("overflow Submit error = %v, want QueueFull", err)
	}
	requireKind(t, sink.last(), "protocol_error")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.types()) == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("queued messages not processed: %v", sink.types())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestRouter_RunOrder(t *testing.T) {
	sink := make(ChanSink, 64)
	f := newFixture(t)
	r := NewRouter(Options{
		Models:   f.models,
		Sessions: runtime.NewManager(f.opener, nil, zap.NewNop()),
	}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	// decodeMask queued right behind ping must still fail: no image yet.
	_ = r.Submit(msg(t, TypePing, nil))
	_ = r.Submit(msg(t, TypeDecodeMask, map[string]interface{}{"points": []map[string]float32{{"x": 1, "y": 1, "label": 1}}}))

	var got []MessageType
	for len(got) < 5 {
		select {
		case m := <-sink:
			got = append(got, m.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	want := []MessageType{TypeDownloadInProgress, TypeLoadingInProgress, TypePong, TypeStats, TypeError}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestPoints_UnmarshalJSON(t *testing.T) {
	var d DecodeMaskData
	if err := json.Unmarshal([]byte(`{"points":{"x":1,"y":2,"label":1}}`), &d); err != nil {
		t.Fatal(err)
	}
	if len(d.Points) != 1 || d.Points[0].Y != 2 {
		t.Errorf("single point = %+v", d.Points)
	}
	if err := json.Unmarshal([]byte(`{"points":[{"x":1,"y":2,"label":1},{"x":3,"y":4,"label":0}]}`), &d); err != nil {
		t.Fatal(err)
	}
	if len(d.Points) != 2 {
		t.Errorf("point list = %+v", d.Points)
	}
}

func TestStats_JSON(t *testing.T) {
	b, err := json.Marshal(newStats())
	if err != nil {
		t.Fatal(err)
	}
	want := `{"device":"unknown","downloadModelsTime":[],"decodeTimes":[],"lastError":null}`
	if string(b) != want {
		t.Errorf("stats JSON = %s, want %s", b, want)
	}
}
