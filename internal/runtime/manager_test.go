package runtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/apperr"
	"github.com/raaihank/sam2-worker/internal/runtime"
	"github.com/raaihank/sam2-worker/internal/runtime/runtimetest"
)

var model = []byte("onnx-bytes")

func TestManager_Load(t *testing.T) {
	logger := zap.NewNop()
	ctx := context.Background()

	t.Run("first backend wins", func(t *testing.T) {
		opener := &runtimetest.Opener{}
		m := runtime.NewManager(opener, nil, logger)

		s, err := m.Load(ctx, model)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if s.Backend() != runtime.BackendAccelerated {
			t.Errorf("backend = %q, want accelerated", s.Backend())
		}
		if diff := cmp.Diff([]runtime.Backend{runtime.BackendAccelerated}, opener.Attempts()); diff != "" {
			t.Errorf("attempts mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("falls back to plain", func(t *testing.T) {
		opener := &runtimetest.Opener{Fail: map[runtime.Backend]error{
			runtime.BackendAccelerated: errors.New("no cuda"),
			runtime.BackendSIMD:        errors.New("no simd"),
		}}
		m := runtime.NewManager(opener, nil, logger)

		s, err := m.Load(ctx, model)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if s.Backend() != runtime.BackendPlain || m.Backend() != runtime.BackendPlain {
			t.Errorf("backend = %q, want plain", s.Backend())
		}
		want := []runtime.Backend{runtime.BackendAccelerated, runtime.BackendSIMD, runtime.BackendPlain}
		if diff := cmp.Diff(want, opener.Attempts()); diff != "" {
			t.Errorf("attempts mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("all backends fail", func(t *testing.T) {
		cudaErr := errors.New("no cuda")
		opener := &runtimetest.Opener{Fail: map[runtime.Backend]error{
			runtime.BackendAccelerated: cudaErr,
			runtime.BackendSIMD:        errors.New("no simd"),
			runtime.BackendPlain:       errors.New("no cpu"),
		}}
		m := runtime.NewManager(opener, nil, logger)

		_, err := m.Load(ctx, model)
		if !errors.Is(err, apperr.ErrSession) || !errors.Is(err, apperr.ErrNoBackendAvailable) {
			t.Fatalf("Load() error = %v, want SessionError(NoBackendAvailable)", err)
		}
		if !errors.Is(err, cudaErr) {
			t.Error("individual backend causes not attached")
		}
		if m.Backend() != "" {
			t.Errorf("backend recorded after failure: %q", m.Backend())
		}
	})

	t.Run("failure is not memoized", func(t *testing.T) {
		opener := &runtimetest.Opener{Fail: map[runtime.Backend]error{
			runtime.BackendPlain: errors.New("busy"),
		}}
		m := runtime.NewManager(opener, []runtime.Backend{runtime.BackendPlain}, logger)

		if _, err := m.Load(ctx, model); err == nil {
			t.Fatal("expected first Load to fail")
		}
		delete(opener.Fail, runtime.BackendPlain)
		if _, err := m.Load(ctx, model); err != nil {
			t.Fatalf("retry Load() error = %v", err)
		}
	})

	t.Run("empty model", func(t *testing.T) {
		m := runtime.NewManager(&runtimetest.Opener{}, nil, logger)
		if _, err := m.Load(ctx, nil); !errors.Is(err, apperr.ErrSession) {
			t.Errorf("Load(nil) error = %v, want ErrSession", err)
		}
	})

	t.Run("custom order", func(t *testing.T) {
		opener := &runtimetest.Opener{}
		m := runtime.NewManager(opener, []runtime.Backend{runtime.BackendSIMD, runtime.BackendPlain}, logger)
		s, err := m.Load(ctx, model)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if s.Backend() != runtime.BackendSIMD {
			t.Errorf("backend = %q, want simd", s.Backend())
		}
	})
}

func TestManager_Memoized(t *testing.T) {
	opener := &runtimetest.Opener{}
	m := runtime.NewManager(opener, nil, zap.NewNop())

	first, err := m.Load(context.Background(), model)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Load(context.Background(), []byte("other"))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("second Load created a new session")
	}
	if n := len(opener.Opened()); n != 1 {
		t.Errorf("opened %d sessions, want 1", n)
	}
}

func TestManager_ConcurrentLoad(t *testing.T) {
	gate := make(chan struct{})
	opener := &runtimetest.Opener{Gate: gate}
	m := runtime.NewManager(opener, nil, zap.NewNop())

	const callers = 8
	var wg sync.WaitGroup
	sessions := make([]runtime.Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.Load(context.Background(), model)
		}(i)
	}
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if sessions[i] != sessions[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
	if n := len(opener.Opened()); n != 1 {
		t.Errorf("opened %d sessions, want 1", n)
	}
}

func TestManager_CallerCancelDoesNotFailOthers(t *testing.T) {
	gate := make(chan struct{})
	opener := &runtimetest.Opener{Gate: gate}
	m := runtime.NewManager(opener, nil, zap.NewNop())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := m.Load(ctxA, model)
		errA <- err
	}()

	type result struct {
		s   runtime.Session
		err error
	}
	resB := make(chan result, 1)
	go func() {
		s, err := m.Load(context.Background(), model)
		resB <- result{s, err}
	}()

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) || !errors.Is(err, apperr.ErrSession) {
		t.Fatalf("cancelled caller error = %v", err)
	}

	close(gate)
	b := <-resB
	if b.err != nil {
		t.Fatalf("other caller failed: %v", b.err)
	}
	if m.Session() != b.s {
		t.Error("session not memoized")
	}
}

func TestManager_Close(t *testing.T) {
	opener := &runtimetest.Opener{}
	m := runtime.NewManager(opener, nil, zap.NewNop())
	if _, err := m.Load(context.Background(), model); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !opener.Opened()[0].Closed() {
		t.Error("session not closed")
	}
	if m.Session() != nil {
		t.Error("session still referenced after Close")
	}
}

func TestParseBackends(t *testing.T) {
	got, err := runtime.ParseBackends([]string{"SIMD", " plain "})
	if err != nil {
		t.Fatalf("ParseBackends() error = %v", err)
	}
	if diff := cmp.Diff([]runtime.Backend{runtime.BackendSIMD, runtime.BackendPlain}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range [][]string{nil, {"gpu"}, {"plain", "plain"}} {
		if _, err := runtime.ParseBackends(bad); err == nil {
			t.Errorf("ParseBackends(%v) accepted invalid input", bad)
		}
	}
}

func TestStubOpener(t *testing.T) {
	// Without the onnx tag every backend reports the runtime as unavailable,
	// which the Manager turns into a SessionError.
	opener := runtime.NewORTOpener(runtime.ORTConfig{}, zap.NewNop())
	m := runtime.NewManager(opener, nil, zap.NewNop())
	_, err := m.Load(context.Background(), model)
	if !errors.Is(err, apperr.ErrSession) {
		t.Fatalf("Load() error = %v, want ErrSession", err)
	}
}
