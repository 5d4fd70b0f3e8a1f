//go:build onnx
// +build onnx

package runtime

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/tensor"
)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initializes ONNX Runtime once per process.
func initEnvironment(sharedLib string) error {
	envOnce.Do(func() {
		switch {
		case sharedLib != "":
			ort.SetSharedLibraryPath(sharedLib)
		case os.Getenv("ONNXRUNTIME_SHARED_LIB") != "":
			ort.SetSharedLibraryPath(os.Getenv("ONNXRUNTIME_SHARED_LIB"))
		case os.Getenv("ORT_SHLIB") != "":
			ort.SetSharedLibraryPath(os.Getenv("ORT_SHLIB"))
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// accelerators maps execution provider names to their registration.
var accelerators = map[string]func(opts *ort.SessionOptions, cfg ORTConfig) error{
	"cuda": func(opts *ort.SessionOptions, cfg ORTConfig) error {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cudaOpts.Destroy()
		if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(cfg.DeviceID)}); err != nil {
			return err
		}
		return opts.AppendExecutionProviderCUDA(cudaOpts)
	},
	"tensorrt": func(opts *ort.SessionOptions, cfg ORTConfig) error {
		trtOpts, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			return err
		}
		defer trtOpts.Destroy()
		if err := trtOpts.Update(map[string]string{"device_id": strconv.Itoa(cfg.DeviceID)}); err != nil {
			return err
		}
		return opts.AppendExecutionProviderTensorRT(trtOpts)
	},
	"coreml": func(opts *ort.SessionOptions, cfg ORTConfig) error {
		return opts.AppendExecutionProviderCoreML(0)
	},
	"directml": func(opts *ort.SessionOptions, cfg ORTConfig) error {
		return opts.AppendExecutionProviderDirectML(cfg.DeviceID)
	},
	"openvino": func(opts *ort.SessionOptions, cfg ORTConfig) error {
		return opts.AppendExecutionProviderOpenVINO(map[string]string{})
	},
}

type ortOpener struct {
	cfg    ORTConfig
	logger *zap.Logger
}

// NewORTOpener returns an Opener backed by ONNX Runtime. Requires build tag 'onnx'.
func NewORTOpener(cfg ORTConfig, logger *zap.Logger) Opener {
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	if cfg.Accelerator == "" {
		cfg.Accelerator = "cuda"
	}
	return &ortOpener{cfg: cfg, logger: logger}
}

func (o *ortOpener) Open(ctx context.Context, backend Backend, model []byte) (Session, error) {
	if err := initEnvironment(o.cfg.SharedLibrary); err != nil {
		return nil, fmt.Errorf("onnx runtime environment init failed: %w", err)
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model IO: %w", err)
	}
	if len(outputsInfo) == 0 {
		return nil, fmt.Errorf("model reports no outputs")
	}
	inputNames := make([]string, len(inputsInfo))
	for i, ii := range inputsInfo {
		inputNames[i] = ii.Name
	}
	outputNames := make([]string, len(outputsInfo))
	for i, oi := range outputsInfo {
		outputNames[i] = oi.Name
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	if err := o.configure(opts, backend); err != nil {
		return nil, err
	}

	sess, err := ort.NewDynamicAdvancedSessionWithONNXData(model, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx session creation failed: %w", err)
	}

	o.logger.Debug("ONNX Runtime session created",
		zap.String("backend", string(backend)),
		zap.String("accelerator", o.cfg.Accelerator),
		zap.Strings("inputs", inputNames),
		zap.Strings("outputs", outputNames))

	return &ortSession{
		session:     sess,
		backend:     backend,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

func (o *ortOpener) configure(opts *ort.SessionOptions, backend Backend) error {
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return fmt.Errorf("failed to set graph optimization level: %w", err)
	}

	switch backend {
	case BackendAccelerated:
		register, ok := accelerators[o.cfg.Accelerator]
		if !ok {
			return fmt.Errorf("unknown accelerator %q", o.cfg.Accelerator)
		}
		if err := register(opts, o.cfg); err != nil {
			return fmt.Errorf("%s execution provider unavailable: %w", o.cfg.Accelerator, err)
		}
	case BackendSIMD:
		if err := opts.SetIntraOpNumThreads(o.cfg.Threads); err != nil {
			return fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	case BackendPlain:
		if err := opts.SetIntraOpNumThreads(1); err != nil {
			return fmt.Errorf("failed to set intra-op threads: %w", err)
		}
		if err := opts.SetInterOpNumThreads(1); err != nil {
			return fmt.Errorf("failed to set inter-op threads: %w", err)
		}
	default:
		return fmt.Errorf("unsupported backend %q", backend)
	}
	return nil
}

// ortSession implements Session over a DynamicAdvancedSession.
type ortSession struct {
	session     *ort.DynamicAdvancedSession
	backend     Backend
	inputNames  []string
	outputNames []string
	mu          sync.Mutex
}

func (s *ortSession) Backend() Backend      { return s.backend }
func (s *ortSession) InputNames() []string  { return append([]string(nil), s.inputNames...) }
func (s *ortSession) OutputNames() []string { return append([]string(nil), s.outputNames...) }

func (s *ortSession) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values := make([]ort.Value, len(s.inputNames))
	for i, name := range s.inputNames {
		in, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", name)
		}
		t, err := ort.NewTensor(ort.NewShape(in.Shape...), in.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		defer t.Destroy()
		values[i] = t
	}

	// Nil outputs are allocated by ORT
	outputs := make([]ort.Value, len(s.outputNames))
	s.mu.Lock()
	err := s.session.Run(values, outputs)
	s.mu.Unlock()
	defer func() {
		for _, v := range outputs {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()
	if err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}

	result := make(map[string]*tensor.Tensor, len(outputs))
	for i, v := range outputs {
		ft, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("unexpected output type for %s (want float32 tensor)", s.outputNames[i])
		}
		data := append([]float32(nil), ft.GetData()...)
		t, err := tensor.New(data, ft.GetShape()...)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", s.outputNames[i], err)
		}
		result[s.outputNames[i]] = t
	}
	return result, nil
}

func (s *ortSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
