package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-mirror/internal/pose"
)

// BlazePose landmark model geometry.
const (
	ModelInputSize     = 256
	landmarkCount      = 39
	landmarkValues     = 5 // x, y, z, visibility, presence
	DefaultPoseFlagMin = 0.5
)

// ONNXConfig selects the model and runtime.
type ONNXConfig struct {
	Name        string
	ModelPath   string
	LibraryPath string // libonnxruntime.so; empty uses the loader default
	InputName   string
	// Landmarks and pose-flag output names.
	LandmarkOutput string
	PoseFlagOutput string
	PoseFlagMin    float64
	Threads        int
}

func (c *ONNXConfig) setDefaults() {
	if c.InputName == "" {
		c.InputName = "input_1"
	}
	if c.LandmarkOutput == "" {
		c.LandmarkOutput = "Identity"
	}
	if c.PoseFlagOutput == "" {
		c.PoseFlagOutput = "Identity_1"
	}
	if c.PoseFlagMin <= 0 {
		c.PoseFlagMin = DefaultPoseFlagMin
	}
}

// The runtime environment is process-wide and shared by all sessions.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("detector: initialize onnxruntime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Warn("detector: destroy onnxruntime environment", "error", err)
		}
	}
}

// ONNX runs the BlazePose landmark model in-process.
type ONNX struct {
	cfg     ONNXConfig
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	input   []float32
	closed  atomic.Bool

	requests   atomic.Uint64
	detections atomic.Uint64
	failures   atomic.Uint64
}

// NewONNX loads the model.
func NewONNX(cfg ONNXConfig) (*ONNX, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("detector: model path is required")
	}
	cfg.setDefaults()

	if err := acquireEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("detector: session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		slog.Warn("detector: graph optimization unavailable", "error", err)
	}
	if err := opts.SetIntraOpNumThreads(cfg.Threads); err != nil {
		slog.Warn("detector: failed to set thread count", "threads", cfg.Threads, "error", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.LandmarkOutput, cfg.PoseFlagOutput},
		opts,
	)
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("detector: load %s: %w", cfg.ModelPath, err)
	}

	slog.Info("detector: onnx model loaded", "detector", cfg.Name, "model", cfg.ModelPath)
	return &ONNX{
		cfg:     cfg,
		session: session,
		input:   make([]float32, ModelInputSize*ModelInputSize*3),
	}, nil
}

// Detect runs one inference.
func (o *ONNX) Detect(ctx context.Context, img Image) (*pose.PoseResult, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests.Add(1)

	fillInput(o.input, img)
	input, err := ort.NewTensor(ort.NewShape(1, ModelInputSize, ModelInputSize, 3), o.input)
	if err != nil {
		o.failures.Add(1)
		return nil, fmt.Errorf("detector: input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, 2)
	start := time.Now()
	if err := o.session.Run([]ort.Value{input}, outputs); err != nil {
		o.failures.Add(1)
		return nil, fmt.Errorf("detector: inference: %w", err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	landmarks, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		o.failures.Add(1)
		return nil, errors.New("detector: unexpected landmark output type")
	}
	flag, ok := outputs[1].(*ort.Tensor[float32])
	if !ok {
		o.failures.Add(1)
		return nil, errors.New("detector: unexpected pose flag output type")
	}

	p, err := decodeLandmarks(landmarks.GetData(), flag.GetData(), o.cfg.PoseFlagMin, img.TimestampMS)
	if err != nil {
		o.failures.Add(1)
		return nil, err
	}
	slog.Debug("detector: onnx inference", "detector", o.cfg.Name, "latency", time.Since(start), "found", p != nil)
	if p != nil {
		o.detections.Add(1)
	}
	return p, nil
}

// Metrics returns inference counters.
func (o *ONNX) Metrics() Metrics {
	return Metrics{
		Requests:   o.requests.Load(),
		Detections: o.detections.Load(),
		Failures:   o.failures.Load(),
	}
}

// Close releases the session and, for the last session, the environment.
func (o *ONNX) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	err := o.session.Destroy()
	releaseEnvironment()
	return err
}

// fillInput resizes img to the model input and writes HWC floats in [0, 1].
func fillInput(dst []float32, img Image) {
	src := &image.RGBA{
		Pix:    make([]uint8, img.Width*img.Height*4),
		Stride: img.Width * 4,
		Rect:   image.Rect(0, 0, img.Width, img.Height),
	}
	for i, j := 0, 0; i < len(img.Data); i, j = i+3, j+4 {
		src.Pix[j] = img.Data[i]
		src.Pix[j+1] = img.Data[i+1]
		src.Pix[j+2] = img.Data[i+2]
		src.Pix[j+3] = 0xff
	}

	scaled := image.NewRGBA(image.Rect(0, 0, ModelInputSize, ModelInputSize))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Src, nil)

	for i, j := 0, 0; j < len(dst); i, j = i+4, j+3 {
		dst[j] = float32(scaled.Pix[i]) / 255
		dst[j+1] = float32(scaled.Pix[i+1]) / 255
		dst[j+2] = float32(scaled.Pix[i+2]) / 255
	}
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// decodeLandmarks converts raw model output to a pose; nil when the pose
// flag is below flagMin.
func decodeLandmarks(landmarks, flag []float32, flagMin, ts float64) (*pose.PoseResult, error) {
	if len(flag) == 0 || len(landmarks) < landmarkCount*landmarkValues {
		return nil, fmt.Errorf("detector: short model output (%d landmarks values, %d flags)", len(landmarks), len(flag))
	}
	if float64(flag[0]) < flagMin {
		return nil, nil
	}
	p := &pose.PoseResult{TimestampMS: ts}
	for i := range p.Keypoints {
		v := landmarks[i*landmarkValues : (i+1)*landmarkValues]
		p.Keypoints[i] = pose.Keypoint{
			X:          float64(v[0]) / ModelInputSize,
			Y:          float64(v[1]) / ModelInputSize,
			Z:          float64(v[2]) / ModelInputSize,
			Visibility: sigmoid(float64(v[3])),
		}
	}
	return p, nil
}
