package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-mirror/internal/lifecycle"
)

// CaptureConfig configures the live capture producer.
type CaptureConfig struct {
	// Source is a V4L2 device path ("/dev/video0"), a URI handled by
	// uridecodebin ("rtsp://...", "file:///..."), or "test" for videotestsrc.
	Source    string
	Width     int
	Height    int
	TargetFPS float64
	Flip      bool // horizontal flip in the pipeline
	Reconnect ReconnectConfig
}

// Capture is the live performer producer built on a GStreamer pipeline:
//
//	source → [decodebin] → videoconvert → videoscale → [videoflip] →
//	videorate → capsfilter(RGB) → appsink
type Capture struct {
	cfg CaptureConfig

	mu       sync.Mutex
	runner   *lifecycle.Runner
	pipeline *gst.Pipeline
	started  time.Time
	errs     chan error

	seq         atomic.Uint64
	dropped     atomic.Uint64
	bytesRead   atomic.Uint64
	reconnects  atomic.Uint32
	lastFrameAt atomic.Int64
}

// NewCapture validates cfg and checks that GStreamer is usable.
func NewCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("producer: capture source is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("producer: invalid capture size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.TargetFPS <= 0 || cfg.TargetFPS > 120 {
		return nil, fmt.Errorf("producer: invalid capture FPS %.2f (must be 0-120)", cfg.TargetFPS)
	}
	if err := CheckGStreamer(); err != nil {
		return nil, err
	}
	return &Capture{cfg: cfg, errs: make(chan error, 1)}, nil
}

// CheckGStreamer verifies that GStreamer initializes and core elements exist.
func CheckGStreamer() error {
	gst.Init(nil)
	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("producer: GStreamer not available: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

func (c *Capture) isNetwork() bool {
	return strings.Contains(c.cfg.Source, "://") && !strings.HasPrefix(c.cfg.Source, "file://")
}

// Start opens the source and blocks until the pipeline plays or fails.
func (c *Capture) Start(ctx context.Context) (<-chan Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runner != nil {
		return nil, ErrAlreadyStarted
	}

	frames := make(chan Frame, frameChanSize)
	c.started = time.Now()

	pipeline, err := c.open(frames)
	if err != nil {
		oerr := &OpenError{
			Stream:   Subject,
			Source:   c.cfg.Source,
			Category: ClassifyError(err.Error(), ""),
			Err:      err,
		}
		c.errs <- oerr
		close(frames)
		return nil, oerr
	}
	c.pipeline = pipeline

	slog.Info("producer: capture started",
		"source", c.cfg.Source,
		"width", c.cfg.Width,
		"height", c.cfg.Height,
		"fps", c.cfg.TargetFPS,
	)

	c.runner = lifecycle.Go(ctx, "capture", func(ctx context.Context, r *lifecycle.Runner) {
		defer close(frames)
		c.run(ctx, r, frames)
	})
	return frames, nil
}

// open builds the pipeline, sets it PLAYING and waits for the first state
// change or error.
func (c *Capture) open(frames chan Frame) (*gst.Pipeline, error) {
	pipeline, err := c.buildPipeline(frames)
	if err != nil {
		return nil, err
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		destroyPipeline(pipeline)
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			destroyPipeline(pipeline)
			return nil, fmt.Errorf("%s: %s", gerr.Error(), gerr.DebugString())
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
					return pipeline, nil
				}
			}
		}
	}

	slog.Warn("producer: capture pipeline not PLAYING after 5s, continuing",
		"source", c.cfg.Source,
	)
	return pipeline, nil
}

func (c *Capture) buildPipeline(frames chan Frame) (*gst.Pipeline, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	var src *gst.Element
	dynamic := false
	switch {
	case c.cfg.Source == "test":
		src, err = gst.NewElement("videotestsrc")
		if err == nil {
			src.SetProperty("is-live", true)
			src.SetProperty("pattern", 18) // ball
		}
	case strings.Contains(c.cfg.Source, "://"):
		src, err = gst.NewElement("uridecodebin")
		if err == nil {
			src.SetProperty("uri", c.cfg.Source)
		}
		dynamic = true
	default:
		src, err = gst.NewElement("v4l2src")
		if err == nil {
			src.SetProperty("device", c.cfg.Source)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create source element: %w", err)
	}

	chain := []*gst.Element{}
	for _, name := range []string{"videoconvert", "videoscale"} {
		e, err := gst.NewElement(name)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", name, err)
		}
		chain = append(chain, e)
	}

	if c.cfg.Flip {
		flip, err := gst.NewElement("videoflip")
		if err != nil {
			return nil, fmt.Errorf("failed to create videoflip: %w", err)
		}
		flip.SetProperty("method", 4) // horizontal-flip
		chain = append(chain, flip)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	chain = append(chain, videorate)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(
		buildRGBCaps(c.cfg.Width, c.cfg.Height, c.cfg.TargetFPS),
	))
	chain = append(chain, capsfilter)

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	chain = append(chain, appsink.Element)

	if err := pipeline.AddMany(append([]*gst.Element{src}, chain...)...); err != nil {
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("failed to link elements: %w", err)
	}

	if dynamic {
		convert := chain[0]
		src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			sinkPad := convert.GetStaticPad("sink")
			if sinkPad == nil || sinkPad.IsLinked() {
				return
			}
			if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
				// Audio pads of the same source land here
				slog.Debug("producer: capture pad not linked", "pad", srcPad.GetName(), "ret", ret)
			}
		})
	} else if err := src.Link(chain[0]); err != nil {
		return nil, fmt.Errorf("failed to link source: %w", err)
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return c.onNewSample(sink, frames)
		},
	})

	return pipeline, nil
}

// onNewSample copies the mapped buffer into a Frame and hands it off
// without blocking the streaming thread.
func (c *Capture) onNewSample(sink *app.Sink, frames chan<- Frame) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("producer: failed to pull sample, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	now := time.Now()
	frame := Frame{
		Seq:         c.seq.Add(1),
		TimestampMS: float64(now.Sub(c.started).Microseconds()) / 1000,
		Width:       c.cfg.Width,
		Height:      c.cfg.Height,
		Data:        frameData,
		Stream:      Subject,
		TraceID:     uuid.New().String(),
	}
	c.bytesRead.Add(uint64(len(frameData)))
	c.lastFrameAt.Store(now.UnixNano())

	select {
	case frames <- frame:
	default:
		c.dropped.Add(1)
	}
	return gst.FlowOK
}

// run monitors the bus and rebuilds the pipeline on errors for network
// sources. Device sources fail once and exit.
func (c *Capture) run(ctx context.Context, r *lifecycle.Runner, frames chan Frame) {
	defer func() {
		c.mu.Lock()
		destroyPipeline(c.pipeline)
		c.pipeline = nil
		c.mu.Unlock()
	}()

	cfg := c.cfg.Reconnect
	if !c.isNetwork() {
		cfg.MaxRetries = 0
	}

	first := true
	connect := func(ctx context.Context) error {
		if !first {
			c.mu.Lock()
			destroyPipeline(c.pipeline)
			c.pipeline = nil
			c.mu.Unlock()

			p, err := c.open(frames)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.pipeline = p
			c.mu.Unlock()
		}
		first = false
		return c.monitor(ctx, r)
	}

	err := runWithReconnect(ctx, r.StopCh(), "capture", cfg, &c.reconnects, connect)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("producer: capture stopped", "error", err, "source", c.cfg.Source)
		select {
		case c.errs <- err:
		default:
		}
	}
}

// monitor polls the bus until stop, EOS or error.
func (c *Capture) monitor(ctx context.Context, r *lifecycle.Runner) error {
	c.mu.Lock()
	pipeline := c.pipeline
	c.mu.Unlock()
	if pipeline == nil {
		return fmt.Errorf("pipeline not initialized")
	}

	bus := pipeline.GetPipelineBus()
	for r.Running() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("producer: capture end of stream", "frames", c.seq.Load())
			return fmt.Errorf("end of stream")
		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyError(gerr.Error(), gerr.DebugString())
			slog.Error("producer: capture pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"uptime", time.Since(c.started),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())
		}
	}
	return nil
}

// Stop flips the loop flag.
func (c *Capture) Stop() {
	c.mu.Lock()
	r := c.runner
	c.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

// Join waits for the monitor loop; the pipeline is destroyed on exit.
func (c *Capture) Join(timeout, grace time.Duration) error {
	c.mu.Lock()
	r := c.runner
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	if err := r.Join(timeout, grace); err != nil {
		return fmt.Errorf("producer capture: %w", err)
	}
	slog.Info("producer: capture stopped",
		"frames", c.seq.Load(),
		"dropped", c.dropped.Load(),
		"reconnects", c.reconnects.Load(),
	)
	return nil
}

// Errors reports open and runtime failures.
func (c *Capture) Errors() <-chan error { return c.errs }

// Stats returns capture counters.
func (c *Capture) Stats() Stats {
	c.mu.Lock()
	started, r := c.started, c.runner
	c.mu.Unlock()

	st := Stats{
		Stream:        Subject,
		FrameCount:    c.seq.Load(),
		FramesDropped: c.dropped.Load(),
		BytesRead:     c.bytesRead.Load(),
		Reconnects:    c.reconnects.Load(),
		FPSTarget:     c.cfg.TargetFPS,
		StartedAt:     started,
		IsRunning:     r != nil && r.Running(),
	}
	if ns := c.lastFrameAt.Load(); ns > 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	if elapsed := time.Since(started).Seconds(); st.IsRunning && elapsed > 0 {
		st.FPSReal = float64(st.FrameCount) / elapsed
	}
	return st
}

func destroyPipeline(p *gst.Pipeline) {
	if p == nil {
		return
	}
	if err := p.SetState(gst.StateNull); err != nil {
		slog.Error("producer: failed to set pipeline to NULL", "error", err)
	}
}

// buildRGBCaps returns RGB caps with a framerate fraction; fps below 1 is
// expressed as 1/N.
func buildRGBCaps(width, height int, fps float64) string {
	num, den := int(fps+0.5), 1
	if fps < 1 {
		num, den = 1, int(1/fps+0.5)
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d", width, height, num, den)
}
