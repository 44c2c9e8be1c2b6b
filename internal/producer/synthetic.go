package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-mirror/internal/lifecycle"
)

// Synthetic generates gradient frames at a fixed rate. It stands in for the
// camera in headless runs and tests.
type Synthetic struct {
	stream Stream
	width  int
	height int
	fps    float64

	// OpenErr, when set, makes Start fail as a camera that cannot be opened.
	OpenErr error

	mu      sync.Mutex
	runner  *lifecycle.Runner
	errs    chan error
	started time.Time

	seq         atomic.Uint64
	dropped     atomic.Uint64
	bytesRead   atomic.Uint64
	lastFrameAt atomic.Int64
}

// NewSynthetic returns a generator for stream at width x height, fps frames per second.
func NewSynthetic(stream Stream, width, height int, fps float64) *Synthetic {
	if fps <= 0 {
		fps = 30
	}
	return &Synthetic{
		stream: stream,
		width:  width,
		height: height,
		fps:    fps,
		errs:   make(chan error, 1),
	}
}

// Start launches the generator loop.
func (s *Synthetic) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runner != nil {
		return nil, ErrAlreadyStarted
	}
	if s.OpenErr != nil {
		err := &OpenError{Stream: s.stream, Source: "synthetic", Category: ErrCategoryDevice, Err: s.OpenErr}
		s.errs <- err
		return nil, err
	}

	frames := make(chan Frame, frameChanSize)
	s.started = time.Now()

	slog.Info("producer: synthetic source starting",
		"stream", s.stream,
		"width", s.width,
		"height", s.height,
		"fps", s.fps,
	)

	s.runner = lifecycle.Go(ctx, "synthetic-"+string(s.stream), func(ctx context.Context, r *lifecycle.Runner) {
		defer close(frames)

		ticker := time.NewTicker(time.Duration(float64(time.Second) / s.fps))
		defer ticker.Stop()

		for r.Running() {
			select {
			case <-ctx.Done():
				return
			case <-r.StopCh():
				return
			case now := <-ticker.C:
				f := s.createFrame(now)
				select {
				case frames <- f:
					s.lastFrameAt.Store(now.UnixNano())
				default:
					s.dropped.Add(1)
				}
			}
		}
	})
	return frames, nil
}

func (s *Synthetic) createFrame(now time.Time) Frame {
	seq := s.seq.Add(1)
	data := make([]byte, s.width*s.height*3)
	shift := byte(seq)
	for i := 0; i < len(data); i += 3 {
		px := i / 3
		data[i] = byte(px%s.width) + shift
		data[i+1] = byte(px / max(s.width, 1))
		data[i+2] = shift
	}
	s.bytesRead.Add(uint64(len(data)))

	return Frame{
		Seq:         seq,
		TimestampMS: float64(now.Sub(s.started).Microseconds()) / 1000,
		Width:       s.width,
		Height:      s.height,
		Data:        data,
		Stream:      s.stream,
		TraceID:     uuid.New().String(),
	}
}

// Stop flips the loop flag.
func (s *Synthetic) Stop() {
	s.mu.Lock()
	r := s.runner
	s.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

// Join waits for the loop to exit.
func (s *Synthetic) Join(timeout, grace time.Duration) error {
	s.mu.Lock()
	r := s.runner
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	if err := r.Join(timeout, grace); err != nil {
		return fmt.Errorf("producer %s: %w", s.stream, err)
	}
	slog.Info("producer: synthetic source stopped",
		"stream", s.stream,
		"frames", s.seq.Load(),
		"dropped", s.dropped.Load(),
	)
	return nil
}

// Errors reports open failures.
func (s *Synthetic) Errors() <-chan error { return s.errs }

// Stats returns generator counters.
func (s *Synthetic) Stats() Stats {
	s.mu.Lock()
	started, r := s.started, s.runner
	s.mu.Unlock()

	st := Stats{
		Stream:        s.stream,
		FrameCount:    s.seq.Load(),
		FramesDropped: s.dropped.Load(),
		BytesRead:     s.bytesRead.Load(),
		FPSTarget:     s.fps,
		StartedAt:     started,
		IsRunning:     r != nil && r.Running(),
	}
	if ns := s.lastFrameAt.Load(); ns > 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	if elapsed := time.Since(started).Seconds(); st.IsRunning && elapsed > 0 {
		st.FPSReal = float64(st.FrameCount) / elapsed
	}
	return st
}
