// Package scheduler runs pose estimation for the subject and reference
// streams on one worker loop.
//
// Each stream has a latest-wins input mailbox and its own detector; a frame
// waiting in a mailbox is overwritten by a newer one, so estimation always
// works on the freshest frame and memory stays bounded. Results are handed
// back through per-stream latest-wins output slots that share one ready
// channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-mirror/internal/detector"
	"github.com/e7canasta/orion-mirror/internal/lifecycle"
	"github.com/e7canasta/orion-mirror/internal/mailbox"
	"github.com/e7canasta/orion-mirror/internal/pose"
	"github.com/e7canasta/orion-mirror/internal/producer"
)

// DefaultIdleYield is how long the worker waits when both mailboxes are empty.
const DefaultIdleYield = 5 * time.Millisecond

var (
	// ErrSharedDetector is returned when both streams get the same detector.
	ErrSharedDetector = errors.New("scheduler: subject and reference need separate detectors")
	// ErrNilDetector is returned when a detector is missing.
	ErrNilDetector = errors.New("scheduler: detector is nil")
	// ErrUnknownStream is returned for frames of an unknown stream.
	ErrUnknownStream = errors.New("scheduler: unknown stream")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler: already started")
)

// Streams in worker polling order.
var Streams = [2]producer.Stream{producer.Subject, producer.Reference}

func streamIndex(s producer.Stream) (int, bool) {
	switch s {
	case producer.Subject:
		return 0, true
	case producer.Reference:
		return 1, true
	}
	return 0, false
}

// Result is one estimation outcome. Pose is nil when no person was found
// or the estimation failed (Err set).
type Result struct {
	Stream      producer.Stream
	Seq         uint64
	TimestampMS float64
	Pose        *pose.PoseResult
	Err         error
	Latency     time.Duration
}

// StreamStats are per-stream counters.
type StreamStats struct {
	State          mailbox.State `json:"state"`
	Submitted      uint64        `json:"submitted"`
	Dropped        uint64        `json:"dropped"`
	Processed      uint64        `json:"processed"`
	Misses         uint64        `json:"misses"`
	Errors         uint64        `json:"errors"`
	ResultsDropped uint64        `json:"results_dropped"`
	AvgLatencyMS   float64       `json:"avg_latency_ms"`
}

// Stats covers both streams.
type Stats struct {
	Subject   StreamStats `json:"subject"`
	Reference StreamStats `json:"reference"`
	IsRunning bool        `json:"is_running"`
}

type lane struct {
	detector detector.Detector
	input    *mailbox.Slot[producer.Frame]
	output   *mailbox.Slot[Result]

	processed atomic.Uint64
	misses    atomic.Uint64
	errors    atomic.Uint64
	latencyUS atomic.Int64
}

// Scheduler owns both detectors from construction until Join.
type Scheduler struct {
	idleYield time.Duration
	lanes     [2]*lane
	wake      chan struct{}
	ready     chan struct{}

	mu     sync.Mutex
	runner *lifecycle.Runner
	closed bool
}

// Config tunes the worker.
type Config struct {
	IdleYield time.Duration
}

// New takes ownership of the two detectors.
func New(subject, reference detector.Detector, cfg Config) (*Scheduler, error) {
	if subject == nil || reference == nil {
		return nil, ErrNilDetector
	}
	if subject == reference {
		return nil, ErrSharedDetector
	}
	if cfg.IdleYield <= 0 {
		cfg.IdleYield = DefaultIdleYield
	}

	s := &Scheduler{
		idleYield: cfg.IdleYield,
		wake:      mailbox.NewWake(),
		ready:     mailbox.NewWake(),
	}
	for i, d := range []detector.Detector{subject, reference} {
		s.lanes[i] = &lane{
			detector: d,
			input:    mailbox.New[producer.Frame](s.wake),
			output:   mailbox.New[Result](s.ready),
		}
	}
	return s, nil
}

// Submit offers a frame for estimation, replacing any frame of the same
// stream still waiting. It never blocks.
func (s *Scheduler) Submit(f producer.Frame) error {
	i, ok := streamIndex(f.Stream)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, f.Stream)
	}
	s.lanes[i].input.Put(f)
	return nil
}

// Ready is signalled whenever a result becomes available.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Next returns the latest undelivered result of stream.
func (s *Scheduler) Next(stream producer.Stream) (Result, bool) {
	i, ok := streamIndex(stream)
	if !ok {
		return Result{}, false
	}
	out := s.lanes[i].output
	r, ok := out.Take()
	if ok {
		out.Done()
	}
	return r, ok
}

// Drain returns the latest undelivered result of each stream.
func (s *Scheduler) Drain() []Result {
	var out []Result
	for _, st := range Streams {
		if r, ok := s.Next(st); ok {
			out = append(out, r)
		}
	}
	return out
}

// Reset discards waiting frames and undelivered results.
func (s *Scheduler) Reset() {
	for _, l := range s.lanes {
		l.input.Reset()
		l.output.Reset()
	}
}

// Start launches the worker loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil || s.closed {
		return ErrAlreadyStarted
	}
	s.runner = lifecycle.Go(ctx, "pose-scheduler", s.loop)
	slog.Info("scheduler: started", "idle_yield", s.idleYield)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, r *lifecycle.Runner) {
	idle := time.NewTimer(s.idleYield)
	defer idle.Stop()

	for r.Running() {
		worked := false
		for i, l := range s.lanes {
			if !r.Running() {
				return
			}
			f, ok := l.input.Take()
			if !ok {
				continue
			}
			worked = true
			s.process(ctx, Streams[i], l, f)
			l.input.Done()
		}
		if worked {
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.idleYield)
		select {
		case <-s.wake:
		case <-idle.C:
		case <-r.StopCh():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) process(ctx context.Context, stream producer.Stream, l *lane, f producer.Frame) {
	start := time.Now()
	p, err := detect(ctx, l.detector, f)
	latency := time.Since(start)

	l.processed.Add(1)
	l.latencyUS.Add(latency.Microseconds())
	switch {
	case err != nil:
		l.errors.Add(1)
		p = nil
		slog.Warn("scheduler: estimation failed",
			"stream", stream,
			"seq", f.Seq,
			"trace_id", f.TraceID,
			"error", err,
		)
	case p == nil:
		l.misses.Add(1)
	}

	l.output.Put(Result{
		Stream:      stream,
		Seq:         f.Seq,
		TimestampMS: f.TimestampMS,
		Pose:        p,
		Err:         err,
		Latency:     latency,
	})
}

// detect turns a detector panic into an error.
func detect(ctx context.Context, d detector.Detector, f producer.Frame) (p *pose.PoseResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("scheduler: detector panic: %v", rec)
		}
	}()
	return d.Detect(ctx, detector.Image{
		Seq:         f.Seq,
		TimestampMS: f.TimestampMS,
		Width:       f.Width,
		Height:      f.Height,
		Data:        f.Data,
	})
}

// Stop asks the worker to exit after the current cycle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	r := s.runner
	s.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

// Join waits for the worker, cancelling the in-flight estimation after
// timeout, then closes both detectors. Safe to call more than once.
func (s *Scheduler) Join(timeout, grace time.Duration) error {
	s.mu.Lock()
	r := s.runner
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var joinErr error
	if r != nil {
		if err := r.Join(timeout, grace); err != nil {
			joinErr = fmt.Errorf("scheduler: %w", err)
		}
	}

	var closeErrs []error
	for i, l := range s.lanes {
		l.input.Close()
		if err := l.detector.Close(); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("close %s detector: %w", Streams[i], err))
		}
	}

	st := s.Stats()
	slog.Info("scheduler: stopped",
		"subject_processed", st.Subject.Processed,
		"subject_dropped", st.Subject.Dropped,
		"reference_processed", st.Reference.Processed,
		"reference_dropped", st.Reference.Dropped,
		"forced", r != nil && r.Forced(),
	)
	return errors.Join(append([]error{joinErr}, closeErrs...)...)
}

// Stats returns per-stream counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	r := s.runner
	s.mu.Unlock()

	st := Stats{IsRunning: r != nil && r.Running()}
	for i, l := range s.lanes {
		in := l.input.Stats()
		ss := StreamStats{
			State:          in.State,
			Submitted:      in.Published,
			Dropped:        in.Dropped,
			Processed:      l.processed.Load(),
			Misses:         l.misses.Load(),
			Errors:         l.errors.Load(),
			ResultsDropped: l.output.Stats().Dropped,
		}
		if ss.Processed > 0 {
			ss.AvgLatencyMS = float64(l.latencyUS.Load()) / 1000 / float64(ss.Processed)
		}
		if i == 0 {
			st.Subject = ss
		} else {
			st.Reference = ss
		}
	}
	return st
}
