// Package core wires the comparison pipeline of one session: the two frame
// producers, the pose scheduler, per-stream normalizers, the scoring tick
// and the session tracker, plus the exports that follow the session end.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-mirror/internal/audio"
	"github.com/e7canasta/orion-mirror/internal/config"
	"github.com/e7canasta/orion-mirror/internal/detector"
	"github.com/e7canasta/orion-mirror/internal/emitter"
	"github.com/e7canasta/orion-mirror/internal/lifecycle"
	"github.com/e7canasta/orion-mirror/internal/mailbox"
	"github.com/e7canasta/orion-mirror/internal/metrics"
	"github.com/e7canasta/orion-mirror/internal/pose"
	"github.com/e7canasta/orion-mirror/internal/producer"
	"github.com/e7canasta/orion-mirror/internal/scheduler"
	"github.com/e7canasta/orion-mirror/internal/scoring"
	"github.com/e7canasta/orion-mirror/internal/session"
)

// Phase of a session.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseCalibrating
	PhaseTraining
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCalibrating:
		return "calibrating"
	case PhaseTraining:
		return "training"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("core: session already started")
	// ErrNotTraining is returned by playback controls outside training.
	ErrNotTraining = errors.New("core: session is not training")
	// ErrEnded is returned by controls after the session ended.
	ErrEnded = errors.New("core: session ended")
)

// maxWarmupFrames bounds the capture timestamps kept during calibration.
const maxWarmupFrames = 300

// Deps are the collaborators of a session. Capture, Media and both
// detectors are required; everything else is optional.
type Deps struct {
	Capture producer.Producer
	Media   MediaSource
	Clock   audio.Clock

	SubjectDetector   detector.Detector
	ReferenceDetector detector.Detector

	Display   DisplaySink
	Scores    ScorePublisher
	Reports   ReportPublisher
	Store     ReportStore
	Metrics   *metrics.Metrics
	Reference *session.ReferenceIndex // precomputed reference poses

	Now func() time.Time
}

// Session runs one comparison from calibration to report.
type Session struct {
	cfg  *config.Config
	deps Deps
	id   string
	now  func() time.Time

	sched      *scheduler.Scheduler
	throttles  map[producer.Stream]*producer.Throttle
	normalizer map[producer.Stream]*pose.Normalizer
	engine     *scoring.Engine
	tracker    *session.Tracker
	calibrator *pose.Calibrator
	scoreOut   *mailbox.Slot[emitter.ScoreMessage]
	scoreWake  chan struct{}

	phase   atomic.Int32
	mirror  atomic.Bool
	stopped atomic.Bool

	mu          sync.Mutex
	runners     lifecycle.Group
	latest      map[producer.Stream]*pose.NormalizedPose
	lastCheck   pose.PositionCheck
	warmup      []time.Time
	warmupStart time.Time
	startedAt   time.Time
	endedAt     time.Time
	lastErr     error

	endOnce   sync.Once
	result    session.Result
	endErr    error
	done      chan struct{}
	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

// NewSession validates deps and builds the pipeline. Ownership of both
// detectors passes to the session.
func NewSession(cfg *config.Config, deps Deps) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("core: config is required")
	}
	if deps.Capture == nil || deps.Media == nil {
		return nil, fmt.Errorf("core: capture and media producers are required")
	}

	sched, err := scheduler.New(deps.SubjectDetector, deps.ReferenceDetector, scheduler.Config{
		IdleYield: cfg.Pose.IdleYield(),
	})
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Session{
		cfg:   cfg,
		deps:  deps,
		id:    uuid.NewString(),
		now:   deps.Now,
		sched: sched,
		throttles: map[producer.Stream]*producer.Throttle{
			producer.Subject:   producer.NewThrottle(cfg.Pose.RequestInterval()),
			producer.Reference: producer.NewThrottle(cfg.Pose.RequestInterval()),
		},
		normalizer: map[producer.Stream]*pose.Normalizer{
			producer.Subject:   pose.NewNormalizer(cfg.Scoring.SubjectSmoothing),
			producer.Reference: pose.NewNormalizer(cfg.Scoring.ReferenceSmoothing),
		},
		engine:     scoring.NewEngine(cfg.Scoring.ScoreSmoothing),
		tracker:    session.NewTracker(),
		calibrator: pose.NewCalibrator(cfg.Session.CalibrationHold()),
		scoreWake:  mailbox.NewWake(),
		latest:     make(map[producer.Stream]*pose.NormalizedPose),
		done:       make(chan struct{}),
	}
	s.scoreOut = mailbox.New[emitter.ScoreMessage](s.scoreWake)
	s.mirror.Store(cfg.Scoring.Mirror())
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Phase returns the current phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Done is closed once the session has ended and its report was exported.
func (s *Session) Done() <-chan struct{} { return s.done }

// Tracker exposes the live timeline.
func (s *Session) Tracker() *session.Tracker { return s.tracker }

func (s *Session) goRunner(ctx context.Context, name string, loop func(ctx context.Context, r *lifecycle.Runner)) {
	r := lifecycle.Go(ctx, name, loop)
	s.mu.Lock()
	s.runners.Add(r)
	s.mu.Unlock()
}

// Start loads the reference media, starts every component and enters
// calibration (or training directly when calibration is disabled). Any
// open failure aborts the start and releases what was already started.
func (s *Session) Start(ctx context.Context) error {
	if !s.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseCalibrating)) {
		return ErrAlreadyStarted
	}

	info, err := s.deps.Media.Load(s.cfg.Media.Path)
	if err != nil {
		return s.abort(fmt.Errorf("core: load media: %w", err))
	}
	if s.deps.Clock != nil {
		s.deps.Media.SetClock(s.deps.Clock)
		s.deps.Media.SetSync(s.cfg.Audio.Sync)
	}

	if err := s.sched.Start(ctx); err != nil {
		return s.abort(fmt.Errorf("core: start scheduler: %w", err))
	}

	subjectFrames, err := s.deps.Capture.Start(ctx)
	if err != nil {
		return s.abort(fmt.Errorf("core: start capture: %w", err))
	}
	referenceFrames, err := s.deps.Media.Start(ctx)
	if err != nil {
		return s.abort(fmt.Errorf("core: start media: %w", err))
	}

	s.mu.Lock()
	s.warmupStart = s.now()
	s.mu.Unlock()

	s.goRunner(ctx, "frames-subject", s.consumeFrames(producer.Subject, subjectFrames))
	s.goRunner(ctx, "frames-reference", s.consumeFrames(producer.Reference, referenceFrames))
	s.goRunner(ctx, "results", s.consumeResults)
	s.goRunner(ctx, "producer-errors", s.watchErrors)
	s.goRunner(ctx, "tick", s.tickLoop)
	if s.deps.Scores != nil {
		s.goRunner(ctx, "score-publisher", s.publishScores)
	}

	slog.Info("core: session started",
		"session_id", s.id,
		"media", info.Path,
		"duration_ms", info.DurationMS,
		"calibration", s.cfg.Session.CalibrationEnabled(),
		"reference_index", s.deps.Reference != nil,
	)

	if !s.cfg.Session.CalibrationEnabled() {
		s.startTraining()
	}
	return nil
}

// abort stops whatever Start already launched and reports err.
func (s *Session) abort(err error) error {
	slog.Error("core: session start aborted", "session_id", s.id, "error", err)
	s.setErr(err)
	s.Stop()
	if werr := s.Wait(); werr != nil {
		slog.Warn("core: shutdown after failed start", "error", werr)
	}
	s.phase.Store(int32(PhaseEnded))
	s.closeOnce.Do(func() { close(s.done) })
	return err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// startTraining leaves calibration: play media and audio, clear smoothing
// state and start the clock of the session.
func (s *Session) startTraining() {
	if !s.phase.CompareAndSwap(int32(PhaseCalibrating), int32(PhaseTraining)) {
		return
	}

	s.mu.Lock()
	warmup, window := s.warmup, s.now().Sub(s.warmupStart)
	s.warmup = nil
	s.startedAt = s.now()
	s.mu.Unlock()

	if len(warmup) > 1 {
		stats := producer.CalculateFPSStats(warmup, window)
		slog.Info("core: capture warmup",
			"frames", stats.FramesReceived,
			"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
			"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
			"stable", stats.IsStable,
		)
		if !stats.IsStable {
			slog.Warn("core: capture frame rate is unstable, scores may lag")
		}
	}

	for _, n := range s.normalizer {
		n.ResetSmoothing()
	}
	s.deps.Media.Play()
	if s.deps.Clock != nil {
		s.deps.Clock.Play()
	}
	slog.Info("core: training started", "session_id", s.id)
}

// Pause pauses media and audio.
func (s *Session) Pause() error {
	if s.Phase() == PhaseEnded {
		return ErrEnded
	}
	s.deps.Media.Pause()
	if s.deps.Clock != nil {
		s.deps.Clock.Pause()
	}
	slog.Info("core: paused", "position_ms", s.deps.Media.PositionMS())
	return nil
}

// Resume resumes media and audio during training.
func (s *Session) Resume() error {
	switch s.Phase() {
	case PhaseEnded:
		return ErrEnded
	case PhaseTraining:
	default:
		return ErrNotTraining
	}
	s.deps.Media.Play()
	if s.deps.Clock != nil {
		s.deps.Clock.Play()
	}
	slog.Info("core: resumed", "position_ms", s.deps.Media.PositionMS())
	return nil
}

// TogglePlay pauses a playing session and resumes a paused one.
func (s *Session) TogglePlay() error {
	if s.deps.Media.Playing() {
		return s.Pause()
	}
	return s.Resume()
}

// Seek moves media and audio to ms (clamped to the media duration).
func (s *Session) Seek(ms float64) error {
	if s.Phase() == PhaseEnded {
		return ErrEnded
	}
	pos := s.deps.Media.Seek(ms)
	if s.deps.Clock != nil {
		s.deps.Clock.Seek(pos)
	}
	slog.Info("core: seek", "requested_ms", ms, "position_ms", pos)
	return nil
}

// SetRate changes the playback rate of media and audio (clamped 0.25-2.0).
func (s *Session) SetRate(r float64) error {
	if s.Phase() == PhaseEnded {
		return ErrEnded
	}
	got := s.deps.Media.SetRate(r)
	if s.deps.Clock != nil {
		s.deps.Clock.SetRate(got)
	}
	slog.Info("core: rate changed", "requested", r, "rate", got)
	return nil
}

// Restart rewinds to the start and clears the timeline and smoothing state.
func (s *Session) Restart() error {
	if s.Phase() == PhaseEnded {
		return ErrEnded
	}
	s.deps.Media.Seek(0)
	if s.deps.Clock != nil {
		s.deps.Clock.Seek(0)
	}
	s.tracker.Reset()
	s.engine.Reset()
	for _, n := range s.normalizer {
		n.ResetSmoothing()
	}
	s.sched.Reset()

	s.mu.Lock()
	s.latest = make(map[producer.Stream]*pose.NormalizedPose)
	s.startedAt = s.now()
	s.mu.Unlock()

	slog.Info("core: session restarted", "session_id", s.id)
	return nil
}

// End finishes the session: it computes the result, stops the pipeline and
// exports the report to file, MQTT and Redis. Only the first call does the
// work; later calls return the same result.
func (s *Session) End(ctx context.Context) (session.Result, error) {
	s.endOnce.Do(func() {
		s.result, s.endErr = s.finish(ctx)
		s.closeOnce.Do(func() { close(s.done) })
	})
	return s.result, s.endErr
}

func (s *Session) finish(ctx context.Context) (session.Result, error) {
	prev := Phase(s.phase.Swap(int32(PhaseEnded)))
	res := s.tracker.Result()

	s.mu.Lock()
	s.endedAt = s.now()
	startedAt := s.startedAt
	s.mu.Unlock()

	s.Stop()
	if err := s.Wait(); err != nil {
		slog.Warn("core: pipeline did not stop cleanly", "error", err)
	}

	outcome := "completed"
	if prev != PhaseTraining {
		outcome = "aborted"
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Sessions.WithLabelValues(outcome).Inc()
	}

	slog.Info("core: session ended",
		"session_id", s.id,
		"outcome", outcome,
		"overall_score", res.OverallScore,
		"grade", res.Grade,
		"entries", len(res.Timeline),
		"weak_sections", len(res.WeakSections),
	)

	env := session.Envelope{
		SessionID:  s.id,
		InstanceID: s.cfg.InstanceID,
		StartedAt:  startedAt,
		EndedAt:    s.now(),
		Report:     res.Export(),
	}
	return res, s.export(ctx, env)
}

// export writes the report to every configured target and joins their errors.
func (s *Session) export(ctx context.Context, env session.Envelope) error {
	var errs []error
	observe := func(target string, err error) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveExport(target, err)
		}
		if err != nil {
			slog.Error("core: report export failed", "target", target, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}

	if dir := s.cfg.Session.ReportDir; dir != "" {
		path := filepath.Join(dir, s.id+".json")
		observe("file", session.WriteReport(path, env.Report))
		slog.Info("core: report written", "path", path)
	}
	if s.deps.Reports != nil {
		observe("mqtt", s.deps.Reports.PublishReport(env))
	}
	if s.deps.Store != nil {
		observe("redis", s.deps.Store.Save(ctx, env))
	}
	return errors.Join(errs...)
}

// Stop flips every component's stop flag and returns immediately.
func (s *Session) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.deps.Media.Stop()
	s.deps.Capture.Stop()
	s.sched.Stop()
	if s.deps.Clock != nil {
		s.deps.Clock.Pause()
	}
	s.mu.Lock()
	s.runners.Stop()
	s.mu.Unlock()
}

// Wait joins every component with the configured windows. It never blocks
// longer than a few join windows. Later calls return the first result.
func (s *Session) Wait() error {
	s.waitOnce.Do(func() { s.waitErr = s.join() })
	return s.waitErr
}

func (s *Session) join() error {
	timeout, grace := s.cfg.Session.JoinTimeout(), s.cfg.Session.ForceGrace()

	var errs []error
	add := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	s.mu.Lock()
	runners := s.runners
	s.mu.Unlock()
	add("runners", runners.Join(timeout, grace))
	add("capture", s.deps.Capture.Join(timeout, grace))
	add("media", s.deps.Media.Join(timeout, grace))
	add("scheduler", s.sched.Join(timeout, grace))
	s.scoreOut.Close()
	if s.deps.Clock != nil {
		add("audio", s.deps.Clock.Close())
	}
	return errors.Join(errs...)
}
