package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-mirror/internal/emitter"
	"github.com/e7canasta/orion-mirror/internal/lifecycle"
	"github.com/e7canasta/orion-mirror/internal/pose"
	"github.com/e7canasta/orion-mirror/internal/producer"
	"github.com/e7canasta/orion-mirror/internal/scheduler"
)

const statsLogInterval = 10 * time.Second

// consumeFrames fans one producer's frames out to the display and, when the
// stream's throttle allows, into the scheduler mailbox.
func (s *Session) consumeFrames(stream producer.Stream, frames <-chan producer.Frame) func(context.Context, *lifecycle.Runner) {
	return func(ctx context.Context, r *lifecycle.Runner) {
		slog.Info("core: frame consumer started", "stream", stream)
		var count uint64

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.StopCh():
				return
			case f, ok := <-frames:
				if !ok {
					slog.Info("core: frame channel closed", "stream", stream, "total_frames", count)
					return
				}
				count++

				if s.deps.Display != nil {
					s.deps.Display.UpdateFrame(f)
				}
				if !s.wantsPose(stream) {
					continue
				}
				if stream == producer.Subject && s.Phase() == PhaseCalibrating {
					s.recordWarmup()
				}
				if s.throttles[stream].Allow() {
					if err := s.sched.Submit(f); err != nil {
						slog.Error("core: submit frame failed", "stream", stream, "error", err)
					}
				}
			}
		}
	}
}

// wantsPose reports whether frames of stream need estimation right now:
// subject frames from calibration on, reference frames only in training.
func (s *Session) wantsPose(stream producer.Stream) bool {
	switch s.Phase() {
	case PhaseCalibrating:
		return stream == producer.Subject
	case PhaseTraining:
		return true
	}
	return false
}

func (s *Session) recordWarmup() {
	s.mu.Lock()
	if len(s.warmup) < maxWarmupFrames {
		s.warmup = append(s.warmup, s.now())
	}
	s.mu.Unlock()
}

// consumeResults drains scheduler results whenever one is ready.
func (s *Session) consumeResults(ctx context.Context, r *lifecycle.Runner) {
	lastLog := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.StopCh():
			return
		case <-s.sched.Ready():
			for _, res := range s.sched.Drain() {
				s.handleResult(res)
			}
		}

		if time.Since(lastLog) >= statsLogInterval {
			st := s.sched.Stats()
			slog.Debug("core: pipeline stats",
				"subject_processed", st.Subject.Processed,
				"subject_dropped", st.Subject.Dropped,
				"reference_processed", st.Reference.Processed,
				"reference_dropped", st.Reference.Dropped,
				"entries", s.tracker.Len(),
			)
			lastLog = time.Now()
		}
	}
}

// handleResult updates the display, drives calibration and, in training,
// normalizes the pose into the latest pose of its stream. A miss keeps the
// last pose.
func (s *Session) handleResult(res scheduler.Result) {
	if s.deps.Display != nil {
		s.deps.Display.UpdatePose(res.Stream, res.Pose)
	}
	if res.Err != nil {
		slog.Debug("core: estimation failed", "stream", res.Stream, "seq", res.Seq, "error", res.Err)
	}

	switch s.Phase() {
	case PhaseCalibrating:
		if res.Stream == producer.Subject {
			s.calibrate(res.Pose)
		}
	case PhaseTraining:
		if res.Pose == nil {
			return
		}
		mirror := res.Stream == producer.Subject && s.mirror.Load()
		np, ok := s.normalizer[res.Stream].Normalize(res.Pose, mirror, true)
		if !ok {
			return
		}
		s.mu.Lock()
		s.latest[res.Stream] = &np
		s.mu.Unlock()
	}
}

// calibrate runs only on the results goroutine.
func (s *Session) calibrate(p *pose.PoseResult) {
	check, ready := s.calibrator.Update(p, s.now())

	s.mu.Lock()
	changed := check.Message != s.lastCheck.Message
	s.lastCheck = check
	s.mu.Unlock()

	if changed {
		slog.Info("core: calibration", "status", check.Message, "visible", check.VisibleCount)
	}
	if ready {
		slog.Info("core: calibration complete")
		s.startTraining()
	}
}

// watchErrors records producer failures after start. The first failure
// of either producer is kept for the health snapshot.
func (s *Session) watchErrors(ctx context.Context, r *lifecycle.Runner) {
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-r.StopCh():
			return
		case err = <-s.deps.Capture.Errors():
		case err = <-s.deps.Media.Errors():
		}
		if err == nil {
			continue
		}

		var oerr *producer.OpenError
		if errors.As(err, &oerr) {
			slog.Error("core: producer failed", "stream", oerr.Stream, "category", oerr.Category, "error", err)
		} else {
			slog.Error("core: producer failed", "error", err)
		}
		s.setErr(err)
	}
}

// tickLoop scores the latest pose pair every tick interval. When the
// reference media ends, the session ends on its own goroutine so the
// join of this loop does not wait on itself.
func (s *Session) tickLoop(ctx context.Context, r *lifecycle.Runner) {
	for r.Sleep(ctx, s.cfg.Session.TickInterval()) {
		if s.tick() {
			go func() {
				if _, err := s.End(context.WithoutCancel(ctx)); err != nil {
					slog.Error("core: session end failed", "error", err)
				}
			}()
			return
		}
	}
}

// tick runs one scoring step and reports whether the media has ended.
func (s *Session) tick() bool {
	if s.Phase() != PhaseTraining {
		return false
	}
	if s.deps.Media.Ended() {
		return true
	}
	if !s.deps.Media.Playing() {
		return false
	}

	position := s.deps.Media.PositionMS()

	s.mu.Lock()
	subject, reference := s.latest[producer.Subject], s.latest[producer.Reference]
	s.mu.Unlock()

	if reference == nil && s.deps.Reference != nil {
		if np, ok := s.deps.Reference.Find(position); ok {
			reference = &np
		}
	}
	if subject == nil || reference == nil {
		return false
	}

	result := s.engine.Compare(subject, reference)
	s.tracker.AddScore(position, result)

	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveScore(result.OverallScore)
	}
	if s.deps.Scores != nil {
		s.scoreOut.Put(emitter.ScoreMessage{
			SessionID:  s.id,
			InstanceID: s.cfg.InstanceID,
			PositionMS: position,
			Score:      result,
			Timestamp:  s.now(),
		})
	}
	return false
}

// publishScores sends the latest tick; a tick not yet published when a
// newer one arrives is dropped.
func (s *Session) publishScores(ctx context.Context, r *lifecycle.Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.StopCh():
			return
		case <-s.scoreWake:
		}
		msg, ok := s.scoreOut.Take()
		if !ok {
			continue
		}
		if err := s.deps.Scores.PublishScore(msg); err != nil {
			slog.Debug("core: score publish failed", "error", err)
		}
		s.scoreOut.Done()
	}
}
