package core

import (
	"context"

	"github.com/e7canasta/orion-mirror/internal/control"
	"github.com/e7canasta/orion-mirror/internal/metrics"
	"github.com/e7canasta/orion-mirror/internal/producer"
)

// Status returns the current session status
func (s *Session) Status() map[string]any {
	s.mu.Lock()
	check := s.lastCheck
	startedAt := s.startedAt
	lastErr := s.lastErr
	s.mu.Unlock()

	info := s.deps.Media.Info()
	sched := s.sched.Stats()
	seeks, stalls := s.deps.Media.SyncCounts()

	status := map[string]any{
		"session_id":  s.id,
		"instance_id": s.cfg.InstanceID,
		"phase":       s.Phase().String(),
		"playing":     s.deps.Media.Playing(),
		"ended":       s.deps.Media.Ended(),
		"position_ms": s.deps.Media.PositionMS(),
		"duration_ms": info.DurationMS,
		"rate":        s.deps.Media.Rate(),
		"entries":     s.tracker.Len(),
		"calibration": map[string]any{
			"status":  check.Message,
			"visible": check.VisibleCount,
			"passed":  check.Passed(),
		},
		"scheduler": sched,
		"sync": map[string]any{
			"enabled": s.deps.Clock != nil && s.cfg.Audio.Sync,
			"seeks":   seeks,
			"stalls":  stalls,
		},
	}
	if !startedAt.IsZero() {
		status["started_at"] = startedAt
	}
	if last, ok := s.tracker.Last(); ok {
		status["last_score"] = last.Score
		status["last_body_parts"] = last.BodyParts
	}
	if lastErr != nil {
		status["last_error"] = lastErr.Error()
	}
	return status
}

// Callbacks binds the control plane commands to this session. shutdown
// handles the "shutdown" command and may be nil.
func (s *Session) Callbacks(ctx context.Context, shutdown func() error) control.Callbacks {
	return control.Callbacks{
		OnGetStatus: s.Status,
		OnPlay:      s.Resume,
		OnPause:     s.Pause,
		OnSeek:      s.Seek,
		OnSetRate:   s.SetRate,
		OnRestart:   s.Restart,
		OnEndSession: func() (map[string]any, error) {
			res, err := s.End(ctx)
			data := map[string]any{
				"session_id": s.id,
				"report":     res.Export(),
			}
			return data, err
		},
		OnShutdown: shutdown,
	}
}

// Health summarizes readiness: unhealthy once the pipeline is not running
// outside of a finished session, degraded after a producer failure.
func (s *Session) Health(mqttConnected bool) metrics.HealthStatus {
	s.mu.Lock()
	lastErr := s.lastErr
	s.mu.Unlock()

	phase := s.Phase()
	h := metrics.HealthStatus{
		Status:        metrics.StatusHealthy,
		Phase:         phase.String(),
		PositionMS:    s.deps.Media.PositionMS(),
		DurationMS:    s.deps.Media.Info().DurationMS,
		MQTTConnected: mqttConnected,
		Session: map[string]any{
			"session_id": s.id,
			"entries":    s.tracker.Len(),
		},
	}

	switch {
	case phase == PhaseIdle:
		h.Status = metrics.StatusUnhealthy
	case phase != PhaseEnded && !s.sched.Stats().IsRunning:
		h.Status = metrics.StatusUnhealthy
	case lastErr != nil:
		h.Status = metrics.StatusDegraded
		h.Session["last_error"] = lastErr.Error()
	}
	return h
}

// Snapshot collects the counters exported to Prometheus.
func (s *Session) Snapshot() metrics.Snapshot {
	seeks, stalls := s.deps.Media.SyncCounts()
	return metrics.Snapshot{
		Scheduler:  s.sched.Stats(),
		Producers:  []producer.Stats{s.deps.Capture.Stats(), s.deps.Media.Stats()},
		SyncSeeks:  seeks,
		SyncStalls: stalls,
	}
}
