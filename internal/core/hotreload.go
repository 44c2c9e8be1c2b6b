package core

import (
	"log/slog"

	"github.com/e7canasta/orion-mirror/internal/config"
	"github.com/e7canasta/orion-mirror/internal/producer"
)

// ApplyTunables applies reloaded values without restarting the session.
// Smoothing state is kept; new factors apply from the next pose.
func (s *Session) ApplyTunables(t config.Tunables) {
	for _, th := range s.throttles {
		th.SetInterval(t.RequestInterval)
	}
	s.engine.SetSmoothing(t.ScoreSmoothing)
	s.normalizer[producer.Subject].SetSmoothing(t.SubjectSmoothing)
	s.normalizer[producer.Reference].SetSmoothing(t.ReferenceSmoothing)

	slog.Info("core: tunables applied",
		"request_interval", t.RequestInterval,
		"score_smoothing", t.ScoreSmoothing,
		"subject_smoothing", t.SubjectSmoothing,
		"reference_smoothing", t.ReferenceSmoothing,
	)
}

// SetMirror toggles mirroring of subject poses.
func (s *Session) SetMirror(enabled bool) {
	s.mirror.Store(enabled)
}
