package core

import (
	"context"

	"github.com/e7canasta/orion-mirror/internal/audio"
	"github.com/e7canasta/orion-mirror/internal/emitter"
	"github.com/e7canasta/orion-mirror/internal/pose"
	"github.com/e7canasta/orion-mirror/internal/producer"
	"github.com/e7canasta/orion-mirror/internal/session"
)

// MediaSource is the reference-media producer with its playback controls.
type MediaSource interface {
	producer.Producer

	Load(path string) (producer.MediaInfo, error)
	Info() producer.MediaInfo
	SetClock(clock audio.PositionReader)
	SetSync(enabled bool)

	Play()
	Pause()
	Playing() bool
	Ended() bool
	Seek(ms float64) float64
	SetRate(r float64) float64
	Rate() float64
	PositionMS() float64
	SyncCounts() (seeks, stalls uint64)
}

// DisplaySink receives every frame and every pose result. Implementations
// must not block.
type DisplaySink interface {
	UpdateFrame(f producer.Frame)
	UpdatePose(stream producer.Stream, p *pose.PoseResult)
}

// ScorePublisher publishes live ticks
type ScorePublisher interface {
	PublishScore(msg emitter.ScoreMessage) error
}

// ReportPublisher publishes the final report
type ReportPublisher interface {
	PublishReport(env session.Envelope) error
}

// ReportStore persists the final report
type ReportStore interface {
	Save(ctx context.Context, env session.Envelope) error
}
