// Package producer implements the frame sources of a comparison session:
// the live capture of the performer and the reference media playback.
//
// Every producer runs its own acquisition loop and publishes Frames on a
// bounded channel. Stopping follows the two-phase protocol of
// internal/lifecycle: Stop flips the flag and returns, Join waits with a
// bounded timeout and forces cancellation.
package producer

import (
	"context"
	"time"
)

// Stream identifies which side of the comparison a frame belongs to.
type Stream string

const (
	// Subject is the live performer.
	Subject Stream = "subject"
	// Reference is the reference performance.
	Reference Stream = "reference"
)

// Frame is one decoded RGB24 image.
type Frame struct {
	Seq         uint64
	TimestampMS float64 // capture: ms since start; media: playback position
	Width       int
	Height      int
	Data        []byte // packed RGB, Width*Height*3 bytes
	Stream      Stream
	TraceID     string
}

// Producer is the common surface of every frame source.
type Producer interface {
	// Start opens the source and launches the acquisition loop. An open
	// failure is returned here and also reported once on Errors.
	Start(ctx context.Context) (<-chan Frame, error)

	// Stop requests the loop to exit and returns immediately.
	Stop()

	// Join waits up to timeout for the loop, then forces cancellation and
	// waits up to grace. Releases source resources.
	Join(timeout, grace time.Duration) error

	// Errors reports producer failures (at most one per failure).
	Errors() <-chan error

	// Stats returns runtime counters.
	Stats() Stats
}

// Stats are producer runtime counters.
type Stats struct {
	Stream        Stream    `json:"stream"`
	FrameCount    uint64    `json:"frame_count"`
	FramesDropped uint64    `json:"frames_dropped"`
	BytesRead     uint64    `json:"bytes_read"`
	Reconnects    uint32    `json:"reconnects"`
	FPSTarget     float64   `json:"fps_target"`
	FPSReal       float64   `json:"fps_real"`
	StartedAt     time.Time `json:"started_at"`
	LastFrameAt   time.Time `json:"last_frame_at"`
	IsRunning     bool      `json:"is_running"`
}

// frameChanSize is the buffer of a producer's output channel.
const frameChanSize = 10
