// Package detector wraps pose-estimation backends behind one interface.
//
// A Detector is owned by exactly one stream; backends are not required to be
// safe for concurrent Detect calls.
package detector

import (
	"context"
	"errors"
	"time"

	"github.com/e7canasta/orion-mirror/internal/pose"
)

var (
	// ErrClosed is returned by Detect after Close.
	ErrClosed = errors.New("detector: closed")
	// ErrTimeout is returned when the backend did not answer in time.
	ErrTimeout = errors.New("detector: request timed out")
	// ErrBadImage is returned for images whose data does not match their size.
	ErrBadImage = errors.New("detector: image size mismatch")
)

// Image is a tightly packed RGB24 frame.
type Image struct {
	Seq         uint64
	TimestampMS float64
	Width       int
	Height      int
	Data        []byte
}

// Validate checks that Data holds Width*Height*3 bytes.
func (img Image) Validate() error {
	if img.Width <= 0 || img.Height <= 0 || len(img.Data) != img.Width*img.Height*3 {
		return ErrBadImage
	}
	return nil
}

// Detector estimates the pose of one person in an image.
// Detect returns (nil, nil) when no pose is found.
type Detector interface {
	Detect(ctx context.Context, img Image) (*pose.PoseResult, error)
	Close() error
}

// Metrics are backend counters.
type Metrics struct {
	Requests     uint64    `json:"requests"`
	Detections   uint64    `json:"detections"`
	Failures     uint64    `json:"failures"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// fromLandmarks builds a result from 33 rows of (x, y, z, visibility).
func fromLandmarks(rows [][]float64, ts float64) (*pose.PoseResult, error) {
	if len(rows) < pose.NumKeypoints {
		return nil, errors.New("detector: expected 33 landmarks")
	}
	p := &pose.PoseResult{TimestampMS: ts}
	for i := range p.Keypoints {
		r := rows[i]
		if len(r) < 4 {
			return nil, errors.New("detector: landmark needs x, y, z, visibility")
		}
		p.Keypoints[i] = pose.Keypoint{X: r[0], Y: r[1], Z: r[2], Visibility: r[3]}
	}
	return p, nil
}
