package core

import (
	"sync"
	"time"

	"github.com/e7canasta/orion-mirror/internal/pose"
	"github.com/e7canasta/orion-mirror/internal/producer"
)

// DisplayState is the pixel-free view of one stream.
type DisplayState struct {
	Frames           uint64    `json:"frames"`
	Seq              uint64    `json:"seq"`
	TimestampMS      float64   `json:"timestamp_ms"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	PoseFound        bool      `json:"pose_found"`
	PoseTimestampMS  float64   `json:"pose_timestamp_ms"`
	VisibleKeypoints int       `json:"visible_keypoints"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MemoryDisplay keeps the latest frame and pose of each stream.
type MemoryDisplay struct {
	mu     sync.RWMutex
	frames map[producer.Stream]producer.Frame
	poses  map[producer.Stream]*pose.PoseResult
	state  map[producer.Stream]*DisplayState
}

// NewMemoryDisplay returns an empty display.
func NewMemoryDisplay() *MemoryDisplay {
	return &MemoryDisplay{
		frames: make(map[producer.Stream]producer.Frame),
		poses:  make(map[producer.Stream]*pose.PoseResult),
		state:  make(map[producer.Stream]*DisplayState),
	}
}

func (d *MemoryDisplay) stateFor(s producer.Stream) *DisplayState {
	st, ok := d.state[s]
	if !ok {
		st = &DisplayState{}
		d.state[s] = st
	}
	return st
}

func (d *MemoryDisplay) UpdateFrame(f producer.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames[f.Stream] = f
	st := d.stateFor(f.Stream)
	st.Frames++
	st.Seq = f.Seq
	st.TimestampMS = f.TimestampMS
	st.Width, st.Height = f.Width, f.Height
	st.UpdatedAt = time.Now()
}

// UpdatePose records a result. A nil pose clears the overlay.
func (d *MemoryDisplay) UpdatePose(stream producer.Stream, p *pose.PoseResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.poses[stream] = p
	st := d.stateFor(stream)
	st.PoseFound = p != nil
	st.VisibleKeypoints = 0
	if p != nil {
		st.PoseTimestampMS = p.TimestampMS
		st.VisibleKeypoints = p.VisibleCount(0.5)
	}
}

// Latest returns the last frame and pose of a stream.
func (d *MemoryDisplay) Latest(stream producer.Stream) (producer.Frame, *pose.PoseResult, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.frames[stream]
	return f, d.poses[stream], ok
}

// Snapshot returns a copy of every stream's state.
func (d *MemoryDisplay) Snapshot() map[producer.Stream]DisplayState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[producer.Stream]DisplayState, len(d.state))
	for s, st := range d.state {
		out[s] = *st
	}
	return out
}
