// Package audio provides the playback clock that drives reference video sync.
//
// Player plays the reference soundtrack through GStreamer and serves its
// position from a cache refreshed by a poller goroutine. WallClock offers the
// same interface from the monotonic clock when there is no audio.
package audio

import (
	"math"
	"sync"
	"time"
)

// PositionReader is a thread-safe source of the master playback position.
type PositionReader interface {
	PositionMS() float64
}

// Clock is a controllable playback clock.
type Clock interface {
	PositionReader
	Play()
	Pause()
	Seek(ms float64)
	SetRate(rate float64)
	Close() error
}

// WallClock advances at rate while playing.
type WallClock struct {
	mu       sync.Mutex
	now      func() time.Time
	base     float64 // position at anchor
	anchor   time.Time
	rate     float64
	playing  bool
	duration float64
}

// NewWallClock returns a paused clock at 0. durationMS > 0 caps the position.
func NewWallClock(durationMS float64) *WallClock {
	return &WallClock{now: time.Now, rate: 1, duration: durationMS}
}

func (c *WallClock) position() float64 {
	pos := c.base
	if c.playing {
		pos += float64(c.now().Sub(c.anchor).Microseconds()) / 1000 * c.rate
	}
	if c.duration > 0 {
		pos = math.Min(pos, c.duration)
	}
	return pos
}

// rebase folds elapsed time into base.
func (c *WallClock) rebase() {
	c.base = c.position()
	c.anchor = c.now()
}

func (c *WallClock) PositionMS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position()
}

func (c *WallClock) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.playing {
		c.anchor = c.now()
		c.playing = true
	}
}

func (c *WallClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		c.rebase()
		c.playing = false
	}
}

func (c *WallClock) Seek(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = math.Max(0, ms)
	c.anchor = c.now()
}

func (c *WallClock) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebase()
	c.rate = rate
}

func (c *WallClock) Close() error { return nil }
