package detector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-mirror/internal/pose"
)

// Scripted answers from a function. It backs headless runs and tests.
type Scripted struct {
	script func(img Image) (*pose.PoseResult, error)
	delay  time.Duration

	calls  atomic.Uint64
	closed atomic.Bool
}

// NewScripted returns a detector that calls fn for every image, after
// waiting delay.
func NewScripted(fn func(img Image) (*pose.PoseResult, error), delay time.Duration) *Scripted {
	return &Scripted{script: fn, delay: delay}
}

// NewStanding returns a detector that always sees an upright person.
func NewStanding() *Scripted {
	return NewScripted(func(img Image) (*pose.PoseResult, error) {
		return pose.Standing(img.TimestampMS), nil
	}, 0)
}

func (s *Scripted) Detect(ctx context.Context, img Image) (*pose.PoseResult, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.calls.Add(1)
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.script(img)
}

// Calls returns how many Detect calls were made.
func (s *Scripted) Calls() uint64 { return s.calls.Load() }

// Closed reports whether Close was called.
func (s *Scripted) Closed() bool { return s.closed.Load() }

func (s *Scripted) Close() error {
	s.closed.Store(true)
	return nil
}
