package audio

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestClock(duration float64) (*WallClock, *fakeNow) {
	f := &fakeNow{t: time.Unix(1000, 0)}
	c := NewWallClock(duration)
	c.now = f.now
	return c, f
}

func TestWallClock(t *testing.T) {
	c, f := newTestClock(0)

	f.advance(time.Second)
	if got := c.PositionMS(); got != 0 {
		t.Errorf("paused clock advanced to %v", got)
	}

	c.Play()
	f.advance(500 * time.Millisecond)
	if got := c.PositionMS(); got != 500 {
		t.Errorf("after 500ms playing: %v, want 500", got)
	}

	c.SetRate(2)
	f.advance(250 * time.Millisecond)
	if got := c.PositionMS(); got != 1000 {
		t.Errorf("after 250ms at 2x: %v, want 1000", got)
	}

	c.Pause()
	f.advance(time.Second)
	if got := c.PositionMS(); got != 1000 {
		t.Errorf("paused position moved: %v", got)
	}

	c.Seek(3000)
	if got := c.PositionMS(); got != 3000 {
		t.Errorf("after seek: %v, want 3000", got)
	}
	c.Seek(-10)
	if got := c.PositionMS(); got != 0 {
		t.Errorf("negative seek: %v, want 0", got)
	}

	c.SetRate(0)
	c.Play()
	f.advance(100 * time.Millisecond)
	if got := c.PositionMS(); got != 200 {
		t.Errorf("non-positive rate must be ignored: %v, want 200", got)
	}
}

func TestWallClockCapsAtDuration(t *testing.T) {
	c, f := newTestClock(1000)
	c.Play()
	f.advance(5 * time.Second)
	if got := c.PositionMS(); got != 1000 {
		t.Errorf("position %v past duration 1000", got)
	}
	t.Logf("✅ wall clock capped at duration")
}

func TestClockImplementations(t *testing.T) {
	var _ Clock = NewWallClock(0)
	var _ Clock = NewPlayer()
}

func TestPlayerLoadMissingFile(t *testing.T) {
	p := NewPlayer()
	err := p.Load(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	if err == nil {
		t.Fatal("expected error for a missing file")
	}
	if p.PositionMS() != 0 {
		t.Errorf("unloaded position = %v", p.PositionMS())
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close on unloaded player: %v", err)
	}
	// Controls on an unloaded player are no-ops.
	p.Play()
	p.Seek(100)
	p.SetRate(1.5)
	p.Pause()
}
