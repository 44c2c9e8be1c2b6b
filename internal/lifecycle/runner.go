// Package lifecycle implements the two-phase stop used by every loop in the
// pipeline: flip a flag and return immediately, then join with a bounded
// wait and force cancellation if the loop does not exit in time.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// State of a Runner.
type State int32

const (
	Running State = iota
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrJoinTimeout is returned by Join when the loop ignored both the stop
// flag and forced cancellation.
var ErrJoinTimeout = errors.New("lifecycle: loop did not exit after forced cancellation")

// Default join windows: cooperative wait, then forced-cancel wait.
const (
	DefaultJoinTimeout = 100 * time.Millisecond
	DefaultForceGrace  = 50 * time.Millisecond
)

// Runner owns one goroutine and its stop protocol.
//
// State machine:
//
//	Running --Stop()--> Stopping --loop returns--> Stopped
//
// The loop observes the cooperative flag via Running()/StopCh() at each
// iteration boundary. The context passed to the loop is cancelled only as
// the forced fallback in Join (or when the parent context ends), so blocking
// calls that honor ctx are interrupted only when the loop is late.
type Runner struct {
	name   string
	state  atomic.Int32
	stopCh chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	forced atomic.Bool
}

// Go starts loop in a new goroutine and returns its Runner.
func Go(parent context.Context, name string, loop func(ctx context.Context, r *Runner)) *Runner {
	ctx, cancel := context.WithCancel(parent)
	r := &Runner{
		name:   name,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	r.state.Store(int32(Running))

	go func() {
		defer func() {
			r.state.Store(int32(Stopped))
			cancel()
			close(r.done)
		}()
		loop(ctx, r)
	}()
	return r
}

// Name returns the runner name used in logs.
func (r *Runner) Name() string { return r.name }

// State returns the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Running reports whether the loop should keep iterating.
func (r *Runner) Running() bool { return r.State() == Running }

// StopCh is closed by Stop.
func (r *Runner) StopCh() <-chan struct{} { return r.stopCh }

// Done is closed when the loop has returned.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Forced reports whether Join had to cancel the loop context.
func (r *Runner) Forced() bool { return r.forced.Load() }

// Stop moves Running → Stopping and returns immediately. Idempotent.
func (r *Runner) Stop() {
	if r.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		close(r.stopCh)
	}
}

// Join waits up to timeout for the loop to exit, then cancels its context
// and waits up to grace more. Calls Stop first if needed.
//
// Returns ErrJoinTimeout if the loop is still alive after both windows; the
// goroutine is abandoned in that case.
func (r *Runner) Join(timeout, grace time.Duration) error {
	r.Stop()

	select {
	case <-r.done:
		return nil
	case <-time.After(timeout):
	}

	slog.Warn("lifecycle: loop did not stop in time, forcing cancellation",
		"runner", r.name,
		"timeout", timeout,
	)
	r.forced.Store(true)
	r.cancel()

	select {
	case <-r.done:
		return nil
	case <-time.After(grace):
		slog.Error("lifecycle: loop abandoned", "runner", r.name)
		return ErrJoinTimeout
	}
}

// Sleep pauses for d or until the runner is stopped or ctx ends.
// Returns false if the wait was interrupted.
func (r *Runner) Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// Group stops and joins several runners.
type Group struct {
	runners []*Runner
}

// Add registers r with the group.
func (g *Group) Add(r *Runner) {
	if r != nil {
		g.runners = append(g.runners, r)
	}
}

// Stop flips every runner's flag without waiting.
func (g *Group) Stop() {
	for _, r := range g.runners {
		r.Stop()
	}
}

// Join joins every runner with the same windows and returns the first error.
func (g *Group) Join(timeout, grace time.Duration) error {
	var first error
	for _, r := range g.runners {
		if err := r.Join(timeout, grace); err != nil && first == nil {
			first = err
		}
	}
	return first
}
