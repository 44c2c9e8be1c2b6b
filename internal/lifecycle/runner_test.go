package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStop_NonBlocking(t *testing.T) {
	r := Go(context.Background(), "busy", func(ctx context.Context, r *Runner) {
		for r.Running() {
			r.Sleep(ctx, time.Millisecond)
		}
		// Slow cleanup after the flag flips
		time.Sleep(30 * time.Millisecond)
	})

	start := time.Now()
	r.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Millisecond {
		t.Errorf("Stop() blocked for %v", elapsed)
	}
	if r.State() != Stopping {
		t.Errorf("state after Stop = %v, want stopping", r.State())
	}

	if err := r.Join(time.Second, DefaultForceGrace); err != nil {
		t.Fatalf("Join() = %v", err)
	}
	if r.State() != Stopped {
		t.Errorf("state after Join = %v, want stopped", r.State())
	}
	if r.Forced() {
		t.Error("cooperative exit should not be forced")
	}

	t.Logf("✅ running → stopping → stopped")
}

func TestJoin_ForcesCancellation(t *testing.T) {
	r := Go(context.Background(), "stubborn", func(ctx context.Context, r *Runner) {
		// Ignores the stop flag, only honors ctx
		<-ctx.Done()
	})

	start := time.Now()
	if err := r.Join(20*time.Millisecond, time.Second); err != nil {
		t.Fatalf("Join() = %v", err)
	}
	if !r.Forced() {
		t.Error("expected forced cancellation")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Join took %v", elapsed)
	}
}

func TestJoin_AbandonsHungLoop(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := Go(context.Background(), "hung", func(ctx context.Context, r *Runner) {
		<-release
	})

	err := r.Join(10*time.Millisecond, 10*time.Millisecond)
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("Join() = %v, want ErrJoinTimeout", err)
	}
	if r.State() != Stopping {
		t.Errorf("abandoned loop state = %v, want stopping", r.State())
	}
}

func TestStop_Idempotent(t *testing.T) {
	r := Go(context.Background(), "idem", func(ctx context.Context, r *Runner) {
		<-r.StopCh()
	})
	r.Stop()
	r.Stop()
	if err := r.Join(time.Second, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := r.Join(time.Second, time.Second); err != nil {
		t.Fatalf("second Join() = %v", err)
	}
}

func TestSleep_InterruptedByStop(t *testing.T) {
	woke := make(chan bool, 1)
	r := Go(context.Background(), "sleeper", func(ctx context.Context, r *Runner) {
		woke <- r.Sleep(ctx, time.Hour)
	})
	r.Stop()

	select {
	case ok := <-woke:
		if ok {
			t.Error("Sleep reported full duration")
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep not interrupted by Stop")
	}
	_ = r.Join(time.Second, time.Second)
}

func TestGroup(t *testing.T) {
	var g Group
	for i := 0; i < 3; i++ {
		g.Add(Go(context.Background(), "member", func(ctx context.Context, r *Runner) {
			<-r.StopCh()
		}))
	}
	g.Add(nil)

	g.Stop()
	if err := g.Join(time.Second, time.Second); err != nil {
		t.Fatal(err)
	}
}
