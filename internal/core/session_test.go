package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-mirror/internal/audio"
	"github.com/e7canasta/orion-mirror/internal/config"
	"github.com/e7canasta/orion-mirror/internal/detector"
	"github.com/e7canasta/orion-mirror/internal/emitter"
	"github.com/e7canasta/orion-mirror/internal/metrics"
	"github.com/e7canasta/orion-mirror/internal/pose"
	"github.com/e7canasta/orion-mirror/internal/producer"
	"github.com/e7canasta/orion-mirror/internal/session"
)

// countDecoder yields n blank frames, then io.EOF.
type countDecoder struct{ n int }

func (d *countDecoder) ReadFrame(buf []byte) error {
	if d.n <= 0 {
		return io.EOF
	}
	d.n--
	return nil
}

func (d *countDecoder) Close() error { return nil }

// newMedia returns a media producer over frames blank 4x4 frames at fps.
func newMedia(frames int, fps float64) *producer.Media {
	probe := func(path string) (producer.MediaInfo, error) {
		return producer.MediaInfo{
			DurationMS: float64(frames) / fps * 1000,
			Width:      4,
			Height:     4,
			FPS:        fps,
		}, nil
	}
	open := func(info producer.MediaInfo, startMS float64) (producer.Decoder, error) {
		return &countDecoder{n: frames - producer.FrameIndex(startMS, fps)}, nil
	}
	return producer.NewMediaWith(probe, open)
}

type recorder struct {
	mu      sync.Mutex
	scores  []emitter.ScoreMessage
	reports []session.Envelope
	saved   []session.Envelope
}

func (r *recorder) PublishScore(m emitter.ScoreMessage) error {
	r.mu.Lock()
	r.scores = append(r.scores, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) PublishReport(env session.Envelope) error {
	r.mu.Lock()
	r.reports = append(r.reports, env)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Save(_ context.Context, env session.Envelope) error {
	r.mu.Lock()
	r.saved = append(r.saved, env)
	r.mu.Unlock()
	return nil
}

func (r *recorder) counts() (scores, reports, saved int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scores), len(r.reports), len(r.saved)
}

func testConfig(t *testing.T, calibration bool) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
instance_id: test
media: {path: /fake/reference.mp4}
pose: {backend: scripted, request_interval_ms: 1}
session:
  tick_interval_ms: 20
  join_timeout_ms: 200
  force_grace_ms: 100
  calibration: %t
  calibration_hold_s: 3
`, calibration)
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Session.ReportDir = t.TempDir()
	return cfg
}

func standingDeps(media *producer.Media) Deps {
	return Deps{
		Capture:           producer.NewSynthetic(producer.Subject, 4, 4, 100),
		Media:             media,
		SubjectDetector:   detector.NewStanding(),
		ReferenceDetector: detector.NewStanding(),
	}
}

func waitDone(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(d):
		t.Fatalf("session did not end within %v (phase %s)", d, s.Phase())
	}
}

func TestSessionEndToEnd(t *testing.T) {
	cfg := testConfig(t, false)
	rec := &recorder{}
	display := NewMemoryDisplay()

	deps := standingDeps(newMedia(100, 100))
	deps.Display = display
	deps.Scores = rec
	deps.Reports = rec
	deps.Store = rec
	deps.Metrics = metrics.New(nil)

	s, err := NewSession(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Phase() != PhaseTraining {
		t.Errorf("phase = %s, want training without calibration", s.Phase())
	}

	// media ends after one second and the session ends on its own
	waitDone(t, s, 5*time.Second)

	res, err := s.End(context.Background())
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if len(res.Timeline) == 0 {
		t.Fatal("no score entries recorded")
	}
	// mirrored upright pose against the same upright pose
	if res.OverallScore != 100 || res.Grade != "A+" {
		t.Errorf("result = %d %s, want 100 A+", res.OverallScore, res.Grade)
	}

	scores, reports, saved := rec.counts()
	if scores == 0 || reports != 1 || saved != 1 {
		t.Fatalf("scores=%d reports=%d saved=%d", scores, reports, saved)
	}
	if rec.reports[0].SessionID != s.ID() || rec.reports[0].InstanceID != "test" {
		t.Errorf("envelope = %+v", rec.reports[0])
	}

	if _, err := os.Stat(filepath.Join(cfg.Session.ReportDir, s.ID()+".json")); err != nil {
		t.Errorf("report file: %v", err)
	}

	snap := display.Snapshot()
	if snap[producer.Subject].Frames == 0 || snap[producer.Reference].Frames == 0 {
		t.Errorf("display snapshot = %+v", snap)
	}

	if !deps.SubjectDetector.(*detector.Scripted).Closed() || !deps.ReferenceDetector.(*detector.Scripted).Closed() {
		t.Error("detectors not closed at session end")
	}
	t.Logf("✅ session scored %d entries, %d %s", len(res.Timeline), res.OverallScore, res.Grade)
}

func TestSessionStartAbortsOnMediaFailure(t *testing.T) {
	cfg := testConfig(t, false)
	media := producer.NewMediaWith(
		func(string) (producer.MediaInfo, error) { return producer.MediaInfo{}, errors.New("no such file or directory") },
		func(producer.MediaInfo, float64) (producer.Decoder, error) { return nil, errors.New("unreachable") },
	)
	deps := standingDeps(media)

	s, err := NewSession(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Start(context.Background())
	var oerr *producer.OpenError
	if !errors.As(err, &oerr) {
		t.Fatalf("err = %v, want an OpenError", err)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after aborted start")
	}
	if !deps.SubjectDetector.(*detector.Scripted).Closed() {
		t.Error("detectors must be released on abort")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v", err)
	}
}

func TestSessionRejectsSharedDetector(t *testing.T) {
	d := detector.NewStanding()
	_, err := NewSession(testConfig(t, false), Deps{
		Capture:           producer.NewSynthetic(producer.Subject, 4, 4, 30),
		Media:             newMedia(10, 30),
		SubjectDetector:   d,
		ReferenceDetector: d,
	})
	if err == nil {
		t.Fatal("expected an error for a shared detector")
	}
}

func TestSessionCalibrationGate(t *testing.T) {
	t.Run("no person stays calibrating", func(t *testing.T) {
		deps := standingDeps(newMedia(1000, 100))
		deps.SubjectDetector = detector.NewScripted(func(detector.Image) (*pose.PoseResult, error) { return nil, nil }, 0)

		s, err := NewSession(testConfig(t, true), deps)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer s.End(context.Background())

		time.Sleep(200 * time.Millisecond)
		if s.Phase() != PhaseCalibrating {
			t.Errorf("phase = %s", s.Phase())
		}
		if deps.Media.Playing() {
			t.Error("media must not play during calibration")
		}
		if deps.ReferenceDetector.(*detector.Scripted).Calls() != 0 {
			t.Error("reference frames must not be estimated during calibration")
		}
		if st := s.Status()["calibration"].(map[string]any); st["status"] != "no person detected" {
			t.Errorf("calibration status = %v", st)
		}
	})

	t.Run("standing performer passes", func(t *testing.T) {
		// every reading of the clock advances one second
		var ticks atomic.Int64
		base := time.Now()
		deps := standingDeps(newMedia(1000, 100))
		deps.Now = func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Second) }

		s, err := NewSession(testConfig(t, true), deps)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer s.End(context.Background())

		deadline := time.Now().Add(3 * time.Second)
		for s.Phase() != PhaseTraining && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if s.Phase() != PhaseTraining {
			t.Fatalf("phase = %s, want training", s.Phase())
		}
		if !deps.Media.Playing() {
			t.Error("media should play once calibrated")
		}
		t.Logf("✅ calibration gate opened")
	})
}

func TestSessionControls(t *testing.T) {
	clock := audio.NewWallClock(10_000)
	deps := standingDeps(newMedia(1000, 100))
	deps.Clock = clock

	s, err := NewSession(testConfig(t, false), deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Resume(); !errors.Is(err, ErrNotTraining) {
		t.Errorf("Resume before start = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.Pause(); err != nil || deps.Media.Playing() {
		t.Errorf("Pause: err=%v playing=%v", err, deps.Media.Playing())
	}
	if err := s.TogglePlay(); err != nil || !deps.Media.Playing() {
		t.Errorf("TogglePlay: err=%v playing=%v", err, deps.Media.Playing())
	}

	if err := s.Seek(5000); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if pos := deps.Media.PositionMS(); pos < 5000 {
		t.Errorf("media position = %v after seek", pos)
	}
	if pos := clock.PositionMS(); pos < 5000 {
		t.Errorf("clock position = %v after seek", pos)
	}

	if err := s.SetRate(5); err != nil {
		t.Fatal(err)
	}
	if r := deps.Media.Rate(); r != producer.MaxRate {
		t.Errorf("rate = %v, want clamp to %v", r, producer.MaxRate)
	}

	time.Sleep(100 * time.Millisecond)
	if err := s.Restart(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if pos := deps.Media.PositionMS(); pos > 1000 {
		t.Errorf("position after restart = %v", pos)
	}

	res, err := s.End(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Phase() != PhaseEnded {
		t.Errorf("phase = %s", s.Phase())
	}
	if res.Grade == "" {
		t.Error("missing grade")
	}

	for name, fn := range map[string]func() error{
		"pause":   s.Pause,
		"resume":  s.Resume,
		"restart": s.Restart,
		"seek":    func() error { return s.Seek(0) },
	} {
		if err := fn(); !errors.Is(err, ErrEnded) {
			t.Errorf("%s after end = %v, want ErrEnded", name, err)
		}
	}

	// End is idempotent
	again, _ := s.End(context.Background())
	if again.OverallScore != res.OverallScore {
		t.Error("second End returned a different result")
	}
}

func TestSessionReferenceIndexFallback(t *testing.T) {
	n := pose.NewNormalizer(0)
	np, ok := n.Normalize(pose.Standing(0), false, false)
	if !ok {
		t.Fatal("standing pose must normalize")
	}
	idx := session.NewReferenceIndex()
	for ts := 0.0; ts <= 1000; ts += 50 {
		idx.Add(ts, np)
	}

	deps := standingDeps(newMedia(100, 100))
	deps.ReferenceDetector = detector.NewScripted(func(detector.Image) (*pose.PoseResult, error) { return nil, nil }, 0)
	deps.Reference = idx

	s, err := NewSession(testConfig(t, false), deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, s, 5*time.Second)

	res, _ := s.End(context.Background())
	if len(res.Timeline) == 0 {
		t.Fatal("reference index did not stand in for the missing reference pose")
	}
	if res.OverallScore != 100 {
		t.Errorf("score = %d", res.OverallScore)
	}
}

func TestSessionHealth(t *testing.T) {
	s, err := NewSession(testConfig(t, false), standingDeps(newMedia(1000, 100)))
	if err != nil {
		t.Fatal(err)
	}
	if h := s.Health(false); h.Status != metrics.StatusUnhealthy {
		t.Errorf("before start: %s", h.Status)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h := s.Health(true); h.Status != metrics.StatusHealthy || h.Phase != "training" || !h.MQTTConnected {
		t.Errorf("running: %+v", h)
	}

	s.setErr(errors.New("camera unplugged"))
	if h := s.Health(true); h.Status != metrics.StatusDegraded {
		t.Errorf("after producer error: %s", h.Status)
	}

	snap := s.Snapshot()
	if len(snap.Producers) != 2 || !snap.Scheduler.IsRunning {
		t.Errorf("snapshot = %+v", snap)
	}

	s.End(context.Background())
	if h := s.Health(true); h.Phase != "ended" {
		t.Errorf("after end: %+v", h)
	}
}

func TestMemoryDisplay(t *testing.T) {
	d := NewMemoryDisplay()
	d.UpdateFrame(producer.Frame{Seq: 7, Stream: producer.Subject, Width: 4, Height: 4, TimestampMS: 70})
	d.UpdatePose(producer.Subject, pose.Standing(70))

	f, p, ok := d.Latest(producer.Subject)
	if !ok || f.Seq != 7 || p == nil {
		t.Fatalf("latest = %+v %v %v", f, p, ok)
	}
	st := d.Snapshot()[producer.Subject]
	if !st.PoseFound || st.VisibleKeypoints != pose.NumKeypoints || st.Frames != 1 {
		t.Errorf("state = %+v", st)
	}

	d.UpdatePose(producer.Subject, nil)
	if st := d.Snapshot()[producer.Subject]; st.PoseFound {
		t.Error("nil pose must clear the overlay")
	}
	if _, _, ok := d.Latest(producer.Reference); ok {
		t.Error("no reference frame was shown")
	}
}

func TestSessionCallbacks(t *testing.T) {
	deps := standingDeps(newMedia(1000, 100))
	s, err := NewSession(testConfig(t, false), deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var shutdowns int
	cb := s.Callbacks(context.Background(), func() error { shutdowns++; return nil })

	status := cb.OnGetStatus()
	if status["session_id"] != s.ID() || status["phase"] != "training" {
		t.Errorf("status = %v", status)
	}
	if err := cb.OnPause(); err != nil || deps.Media.Playing() {
		t.Errorf("pause: %v", err)
	}
	if err := cb.OnPlay(); err != nil || !deps.Media.Playing() {
		t.Errorf("play: %v", err)
	}
	if err := cb.OnSetRate(0.5); err != nil || deps.Media.Rate() != 0.5 {
		t.Errorf("set_rate: %v rate=%v", err, deps.Media.Rate())
	}

	s.ApplyTunables(config.Tunables{
		RequestInterval:    5 * time.Millisecond,
		ScoreSmoothing:     0.2,
		SubjectSmoothing:   0.1,
		ReferenceSmoothing: 0.1,
	})
	s.SetMirror(false)

	data, err := cb.OnEndSession()
	if err != nil {
		t.Fatal(err)
	}
	if data["session_id"] != s.ID() {
		t.Errorf("end_session data = %v", data)
	}
	if _, ok := data["report"].(session.Report); !ok {
		t.Errorf("report = %T", data["report"])
	}
	if err := cb.OnShutdown(); err != nil || shutdowns != 1 {
		t.Errorf("shutdown: %v (%d calls)", err, shutdowns)
	}
}
