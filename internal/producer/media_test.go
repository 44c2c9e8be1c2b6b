package producer

import (
	"context"
	"errors"
	"io"
	"math"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// fakeDecoder yields frames until the end of a clip of total frames.
type fakeDecoder struct {
	next, total int
}

func (d *fakeDecoder) ReadFrame(buf []byte) error {
	if d.next >= d.total {
		return io.EOF
	}
	for i := range buf {
		buf[i] = byte(d.next)
	}
	d.next++
	return nil
}

func (d *fakeDecoder) Close() error { return nil }

type fakeMedia struct {
	info MediaInfo

	mu    sync.Mutex
	opens []float64
}

func (f *fakeMedia) probe(path string) (MediaInfo, error) {
	if path == "missing.mp4" {
		return MediaInfo{}, errors.New("no such file or directory")
	}
	return f.info, nil
}

func (f *fakeMedia) open(info MediaInfo, startMS float64) (Decoder, error) {
	f.mu.Lock()
	f.opens = append(f.opens, startMS)
	f.mu.Unlock()
	total := int(info.DurationMS / 1000 * info.FPS)
	return &fakeDecoder{next: FrameIndex(startMS, info.FPS), total: total}, nil
}

func (f *fakeMedia) openedAt() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.opens...)
}

// 10 frames at 100 fps.
func newFakeMedia() (*Media, *fakeMedia) {
	f := &fakeMedia{info: MediaInfo{DurationMS: 100, Width: 4, Height: 2, FPS: 100}}
	return NewMediaWith(f.probe, f.open), f
}

type fixedClock float64

func (c fixedClock) PositionMS() float64 { return float64(c) }

func TestMediaStartRequiresLoad(t *testing.T) {
	m, _ := newFakeMedia()
	if _, err := m.Start(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Start before Load = %v, want ErrNotLoaded", err)
	}
}

func TestMediaLoadFailure(t *testing.T) {
	m, _ := newFakeMedia()
	_, err := m.Load("missing.mp4")
	var oerr *OpenError
	if !errors.As(err, &oerr) {
		t.Fatalf("Load error = %v, want *OpenError", err)
	}
	if oerr.Stream != Reference || oerr.Category != ErrCategoryDevice {
		t.Errorf("unexpected open error %+v", oerr)
	}
	select {
	case <-m.Errors():
	default:
		t.Error("load failure must be reported on Errors()")
	}
}

func TestMediaClamps(t *testing.T) {
	m, _ := newFakeMedia()
	if _, err := m.Load("clip.mp4"); err != nil {
		t.Fatal(err)
	}

	rates := []struct{ in, want float64 }{
		{1, 1}, {5, MaxRate}, {0.1, MinRate}, {0.5, 0.5}, {-1, MinRate},
	}
	for _, tt := range rates {
		if got := m.SetRate(tt.in); got != tt.want {
			t.Errorf("SetRate(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	seeks := []struct{ in, want float64 }{
		{-5, 0}, {50, 50}, {5000, 100},
	}
	for _, tt := range seeks {
		if got := m.Seek(tt.in); got != tt.want {
			t.Errorf("Seek(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if m.PositionMS() != tt.want {
			t.Errorf("PositionMS after Seek(%v) = %v", tt.in, m.PositionMS())
		}
	}

	if FrameIndex(1500, 30) != 45 {
		t.Errorf("FrameIndex(1500, 30) = %d, want 45", FrameIndex(1500, 30))
	}
}

func TestMediaPlaysToEnd(t *testing.T) {
	m, _ := newFakeMedia()
	if _, err := m.Load("clip.mp4"); err != nil {
		t.Fatal(err)
	}
	m.Play()
	frames, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []float64
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				break loop
			}
			if f.Stream != Reference || len(f.Data) != 4*2*3 {
				t.Errorf("unexpected frame %+v", f)
			}
			got = append(got, f.TimestampMS)
		case <-timeout:
			t.Fatal("playback did not end")
		}
	}

	if !m.Ended() || m.Playing() {
		t.Errorf("Ended=%v Playing=%v after end of stream", m.Ended(), m.Playing())
	}
	st := m.Stats()
	if int(st.FrameCount) != 10 || len(got)+int(st.FramesDropped) != 10 {
		t.Errorf("frames: emitted %d, received %d, dropped %d", st.FrameCount, len(got), st.FramesDropped)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("timestamps not increasing: %v", got)
		}
	}
	select {
	case p := <-m.Progress():
		if p.CurrentMS != p.DurationMS {
			t.Errorf("final progress %+v", p)
		}
	default:
		t.Error("no progress event")
	}
	if err := m.Join(time.Second, 50*time.Millisecond); err != nil {
		t.Errorf("Join: %v", err)
	}
	t.Logf("✅ %d frames, ended cleanly", len(got))
}

func TestMediaPausedEmitsNothing(t *testing.T) {
	m, _ := newFakeMedia()
	if _, err := m.Load("clip.mp4"); err != nil {
		t.Fatal(err)
	}
	frames, err := m.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		m.Stop()
		m.Join(time.Second, 50*time.Millisecond)
	}()

	select {
	case f := <-frames:
		t.Fatalf("paused producer emitted %+v", f)
	case <-time.After(50 * time.Millisecond):
	}

	m.Play()
	select {
	case <-frames:
	case <-time.After(time.Second):
		t.Fatal("no frame after Play")
	}
}

func TestMediaSeekBeforeStart(t *testing.T) {
	m, f := newFakeMedia()
	if _, err := m.Load("clip.mp4"); err != nil {
		t.Fatal(err)
	}
	m.Seek(50)
	m.Play()
	frames, err := m.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		m.Stop()
		m.Join(time.Second, 50*time.Millisecond)
	}()

	select {
	case fr := <-frames:
		if math.Abs(fr.TimestampMS-50) > 1e-6 {
			t.Errorf("first frame at %v ms, want 50", fr.TimestampMS)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame")
	}
	if opens := f.openedAt(); len(opens) == 0 || opens[0] != 50 {
		t.Errorf("decoder opened at %v, want 50", opens)
	}
}

func TestMediaFollowsAudioClock(t *testing.T) {
	f := &fakeMedia{info: MediaInfo{DurationMS: 1000, Width: 4, Height: 2, FPS: 100}}
	m := NewMediaWith(f.probe, f.open)
	if _, err := m.Load("clip.mp4"); err != nil {
		t.Fatal(err)
	}
	m.SetClock(fixedClock(300))
	m.SetSync(true)
	m.Play()

	frames, err := m.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		m.Stop()
		m.Join(time.Second, 50*time.Millisecond)
	}()

	select {
	case fr := <-frames:
		if math.Abs(fr.TimestampMS-300) > 1e-6 {
			t.Errorf("first frame at %v ms, want 300 (seeked to audio)", fr.TimestampMS)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame")
	}

	// Video runs ahead of the frozen clock and must stall.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, stalls := m.SyncCounts(); stalls > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	seeks, stalls := m.SyncCounts()
	if seeks == 0 || stalls == 0 {
		t.Errorf("SyncCounts() = (%d, %d), want both > 0", seeks, stalls)
	}
	if pos := m.PositionMS(); pos > 360 {
		t.Errorf("video drifted to %v ms past a clock frozen at 300", pos)
	}
}

func TestMediaFFmpeg(t *testing.T) {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}

	path := filepath.Join(t.TempDir(), "clip.mp4")
	err := ffmpeg.Input("testsrc=duration=1:size=64x48:rate=10", ffmpeg.KwArgs{"f": "lavfi"}).
		Output(path, ffmpeg.KwArgs{"pix_fmt": "yuv420p"}).
		OverWriteOutput().
		Run()
	if err != nil {
		t.Skipf("cannot generate test clip: %v", err)
	}

	m := NewMedia()
	info, err := m.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if info.Width != 64 || info.Height != 48 || math.Abs(info.FPS-10) > 0.01 {
		t.Errorf("info = %+v", info)
	}

	m.SetRate(MaxRate)
	m.Play()
	frames, err := m.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				break loop
			}
			if len(f.Data) != 64*48*3 {
				t.Fatalf("frame size %d", len(f.Data))
			}
			n++
		case <-timeout:
			t.Fatal("playback did not end")
		}
	}
	if n < 5 {
		t.Errorf("decoded %d frames, want about 10", n)
	}
	t.Logf("✅ decoded %d frames via ffmpeg", n)
}
