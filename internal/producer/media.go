package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-mirror/internal/audio"
	"github.com/e7canasta/orion-mirror/internal/lifecycle"
)

// Playback rate bounds.
const (
	MinRate = 0.25
	MaxRate = 2.0
)

// Media loop timing.
const (
	pausedSleep   = 10 * time.Millisecond
	intervalSleep = 1 * time.Millisecond
	stallSleep    = 5 * time.Millisecond
)

// MediaInfo describes a loaded reference video.
type MediaInfo struct {
	Path       string  `json:"path"`
	DurationMS float64 `json:"duration_ms"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
}

// Progress is a playback position event.
type Progress struct {
	CurrentMS  float64 `json:"current_ms"`
	DurationMS float64 `json:"duration_ms"`
}

// Decoder yields consecutive RGB24 frames of a media file.
//
// Implementations are used from the media loop goroutine only.
type Decoder interface {
	// ReadFrame fills buf with the next frame; io.EOF at end of stream.
	ReadFrame(buf []byte) error
	Close() error
}

// DecoderOpener opens a decoder positioned at startMS.
type DecoderOpener func(info MediaInfo, startMS float64) (Decoder, error)

// Prober inspects a media file.
type Prober func(path string) (MediaInfo, error)

// Media is the reference-media producer.
//
// The loop paces reads at (1/fps)/rate, honors pause/seek/rate requests,
// and, when an audio clock is attached with sync enabled, follows it:
// drift > +100ms seeks forward, drift < -50ms stalls, otherwise reads.
// End of stream sets Ended and the loop exits.
type Media struct {
	probe Prober
	open  DecoderOpener

	mu     sync.Mutex
	info   MediaInfo
	loaded bool
	runner *lifecycle.Runner
	clock  audio.PositionReader
	errs   chan error

	progress chan Progress

	playing     atomic.Bool
	ended       atomic.Bool
	syncEnabled atomic.Bool
	rateBits    atomic.Uint64
	posBits     atomic.Uint64
	seekBits    atomic.Uint64 // math.Float64bits of target, NaN = none

	seq         atomic.Uint64
	dropped     atomic.Uint64
	bytesRead   atomic.Uint64
	syncSeeks   atomic.Uint64
	syncStalls  atomic.Uint64
	lastFrameAt atomic.Int64
	startedAtNS atomic.Int64
}

// NewMedia returns a media producer backed by ffmpeg.
func NewMedia() *Media {
	return NewMediaWith(ProbeFFmpeg, OpenFFmpeg)
}

// NewMediaWith returns a media producer with custom probe and decoder.
func NewMediaWith(probe Prober, open DecoderOpener) *Media {
	m := &Media{
		probe:    probe,
		open:     open,
		errs:     make(chan error, 1),
		progress: make(chan Progress, 1),
	}
	m.rateBits.Store(math.Float64bits(1.0))
	m.seekBits.Store(math.Float64bits(math.NaN()))
	return m
}

// Load probes path. A failure here is a producer open failure.
func (m *Media) Load(path string) (MediaInfo, error) {
	info, err := m.probe(path)
	if err != nil {
		oerr := &OpenError{Stream: Reference, Source: path, Category: ClassifyError(err.Error(), ""), Err: err}
		select {
		case m.errs <- oerr:
		default:
		}
		return MediaInfo{}, oerr
	}
	if info.FPS <= 0 {
		info.FPS = 30
	}
	info.Path = path

	m.mu.Lock()
	m.info = info
	m.loaded = true
	m.mu.Unlock()

	m.posBits.Store(math.Float64bits(0))
	m.ended.Store(false)

	slog.Info("producer: media loaded",
		"path", path,
		"duration_ms", info.DurationMS,
		"width", info.Width,
		"height", info.Height,
		"fps", info.FPS,
	)
	return info, nil
}

// Info returns the loaded media description.
func (m *Media) Info() MediaInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// SetClock attaches the audio master clock; nil detaches it.
func (m *Media) SetClock(clock audio.PositionReader) {
	m.mu.Lock()
	m.clock = clock
	m.mu.Unlock()
}

// SetSync enables or disables audio-driven sync.
func (m *Media) SetSync(enabled bool) { m.syncEnabled.Store(enabled) }

// Play resumes playback.
func (m *Media) Play() { m.playing.Store(true) }

// Pause suspends playback.
func (m *Media) Pause() { m.playing.Store(false) }

// Playing reports whether playback is active.
func (m *Media) Playing() bool { return m.playing.Load() }

// Ended reports whether end of stream was reached.
func (m *Media) Ended() bool { return m.ended.Load() }

// SetRate sets the playback multiplier, clamped to [0.25, 2.0].
func (m *Media) SetRate(r float64) float64 {
	r = math.Max(MinRate, math.Min(MaxRate, r))
	m.rateBits.Store(math.Float64bits(r))
	return r
}

// Rate returns the playback multiplier.
func (m *Media) Rate() float64 { return math.Float64frombits(m.rateBits.Load()) }

// Seek requests a jump to ms, clamped to [0, duration]. The position is
// updated immediately; the decoder is repositioned by the loop.
func (m *Media) Seek(ms float64) float64 {
	m.mu.Lock()
	dur := m.info.DurationMS
	m.mu.Unlock()

	ms = math.Max(0, ms)
	if dur > 0 {
		ms = math.Min(ms, dur)
	}
	m.seekBits.Store(math.Float64bits(ms))
	m.posBits.Store(math.Float64bits(ms))
	return ms
}

// PositionMS returns the current playback position.
func (m *Media) PositionMS() float64 { return math.Float64frombits(m.posBits.Load()) }

// Progress delivers the latest position event.
func (m *Media) Progress() <-chan Progress { return m.progress }

// Errors reports open and decode failures.
func (m *Media) Errors() <-chan error { return m.errs }

// FrameIndex converts a position to a frame number.
func FrameIndex(ms, fps float64) int {
	return int(ms / 1000 * fps)
}

// Start launches the playback loop. Load must have succeeded.
func (m *Media) Start(ctx context.Context) (<-chan Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return nil, ErrNotLoaded
	}
	if m.runner != nil {
		return nil, ErrAlreadyStarted
	}

	dec, err := m.open(m.info, m.PositionMS())
	if err != nil {
		oerr := &OpenError{Stream: Reference, Source: m.info.Path, Category: ClassifyError(err.Error(), ""), Err: err}
		select {
		case m.errs <- oerr:
		default:
		}
		return nil, oerr
	}

	frames := make(chan Frame, frameChanSize)
	m.startedAtNS.Store(time.Now().UnixNano())
	info := m.info

	m.runner = lifecycle.Go(ctx, "media", func(ctx context.Context, r *lifecycle.Runner) {
		defer close(frames)
		m.loop(ctx, r, info, dec, frames)
	})
	return frames, nil
}

func (m *Media) takeSeek() (float64, bool) {
	v := math.Float64frombits(m.seekBits.Swap(math.Float64bits(math.NaN())))
	return v, !math.IsNaN(v)
}

func (m *Media) loop(ctx context.Context, r *lifecycle.Runner, info MediaInfo, dec Decoder, frames chan<- Frame) {
	defer func() {
		if dec != nil {
			dec.Close()
		}
	}()

	buf := make([]byte, info.Width*info.Height*3)
	frameIdx := FrameIndex(m.PositionMS(), info.FPS)
	var lastFrame time.Time

	reopen := func(ms float64) bool {
		if dec != nil {
			dec.Close()
		}
		var err error
		dec, err = m.open(info, ms)
		if err != nil {
			slog.Error("producer: media seek failed", "position_ms", ms, "error", err)
			select {
			case m.errs <- fmt.Errorf("producer: media seek: %w", err):
			default:
			}
			dec = nil
			return false
		}
		frameIdx = FrameIndex(ms, info.FPS)
		m.posBits.Store(math.Float64bits(ms))
		return true
	}

	for r.Running() {
		if ms, ok := m.takeSeek(); ok {
			if !reopen(ms) {
				return
			}
			m.publishProgress(ms, info.DurationMS)
		}

		if !m.playing.Load() {
			if !r.Sleep(ctx, pausedSleep) {
				return
			}
			continue
		}

		interval := time.Duration(float64(time.Second) / info.FPS / m.Rate())
		if !lastFrame.IsZero() && time.Since(lastFrame) < interval {
			if !r.Sleep(ctx, intervalSleep) {
				return
			}
			continue
		}

		m.mu.Lock()
		clock := m.clock
		m.mu.Unlock()
		if clock != nil && m.syncEnabled.Load() {
			audioMS := clock.PositionMS()
			switch SyncDecision(m.PositionMS(), audioMS) {
			case SyncSeek:
				m.syncSeeks.Add(1)
				target := math.Min(audioMS, info.DurationMS)
				slog.Debug("producer: media behind audio, seeking",
					"video_ms", m.PositionMS(),
					"audio_ms", audioMS,
				)
				if !reopen(float64(FrameIndex(target, info.FPS)) / info.FPS * 1000) {
					return
				}
			case SyncStall:
				m.syncStalls.Add(1)
				if !r.Sleep(ctx, stallSleep) {
					return
				}
				continue
			}
		}

		err := dec.ReadFrame(buf)
		if err != nil {
			m.ended.Store(true)
			m.playing.Store(false)
			m.publishProgress(info.DurationMS, info.DurationMS)
			if isEOF(err) {
				slog.Info("producer: media ended", "frames", m.seq.Load())
			} else {
				slog.Error("producer: media decode failed", "error", err)
				select {
				case m.errs <- fmt.Errorf("producer: media decode: %w", err):
				default:
				}
			}
			return
		}

		now := time.Now()
		lastFrame = now
		posMS := float64(frameIdx) / info.FPS * 1000
		frameIdx++
		m.posBits.Store(math.Float64bits(posMS))

		data := make([]byte, len(buf))
		copy(data, buf)
		m.bytesRead.Add(uint64(len(data)))

		select {
		case frames <- Frame{
			Seq:         m.seq.Add(1),
			TimestampMS: posMS,
			Width:       info.Width,
			Height:      info.Height,
			Data:        data,
			Stream:      Reference,
			TraceID:     uuid.New().String(),
		}:
			m.lastFrameAt.Store(now.UnixNano())
		default:
			m.dropped.Add(1)
		}
		m.publishProgress(posMS, info.DurationMS)
	}
}

// publishProgress keeps only the latest event in the channel.
func (m *Media) publishProgress(cur, dur float64) {
	p := Progress{CurrentMS: cur, DurationMS: dur}
	for {
		select {
		case m.progress <- p:
			return
		default:
		}
		select {
		case <-m.progress:
		default:
		}
	}
}

// Stop flips the loop flag and pauses playback.
func (m *Media) Stop() {
	m.playing.Store(false)
	m.syncEnabled.Store(false)
	m.mu.Lock()
	r := m.runner
	m.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

// Join waits for the loop to exit.
func (m *Media) Join(timeout, grace time.Duration) error {
	m.mu.Lock()
	r := m.runner
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	if err := r.Join(timeout, grace); err != nil {
		return fmt.Errorf("producer media: %w", err)
	}
	slog.Info("producer: media stopped",
		"frames", m.seq.Load(),
		"dropped", m.dropped.Load(),
		"sync_seeks", m.syncSeeks.Load(),
		"sync_stalls", m.syncStalls.Load(),
	)
	return nil
}

// SyncCounts returns how many drift seeks and stalls occurred.
func (m *Media) SyncCounts() (seeks, stalls uint64) {
	return m.syncSeeks.Load(), m.syncStalls.Load()
}

// Stats returns playback counters.
func (m *Media) Stats() Stats {
	m.mu.Lock()
	r, info := m.runner, m.info
	m.mu.Unlock()

	st := Stats{
		Stream:        Reference,
		FrameCount:    m.seq.Load(),
		FramesDropped: m.dropped.Load(),
		BytesRead:     m.bytesRead.Load(),
		FPSTarget:     info.FPS * m.Rate(),
		IsRunning:     r != nil && r.Running(),
	}
	if ns := m.startedAtNS.Load(); ns > 0 {
		st.StartedAt = time.Unix(0, ns)
	}
	if ns := m.lastFrameAt.Load(); ns > 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	if elapsed := time.Since(st.StartedAt).Seconds(); st.IsRunning && elapsed > 0 {
		st.FPSReal = float64(st.FrameCount) / elapsed
	}
	return st
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
