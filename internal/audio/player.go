package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-mirror/internal/lifecycle"
)

// PollInterval is how often the position cache is refreshed.
const PollInterval = 16 * time.Millisecond

const prerollTimeout = 5 * time.Second

// ErrNotLoaded is returned by Play before Load.
var ErrNotLoaded = errors.New("audio: not loaded")

// Player plays an audio track and exposes its position as a master clock.
//
// PositionMS never touches the pipeline; it reads the cache written by the
// poller, so any goroutine may call it.
type Player struct {
	// Sink is the output element (default autoaudiosink).
	Sink string

	mu         sync.Mutex
	pipeline   *gst.Pipeline
	poller     *lifecycle.Runner
	rate       float64
	durationMS float64

	posBits atomic.Uint64
	playing atomic.Bool
	eos     atomic.Bool
}

// NewPlayer returns an unloaded player.
func NewPlayer() *Player {
	return &Player{Sink: "autoaudiosink", rate: 1}
}

// Load builds the pipeline for path and prerolls it paused.
func (p *Player) Load(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	p.Close()

	pipeline, err := p.buildPipeline(path)
	if err != nil {
		return err
	}
	if err := pipeline.SetState(gst.StatePaused); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("audio: preroll: %w", err)
	}
	if err := waitPreroll(pipeline); err != nil {
		pipeline.SetState(gst.StateNull)
		return err
	}

	var dur float64
	if ok, ns := pipeline.QueryDuration(gst.FormatTime); ok && ns > 0 {
		dur = float64(ns) / 1e6
	}

	p.mu.Lock()
	p.pipeline = pipeline
	p.durationMS = dur
	p.rate = 1
	p.mu.Unlock()
	p.posBits.Store(math.Float64bits(0))
	p.eos.Store(false)

	p.poller = lifecycle.Go(ctx, "audio-poller", p.poll)

	slog.Info("audio: loaded", "path", path, "duration_ms", dur, "sink", p.Sink)
	return nil
}

func (p *Player) buildPipeline(path string) (*gst.Pipeline, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("audio: create pipeline: %w", err)
	}

	names := []string{"filesrc", "decodebin", "audioconvert", "audioresample", "scaletempo", p.Sink}
	elems := make([]*gst.Element, len(names))
	for i, name := range names {
		e, err := gst.NewElement(name)
		if err != nil {
			return nil, fmt.Errorf("audio: create %s: %w", name, err)
		}
		elems[i] = e
	}
	src, decode, convert := elems[0], elems[1], elems[2]
	src.SetProperty("location", path)

	if err := pipeline.AddMany(elems...); err != nil {
		return nil, fmt.Errorf("audio: add elements: %w", err)
	}
	if err := src.Link(decode); err != nil {
		return nil, fmt.Errorf("audio: link source: %w", err)
	}
	if err := gst.ElementLinkMany(elems[2:]...); err != nil {
		return nil, fmt.Errorf("audio: link chain: %w", err)
	}

	// Video pads fail to link against audioconvert and are left unlinked.
	decode.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := convert.GetStaticPad("sink")
		if sinkPad == nil || sinkPad.IsLinked() {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Debug("audio: decoder pad not linked", "pad", srcPad.GetName(), "result", ret)
		}
	})
	return pipeline, nil
}

func waitPreroll(pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(prerollTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageAsyncDone:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("audio: preroll: %s", gerr.Error())
		}
	}
	return errors.New("audio: preroll timed out")
}

// poll refreshes the position cache and drains the bus.
func (p *Player) poll(ctx context.Context, r *lifecycle.Runner) {
	for r.Sleep(ctx, PollInterval) {
		p.mu.Lock()
		pipeline := p.pipeline
		p.mu.Unlock()
		if pipeline == nil {
			return
		}

		if ok, ns := pipeline.QueryPosition(gst.FormatTime); ok && ns >= 0 {
			p.posBits.Store(math.Float64bits(float64(ns) / 1e6))
		}

		for msg := pipeline.GetPipelineBus().Pop(); msg != nil; msg = pipeline.GetPipelineBus().Pop() {
			switch msg.Type() {
			case gst.MessageEOS:
				p.eos.Store(true)
				p.playing.Store(false)
				slog.Info("audio: end of stream")
			case gst.MessageError:
				gerr := msg.ParseError()
				slog.Error("audio: pipeline error", "error", gerr.Error(), "debug", gerr.DebugString())
			}
		}
	}
}

// PositionMS returns the cached playback position.
func (p *Player) PositionMS() float64 {
	return math.Float64frombits(p.posBits.Load())
}

// DurationMS returns the track length found at Load.
func (p *Player) DurationMS() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.durationMS
}

// Ended reports whether the track reached its end.
func (p *Player) Ended() bool { return p.eos.Load() }

func (p *Player) setState(state gst.State) {
	p.mu.Lock()
	pipeline := p.pipeline
	p.mu.Unlock()
	if pipeline == nil {
		return
	}
	if err := pipeline.SetState(state); err != nil {
		slog.Warn("audio: state change failed", "state", state, "error", err)
	}
}

func (p *Player) Play() {
	p.setState(gst.StatePlaying)
	p.playing.Store(true)
}

func (p *Player) Pause() {
	p.setState(gst.StatePaused)
	p.playing.Store(false)
}

// Seek jumps to ms; the cache is updated immediately.
func (p *Player) Seek(ms float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ms = math.Max(0, ms)
	if p.durationMS > 0 {
		ms = math.Min(ms, p.durationMS)
	}
	p.sendSeek(p.rate, ms)
	p.posBits.Store(math.Float64bits(ms))
	p.eos.Store(false)
}

// SetRate changes the tempo at the current position; scaletempo keeps pitch.
func (p *Player) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rate = rate
	p.sendSeek(rate, p.PositionMS())
}

// sendSeek must be called with p.mu held.
func (p *Player) sendSeek(rate, ms float64) {
	if p.pipeline == nil {
		return
	}
	ev := gst.NewSeekEvent(
		rate,
		gst.FormatTime,
		gst.SeekFlagFlush|gst.SeekFlagAccurate,
		gst.SeekTypeSet, int64(ms*1e6),
		gst.SeekTypeNone, -1,
	)
	if !p.pipeline.SendEvent(ev) {
		slog.Warn("audio: seek rejected", "position_ms", ms, "rate", rate)
	}
}

// Close stops the poller and releases the pipeline.
func (p *Player) Close() error {
	if p.poller != nil {
		p.poller.Join(100*time.Millisecond, 50*time.Millisecond)
		p.poller = nil
	}

	p.mu.Lock()
	pipeline := p.pipeline
	p.pipeline = nil
	p.mu.Unlock()
	p.playing.Store(false)

	if pipeline == nil {
		return nil
	}
	if err := pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("audio: close: %w", err)
	}
	return nil
}
