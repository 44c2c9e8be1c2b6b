package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/e7canasta/orion-mirror/internal/audio"
	"github.com/e7canasta/orion-mirror/internal/config"
	"github.com/e7canasta/orion-mirror/internal/control"
	"github.com/e7canasta/orion-mirror/internal/core"
	"github.com/e7canasta/orion-mirror/internal/detector"
	"github.com/e7canasta/orion-mirror/internal/emitter"
	"github.com/e7canasta/orion-mirror/internal/metrics"
	"github.com/e7canasta/orion-mirror/internal/producer"
	"github.com/e7canasta/orion-mirror/internal/session"
	"github.com/e7canasta/orion-mirror/internal/store"
)

// daemon owns one session and the services around it.
type daemon struct {
	cfg     *config.Config
	session *core.Session
	display *core.MemoryDisplay
	emitter *emitter.MQTTEmitter
	control *control.Handler
	store   *store.RedisStore
	server  *metrics.Server
	started bool

	shutdownRequested chan struct{}
	shutdownOnce      sync.Once
}

func newDaemon(ctx context.Context, cfg *config.Config) (d *daemon, err error) {
	d = &daemon{
		cfg:               cfg,
		display:           core.NewMemoryDisplay(),
		shutdownRequested: make(chan struct{}),
	}

	// released in reverse order when construction fails
	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	capture, err := newCapture(cfg.Capture)
	if err != nil {
		return nil, err
	}

	clock := newClock(ctx, cfg.Audio)
	cleanup = append(cleanup, func() { clock.Close() })

	var reference *session.ReferenceIndex
	if path := cfg.Pose.ReferenceIndex; path != "" {
		if reference, err = session.LoadReferenceIndex(path); err != nil {
			return nil, err
		}
		slog.Info("reference index loaded", "path", path, "poses", reference.Len())
	}

	deps := core.Deps{
		Capture:   capture,
		Media:     producer.NewMedia(),
		Clock:     clock,
		Display:   d.display,
		Reference: reference,
	}

	if cfg.MQTT.Broker != "" {
		d.emitter = emitter.NewMQTTEmitter(cfg.MQTT, cfg.InstanceID)
		if err = d.emitter.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect MQTT emitter: %w", err)
		}
		cleanup = append(cleanup, d.emitter.Disconnect)
		deps.Scores = d.emitter
		deps.Reports = d.emitter
	}

	if cfg.Redis.Addr != "" {
		if d.store, err = store.Connect(ctx, cfg.Redis); err != nil {
			return nil, err
		}
		cleanup = append(cleanup, func() { d.store.Close() })
		deps.Store = d.store
	}

	// the collector only runs on scrape, after the session exists
	deps.Metrics = metrics.New(func() metrics.Snapshot { return d.session.Snapshot() })

	if deps.SubjectDetector, err = detector.New(ctx, cfg.Pose, string(producer.Subject)); err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { deps.SubjectDetector.Close() })
	if deps.ReferenceDetector, err = detector.New(ctx, cfg.Pose, string(producer.Reference)); err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { deps.ReferenceDetector.Close() })

	if d.session, err = core.NewSession(cfg, deps); err != nil {
		return nil, err
	}

	if d.emitter != nil {
		d.control = control.NewHandler(cfg.MQTT, d.emitter.Client, d.session.Callbacks(ctx, d.requestShutdown))
	}
	if cfg.HTTP.Addr != "" {
		d.server = metrics.NewServer(cfg.HTTP.Addr, deps.Metrics, d.health, func() any { return d.display.Snapshot() })
	}
	return d, nil
}

func newCapture(cfg config.CaptureConfig) (producer.Producer, error) {
	if cfg.Source == "synthetic" {
		return producer.NewSynthetic(producer.Subject, cfg.Width, cfg.Height, cfg.FPS), nil
	}
	pc := producer.CaptureConfig{
		Source:    cfg.Source,
		Width:     cfg.Width,
		Height:    cfg.Height,
		TargetFPS: cfg.FPS,
		Flip:      cfg.Flip,
	}
	if cfg.Reconnect {
		pc.Reconnect = producer.DefaultReconnectConfig()
	}
	return producer.NewCapture(pc)
}

// newClock plays the audio track when enabled. Without audio, or when the
// track cannot be loaded, a wall clock drives playback.
func newClock(ctx context.Context, cfg config.AudioConfig) audio.Clock {
	if !cfg.Enabled {
		return audio.NewWallClock(0)
	}
	p := audio.NewPlayer()
	p.Sink = cfg.Sink
	if err := p.Load(ctx, cfg.Path); err != nil {
		slog.Warn("audio unavailable, falling back to wall clock", "path", cfg.Path, "error", err)
		return audio.NewWallClock(0)
	}
	return p
}

func (d *daemon) start(ctx context.Context) error {
	if err := d.session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	d.started = true

	if d.control != nil {
		if err := d.control.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control handler: %w", err)
		}
	}
	if d.server != nil {
		d.server.Start()
	}
	d.publishStatus()
	return nil
}

func (d *daemon) publishStatus() {
	if d.emitter == nil {
		return
	}
	if err := d.emitter.PublishStatus(d.session.Status()); err != nil {
		slog.Warn("failed to publish status", "error", err)
	}
}

func (d *daemon) health() metrics.HealthStatus {
	connected := d.emitter != nil && d.emitter.Stats().Connected
	return d.session.Health(connected)
}

func (d *daemon) requestShutdown() error {
	d.shutdownOnce.Do(func() { close(d.shutdownRequested) })
	return nil
}

// reload applies the tunables of a changed config file. Everything else
// needs a restart.
func (d *daemon) reload(cfg *config.Config) {
	d.session.ApplyTunables(cfg.Tunables())
	d.session.SetMirror(cfg.Scoring.Mirror())

	if cfg.Media.Path != d.cfg.Media.Path || cfg.Pose.Backend != d.cfg.Pose.Backend ||
		cfg.Capture.Source != d.cfg.Capture.Source {
		slog.Warn("config reload: media, capture and backend changes apply on restart")
	}
}

// shutdown ends the session, exports its report and releases the services.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error

	if d.control != nil {
		if err := d.control.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.started {
		res, err := d.session.End(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("session end: %w", err))
		}
		slog.Info("session report",
			"session_id", d.session.ID(),
			"overall_score", res.OverallScore,
			"grade", res.Grade,
			"duration_ms", res.DurationMS,
		)
		d.publishStatus()
	}
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.emitter != nil {
		d.emitter.Disconnect()
	}
	return errors.Join(errs...)
}
