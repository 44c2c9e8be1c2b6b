package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/e7canasta/orion-mirror/internal/detector"
	"github.com/e7canasta/orion-mirror/internal/pose"
	"github.com/e7canasta/orion-mirror/internal/producer"
	"github.com/e7canasta/orion-mirror/internal/session"
)

const (
	joinTimeout = 500 * time.Millisecond
	forceGrace  = 100 * time.Millisecond
)

// extractor estimates one pose every stepMS of media time and collects the
// normalized poses into a reference index.
type extractor struct {
	media    *producer.Media
	detector detector.Detector
	norm     *pose.Normalizer
	stepMS   float64
	bar      *pb.ProgressBar

	sampled uint64
	missed  uint64
	failed  uint64
}

func (e *extractor) run(ctx context.Context) (*session.ReferenceIndex, error) {
	frames, err := e.media.Start(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		e.media.Stop()
		if err := e.media.Join(joinTimeout, forceGrace); err != nil {
			slog.Warn("media did not stop cleanly", "error", err)
		}
	}()
	e.media.SetRate(producer.MaxRate)
	e.media.Play()

	idx := session.NewReferenceIndex()
	last := math.Inf(-1)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-e.media.Errors():
			return nil, err
		case p := <-e.media.Progress():
			e.bar.SetCurrent(int64(p.CurrentMS))
		case f, ok := <-frames:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				select {
				case err := <-e.media.Errors():
					return nil, err
				default:
					return idx, nil
				}
			}
			if f.TimestampMS-last < e.stepMS {
				continue
			}
			last = f.TimestampMS
			e.sample(ctx, idx, f)
		}
	}
}

func (e *extractor) sample(ctx context.Context, idx *session.ReferenceIndex, f producer.Frame) {
	e.sampled++
	p, err := e.detector.Detect(ctx, detector.Image{
		Seq:         f.Seq,
		TimestampMS: f.TimestampMS,
		Width:       f.Width,
		Height:      f.Height,
		Data:        f.Data,
	})
	if err != nil {
		e.failed++
		slog.Debug("estimation failed", "timestamp_ms", f.TimestampMS, "error", err)
		return
	}
	if p == nil {
		e.missed++
		return
	}
	np, ok := e.norm.Normalize(p, false, true)
	if !ok {
		e.missed++
		return
	}
	idx.Add(f.TimestampMS, np)
	e.bar.SetCurrent(int64(f.TimestampMS))
}

// writeIndex writes idx to path through a temporary file in the same
// directory, so readers never see a partial index.
func writeIndex(path, source string, idx *session.ReferenceIndex) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mirror-index-*")
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := idx.Encode(tmp, source); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
