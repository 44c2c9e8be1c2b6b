// Command mirror-extract precomputes the normalized poses of a reference
// video into an index the mirror daemon can load with pose.reference_index.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cheggaaa/pb/v3"

	"github.com/e7canasta/orion-mirror/internal/config"
	"github.com/e7canasta/orion-mirror/internal/detector"
	"github.com/e7canasta/orion-mirror/internal/logging"
	"github.com/e7canasta/orion-mirror/internal/pose"
	"github.com/e7canasta/orion-mirror/internal/producer"
)

func main() {
	configPath := flag.String("config", "config/mirror.yaml", "Path to configuration file (pose backend and smoothing)")
	mediaPath := flag.String("media", "", "Reference video (default: media.path)")
	outPath := flag.String("out", "", "Output index (default: pose.reference_index, else <media>.poses)")
	stepMS := flag.Float64("step-ms", 33, "Media time between two estimations")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirror-extract: %v\n", err)
		os.Exit(1)
	}
	// progress goes to stderr; keep logs readable next to it
	logs, err := logging.Setup(cfg.Logging, *debug, logging.FormatText)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirror-extract: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()

	media := *mediaPath
	if media == "" {
		media = cfg.Media.Path
	}
	out := *outPath
	switch {
	case out != "":
	case cfg.Pose.ReferenceIndex != "":
		out = cfg.Pose.ReferenceIndex
	default:
		out = strings.TrimSuffix(media, ".mp4") + ".poses"
	}

	if err := run(cfg, media, out, *stepMS); err != nil {
		slog.Error("extraction failed", "error", err)
		logs.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, media, out string, stepMS float64) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := producer.NewMedia()
	info, err := m.Load(media)
	if err != nil {
		return err
	}

	det, err := detector.New(ctx, cfg.Pose, "extract")
	if err != nil {
		return err
	}
	defer det.Close()

	bar := pb.New64(int64(info.DurationMS))
	bar.SetTemplate(pb.Full)
	bar.SetWriter(os.Stderr)
	bar.Start()

	e := &extractor{
		media:    m,
		detector: det,
		norm:     pose.NewNormalizer(cfg.Scoring.ReferenceSmoothing),
		stepMS:   stepMS,
		bar:      bar,
	}
	idx, err := e.run(ctx)
	bar.Finish()
	if err != nil {
		return err
	}

	slog.Info("reference poses extracted",
		"media", media,
		"duration_ms", info.DurationMS,
		"sampled", e.sampled,
		"poses", idx.Len(),
		"missed", e.missed,
		"failed", e.failed,
	)
	if idx.Len() == 0 {
		return fmt.Errorf("no pose found in %s", media)
	}

	if err := writeIndex(out, media, idx); err != nil {
		return err
	}
	slog.Info("reference index written", "path", out)
	return nil
}
