package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/orion-mirror/internal/config"
	"github.com/e7canasta/orion-mirror/internal/logging"
)

const defaultConfigPath = "config/mirror.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logFormat := flag.String("log-format", logging.FormatJSON, "Log format: json or text")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirrord: %v\n", err)
		os.Exit(1)
	}

	logs, err := logging.Setup(cfg.Logging, *debug, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirrord: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()

	slog.Info("starting mirror service",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"backend", cfg.Pose.Backend,
		"debug", *debug,
	)

	if err := run(cfg, *configPath); err != nil {
		slog.Error("mirror service failed", "error", err)
		logs.Close()
		os.Exit(1)
	}
	slog.Info("mirror service stopped successfully")
}

func run(cfg *config.Config, configPath string) error {
	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}

	go func() {
		err := config.Watch(ctx, configPath, config.DefaultDebounce, d.reload)
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
	}()

	if err := d.start(ctx); err != nil {
		d.shutdown(context.Background())
		return err
	}

	// Wait for shutdown signal, session end or shutdown command
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		go func() {
			sig := <-sigChan
			slog.Warn("second signal, exiting without report", "signal", sig)
			os.Exit(1)
		}()
	case <-d.session.Done():
		slog.Info("session finished")
	case <-d.shutdownRequested:
		slog.Info("service stopping (via MQTT shutdown command)")
	}

	// Graceful shutdown
	shutdownTimeout := cfg.Session.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	return d.shutdown(shutdownCtx)
}
