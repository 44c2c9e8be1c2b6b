package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig controls exponential backoff for network sources.
type ReconnectConfig struct {
	MaxRetries    int           // attempts before giving up (0 disables reconnect)
	RetryDelay    time.Duration // first delay
	MaxRetryDelay time.Duration // delay cap
}

// DefaultReconnectConfig returns 5 retries from 1s, capped at 30s.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Backoff returns RetryDelay·2^(attempt-1), capped at MaxRetryDelay.
func (c ReconnectConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return c.MaxRetryDelay
	}
	delay := c.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > c.MaxRetryDelay || delay <= 0 {
		delay = c.MaxRetryDelay
	}
	return delay
}

// runWithReconnect calls connect until it returns nil, ctx ends, stop is
// closed, or retries run out. connect returning nil means a clean exit.
func runWithReconnect(
	ctx context.Context,
	stop <-chan struct{},
	name string,
	cfg ReconnectConfig,
	reconnects *atomic.Uint32,
	connect func(ctx context.Context) error,
) error {
	retries := 0
	for {
		err := connect(ctx)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		retries++
		reconnects.Add(1)
		if retries > cfg.MaxRetries {
			return fmt.Errorf("%s: max retries exceeded (%d attempts): %w", name, cfg.MaxRetries, err)
		}

		delay := cfg.Backoff(retries)
		slog.Warn("producer: retrying source",
			"source", name,
			"attempt", retries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		}
	}
}
