// Package retention expires idle agent sessions and prunes old journal rows.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is how often the worker runs when Config leaves it empty.
const DefaultInterval = 5 * time.Minute

// Sweeper drops expired in-memory sessions and reports how many it removed.
type Sweeper interface {
	Sweep() int
}

// Cleaner deletes journal rows older than a cutoff.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config configures the worker. A nil Cleaner or a zero Retention skips
// journal pruning.
type Config struct {
	Interval  time.Duration
	Retention time.Duration
	Sessions  Sweeper
	Journal   Cleaner
	Logger    *slog.Logger
}

// Start runs the worker in the background until ctx is done. The returned
// channel is closed once the worker has stopped.
func Start(ctx context.Context, cfg Config) <-chan struct{} {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	done := make(chan struct{})
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		cfg.Logger.Info("Retention worker started", "interval", cfg.Interval, "retention", cfg.Retention)

		for {
			select {
			case <-ticker.C:
				RunOnce(ctx, cfg)
			case <-ctx.Done():
				cfg.Logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// RunOnce performs a single sweep and journal prune.
func RunOnce(ctx context.Context, cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Sessions != nil {
		if n := cfg.Sessions.Sweep(); n > 0 {
			logger.Info("Retention worker expired sessions", "count", n)
		}
	}

	if cfg.Journal == nil || cfg.Retention <= 0 {
		return
	}
	deleted, err := cfg.Journal.Cleanup(ctx, cfg.Retention)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("Retention worker canceled during journal cleanup", "error", err)
			return
		}
		logger.Error("Retention worker failed to prune journal", "error", err)
		return
	}
	if deleted > 0 {
		logger.Info("Retention worker pruned journal", "count", deleted)
	}
}
