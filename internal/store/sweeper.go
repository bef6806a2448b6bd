package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often expired conversations are purged.
const DefaultSweepInterval = 5 * time.Minute

// RunSweeper purges expired conversations every interval until ctx is done.
// Backends with native expiry do not need it.
func RunSweeper(ctx context.Context, e Expirer, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Conversation sweeper started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			sweepOnce(ctx, e)
		case <-ctx.Done():
			slog.Info("Conversation sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func sweepOnce(ctx context.Context, e Expirer) {
	deleted, err := e.DeleteExpired(ctx)
	if err != nil {
		slog.Error("Conversation sweeper failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Conversation sweeper removed expired conversations", "count", deleted)
	}
}
