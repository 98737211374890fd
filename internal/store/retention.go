package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionWorkerInterval = 30 * time.Minute

// StartRetentionWorker runs a background goroutine that periodically prunes
// cached messages older than retention. It stops when ctx is canceled.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration) {
	if retention <= 0 {
		slog.Info("Retention worker disabled")
		return
	}

	ticker := time.NewTicker(retentionWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", retentionWorkerInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				pruneExpired(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneExpired(ctx context.Context, repo Repository, retention time.Duration) {
	deleted, err := repo.PruneMessages(ctx, retention)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker canceled during prune", "error", err)
			return
		}
		slog.Error("Retention worker failed to prune messages", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker pruned cached messages", "count", deleted)
	}
}
