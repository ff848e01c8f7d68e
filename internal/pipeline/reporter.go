package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// ReportLoop periodically logs queue depth, token metrics and the per-worker
// status table until the context is cancelled.
func (r *Runner) ReportLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			slog.Info("Queue status.", "remaining", r.queue.Size(), "permits", r.gate.Permits())
			slog.Info("Metrics.\n" + r.metrics.String())
			slog.Info("Workers.\n" + r.tracker.StatusTable())
		case <-ctx.Done():
			return
		}
	}
}
