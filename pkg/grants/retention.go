package grants

import (
	"context"
	"log/slog"
	"time"
)

// EventPruner deletes old milestone events.
type EventPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker periodically deletes milestone events past retention.
type RetentionWorker struct {
	store     EventPruner
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRetentionWorker creates a worker keeping retentionDays of events. It
// runs daily.
func NewRetentionWorker(store EventPruner, retentionDays int, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		logger:    logger,
		now:       time.Now,
	}
}

// Run prunes on every tick until ctx is cancelled. It returns at once when
// retention is disabled.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.store == nil || w.retention <= 0 {
		w.logger.Info("milestone event retention disabled",
			"hasStore", w.store != nil,
			"retentionDays", int(w.retention.Hours()/24))
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("milestone event retention started",
		"retentionDays", int(w.retention.Hours()/24),
		"interval", w.interval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("milestone event retention stopped")
			return
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

// prune performs a single retention pass.
func (w *RetentionWorker) prune(ctx context.Context) {
	cutoff := w.now().Add(-w.retention)
	deleted, err := w.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.Error("milestone event retention failed", "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("milestone event retention completed",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
