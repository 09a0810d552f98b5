// Package worker holds the daemon's background maintenance loops.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/syncwire/syncwire/internal/repository"
	"github.com/syncwire/syncwire/internal/service/outbox"
	"github.com/syncwire/syncwire/pkg/logger"
)

type RetentionConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// RetentionWorker deletes sent outbox entries and resolved conflicts
// once they pass the configured age. Pending and errored entries are
// never touched.
type RetentionWorker struct {
	outbox outbox.OutboxServicer
	store  repository.Store
	config RetentionConfig
	log    *logger.Logger
}

func NewRetentionWorker(ob outbox.OutboxServicer, store repository.Store, config RetentionConfig, log *logger.Logger) *RetentionWorker {
	if config.MaxAge <= 0 {
		config.MaxAge = 7 * 24 * time.Hour
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if log == nil {
		log = logger.NewLogger(nil)
	}
	return &RetentionWorker{
		outbox: ob,
		store:  store,
		config: config,
		log:    log.WithComponent("retention"),
	}
}

// Start runs retention passes until the context is cancelled.
func (w *RetentionWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.log.Error(err, "retention pass failed")
			}
		}
	}
}

// RunOnce performs a single retention pass. It also backs the one-shot
// purge command.
func (w *RetentionWorker) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.config.MaxAge)

	entries, err := w.outbox.PurgeSent(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge sent entries: %w", err)
	}

	conflicts, err := w.store.Conflicts().DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge resolved conflicts: %w", err)
	}

	if entries > 0 || conflicts > 0 {
		w.log.WithFields(map[string]interface{}{
			"entries":   entries,
			"conflicts": conflicts,
			"cutoff":    cutoff,
		}).Info("retention pass removed rows")
	}
	return nil
}
