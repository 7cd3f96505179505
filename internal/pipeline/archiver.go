// Package pipeline runs the scheduled maintenance jobs: monthly archival of
// tracking history to cold storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// archiveLockKey serialises archive runs across processes.
const archiveLockKey = "archive"

// ArchiveEntities lists what a run exports, in order.
var ArchiveEntities = []domain.EntityKind{
	domain.EntityPosition,
	domain.EntityOrder,
	domain.EntityTrailingStop,
	domain.EntityConditionalRule,
}

// ArchiveConfig tunes archive runs.
type ArchiveConfig struct {
	// Months is how many completed months before the current one each run
	// covers. Already archived months are skipped by the blob archiver.
	Months  int
	LockTTL time.Duration
}

// Archiver exports completed months of history on a cron schedule.
type Archiver struct {
	cfg     ArchiveConfig
	blob    domain.Archiver
	locks   domain.LockManager
	audit   domain.AuditStore
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewArchiver creates a new Archiver. locks and audit may be nil.
func NewArchiver(cfg ArchiveConfig, blob domain.Archiver, locks domain.LockManager, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	if cfg.Months <= 0 {
		cfg.Months = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &Archiver{
		cfg:     cfg,
		blob:    blob,
		locks:   locks,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archive_job")),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Run executes a single archive run for the configured months. Another
// process holding the lock makes this run a no-op.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, a.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				a.logger.InfoContext(ctx, "archive run skipped, lock held elsewhere")
				return nil
			}
			return fmt.Errorf("pipeline: archive lock: %w", err)
		}
		defer unlock()
	}

	now := a.nowFunc()
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("before", current),
		slog.Int("months", a.cfg.Months),
	)

	var total int64
	var errs []error
	for i := a.cfg.Months; i >= 1; i-- {
		month := current.AddDate(0, -i, 0)
		for _, entity := range ArchiveEntities {
			n, err := a.blob.ArchiveMonth(ctx, entity, month)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				errs = append(errs, fmt.Errorf("archive %s %s: %w", entity, month.Format("2006-01"), err))
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "archived",
					slog.String("entity", string(entity)),
					slog.String("month", month.Format("2006-01")),
					slog.Int64("count", n),
				)
			}
			total += n
		}
	}

	if a.audit != nil {
		detail := map[string]any{"records": total, "months": a.cfg.Months, "failures": len(errs)}
		if err := a.audit.Log(ctx, "archive.run", detail); err != nil {
			a.logger.WarnContext(ctx, "archive audit failed", slog.String("error", err.Error()))
		}
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("records", total))
	return errors.Join(errs...)
}

// RunCron runs the archiver on a cron schedule until the context is
// cancelled. A failed run is logged and retried at the next trigger.
//
// Example: "0 3 1 * *" runs at 3:00 AM on the 1st of every month.
func (a *Archiver) RunCron(ctx context.Context, schedule Schedule) error {
	a.logger.Info("archiver cron started", slog.String("cron", schedule.String()))

	for {
		next, err := schedule.Next(a.nowFunc())
		if err != nil {
			return err
		}

		waitDuration := time.Until(next)
		a.logger.Info("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", waitDuration),
		)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
