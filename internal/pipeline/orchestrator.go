package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the pipeline goroutines.
type Orchestrator struct {
	archiver   *Archiver
	schedule   Schedule
	runOnStart bool
	logger     *slog.Logger
}

// NewOrchestrator parses archiveCron and creates an Orchestrator. With
// runOnStart an archive run happens immediately, before the first trigger.
func NewOrchestrator(archiver *Archiver, archiveCron string, runOnStart bool, logger *slog.Logger) (*Orchestrator, error) {
	schedule, err := ParseSchedule(archiveCron)
	if err != nil {
		return nil, fmt.Errorf("pipeline: cron %q: %w", archiveCron, err)
	}
	return &Orchestrator{
		archiver:   archiver,
		schedule:   schedule,
		runOnStart: runOnStart,
		logger:     logger.With(slog.String("component", "pipeline")),
	}, nil
}

// Run starts all sub-pipelines under an errgroup. It returns nil on a clean
// shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.String("archive_cron", o.schedule.String()),
		slog.Bool("run_on_start", o.runOnStart),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if o.runOnStart {
			if err := o.archiver.Run(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("initial archive run failed", slog.String("error", err.Error()))
			}
		}
		err := o.archiver.RunCron(ctx, o.schedule)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("archiver: %w", err)
	})

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
