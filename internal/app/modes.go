package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradewatch/internal/broker"
	"github.com/alanyoungcy/tradewatch/internal/command"
	"github.com/alanyoungcy/tradewatch/internal/conditional"
	"github.com/alanyoungcy/tradewatch/internal/core"
	"github.com/alanyoungcy/tradewatch/internal/discovery"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/feed"
	"github.com/alanyoungcy/tradewatch/internal/persist"
	"github.com/alanyoungcy/tradewatch/internal/pipeline"
	"github.com/alanyoungcy/tradewatch/internal/retry"
	"github.com/alanyoungcy/tradewatch/internal/server"
	"github.com/alanyoungcy/tradewatch/internal/server/handler"
	"github.com/alanyoungcy/tradewatch/internal/tracker"
	"github.com/alanyoungcy/tradewatch/internal/trailing"
)

// alertPatterns are the broker subscriptions the notifier watches.
var alertPatterns = []string{
	domain.TopicPattern(domain.TopicSystem, "*"),
	domain.TopicPattern(domain.TopicTrailingStops, "*"),
	domain.TopicPattern(domain.TopicConditionalRules, "*"),
}

// TrackMode runs the tracking core, operator alerts and the health endpoint.
func (a *App) TrackMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting track mode")

	svc, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("track mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	if err := a.startAlerts(ctx, g, svc, deps); err != nil {
		return fmt.Errorf("track mode: %w", err)
	}
	a.startHTTPServer(ctx, g, svc, deps)

	return g.Wait()
}

// ArchiveMode runs monthly cold archival only.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startArchival(ctx, g, deps); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.startHTTPServer(ctx, g, nil, deps)

	return g.Wait()
}

// FullMode runs the tracking core and archival in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svc, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	if err := a.startAlerts(ctx, g, svc, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if err := a.startArchival(ctx, g, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.startHTTPServer(ctx, g, svc, deps)

	return g.Wait()
}

// buildCore assembles the tracking core from the wired dependencies.
func (a *App) buildCore(deps *Dependencies) (*core.Service, error) {
	if deps.Transport == nil || deps.Commands == nil {
		return nil, errors.New("tracking requires the gateway transport and command API")
	}
	cfg := a.cfg

	bus := broker.New(broker.Config{
		QueueSize:       cfg.Broker.QueueSize,
		MirrorQueueSize: cfg.Broker.MirrorQueueSize,
	}, a.logger)
	for _, m := range deps.Mirrors {
		bus.AddMirror(m)
	}

	layer := persist.New(deps.State, deps.History, bus, persist.Config{
		Attempts: cfg.Persistence.RetryAttempts,
		Backoff: retry.Backoff{
			Base:   cfg.Persistence.RetryBase.Duration,
			Max:    cfg.Persistence.RetryMax.Duration,
			Jitter: 0.2,
		},
		WriteTimeout:    cfg.Persistence.WriteTimeout.Duration,
		DegradedTimeout: cfg.Persistence.DegradedTimeout.Duration,
	}, a.logger)

	trackerCfg := tracker.Config{
		Shards:        cfg.Tracker.Shards,
		QueueSize:     cfg.Tracker.QueueSize,
		ClosedHistory: cfg.Tracker.ClosedHistory,
	}
	positions := tracker.NewPositionTracker(trackerCfg, layer, bus, a.logger)
	orders := tracker.NewOrderTracker(trackerCfg, layer, bus, a.logger)

	feeds := feed.NewManager(feed.Config{
		Backoff: retry.Backoff{
			Base:       cfg.Feed.BackoffBase.Duration,
			Max:        cfg.Feed.BackoffMax.Duration,
			Multiplier: cfg.Feed.BackoffMultiplier,
			Jitter:     cfg.Feed.BackoffJitter,
		},
		DegradedAfter:  cfg.Feed.DegradedAfter.Duration,
		DialTimeout:    cfg.Feed.DialTimeout.Duration,
		HealthInterval: cfg.Feed.HealthInterval.Duration,
	}, deps.Transport, core.NewRouter(bus, positions, orders), deps.State, bus, a.logger)

	dispatcher := command.NewDispatcher(deps.Commands, deps.RateLimiter, command.Config{
		RatePerSecond: cfg.Command.RatePerSecond,
		Burst:         cfg.Command.Burst,
		AccountLimit:  cfg.Command.AccountLimit,
		AccountWindow: cfg.Command.AccountWindow.Duration,
		Retry: retry.Policy{
			Attempts: cfg.Command.RetryAttempts,
			Backoff: retry.Backoff{
				Base:   cfg.Command.RetryBase.Duration,
				Max:    cfg.Command.RetryMax.Duration,
				Jitter: 0.2,
			},
		},
		Timeout:  cfg.Command.Timeout.Duration,
		DedupTTL: cfg.Command.DedupTTL.Duration,
	}, a.logger)

	stops, err := trailing.New(trailing.Config{
		Shards:       cfg.Trailing.Shards,
		QueueSize:    cfg.Trailing.QueueSize,
		AutoRegister: cfg.Trailing.AutoRegister,
	}, bus, layer, dispatcher, deps.Templates, a.logger)
	if err != nil {
		return nil, fmt.Errorf("trailing engine: %w", err)
	}

	rules, err := conditional.New(conditional.Config{
		Shards:        cfg.Conditional.Shards,
		QueueSize:     cfg.Conditional.QueueSize,
		SweepInterval: cfg.Conditional.SweepInterval.Duration,
		DefaultTTL:    cfg.Conditional.DefaultTTL.Duration,
	}, bus, layer, dispatcher, orders, a.logger)
	if err != nil {
		return nil, fmt.Errorf("conditional engine: %w", err)
	}

	sources := []domain.SymbolSource{positions, orders, deps.Enablement, deps.BotSettings}
	scanner := discovery.New(discovery.Config{
		CoarseInterval: cfg.Discovery.CoarseInterval.Duration,
		FineInterval:   cfg.Discovery.FineInterval.Duration,
		Workers:        cfg.Discovery.Workers,
		ScanTimeout:    cfg.Discovery.ScanTimeout.Duration,
	}, deps.UserProviders(cfg), sources,
		core.NewTracking(feeds, positions, orders, deps.State, a.logger),
		feeds.Degraded(), a.logger)

	return core.New(core.Components{
		Bus:        bus,
		Persist:    layer,
		Feeds:      feeds,
		Positions:  positions,
		Orders:     orders,
		Trailing:   stops,
		Rules:      rules,
		Dispatcher: dispatcher,
		Scanner:    scanner,
	}, a.logger), nil
}

// startAlerts forwards degraded and failure events to the notifier.
func (a *App) startAlerts(ctx context.Context, g *errgroup.Group, svc *core.Service, deps *Dependencies) error {
	for _, pattern := range alertPatterns {
		sub, err := svc.Subscribe(pattern, broker.WithName("notify"))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		g.Go(func() error {
			defer sub.Close()
			if err := deps.Notifier.Watch(ctx, sub); err != nil && ctx.Err() == nil {
				return fmt.Errorf("notifier: %w", err)
			}
			return nil
		})
	}
	return nil
}

// startArchival schedules the monthly history export.
func (a *App) startArchival(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("archival requires blob storage")
	}
	archiver := pipeline.NewArchiver(pipeline.ArchiveConfig{
		Months:  a.cfg.Archive.Months,
		LockTTL: a.cfg.Archive.LockTTL.Duration,
	}, deps.Archiver, deps.Locks, deps.Audit, a.logger)

	orch, err := pipeline.NewOrchestrator(archiver, a.cfg.Archive.Cron, a.cfg.Archive.RunOnStart, a.logger)
	if err != nil {
		return err
	}
	g.Go(func() error { return orch.Run(ctx) })
	return nil
}

// startHTTPServer serves the health endpoints when enabled. svc is nil in
// processes that do not run the core.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, svc *core.Service, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		return
	}
	var source handler.HealthSource
	if svc != nil {
		source = svc
	}
	srv := server.NewServer(server.Config{
		Port:   a.cfg.Server.Port,
		APIKey: a.cfg.Server.APIKey,
	}, handler.NewHealthHandler(source, deps.State, a.logger), a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening", slog.Int("port", a.cfg.Server.Port))
		return srv.Run(ctx)
	})
}
