// Package core assembles the tracking core and exposes its command and
// query surface to the rest of the process.
package core

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradewatch/internal/broker"
	"github.com/alanyoungcy/tradewatch/internal/command"
	"github.com/alanyoungcy/tradewatch/internal/conditional"
	"github.com/alanyoungcy/tradewatch/internal/discovery"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/feed"
	"github.com/alanyoungcy/tradewatch/internal/persist"
	"github.com/alanyoungcy/tradewatch/internal/tracker"
	"github.com/alanyoungcy/tradewatch/internal/trailing"
)

// Components are the wired parts of the core.
type Components struct {
	Bus        *broker.Broker
	Persist    *persist.Layer
	Feeds      *feed.Manager
	Positions  *tracker.PositionTracker
	Orders     *tracker.OrderTracker
	Trailing   *trailing.Engine
	Rules      *conditional.Engine
	Dispatcher *command.Dispatcher
	Scanner    *discovery.Scanner
}

// Health is the liveness summary served by the health endpoint.
type Health struct {
	Feeds       []domain.FeedHealth `json:"feeds"`
	Persistence persist.Status      `json:"persistence"`
	Broker      broker.Stats        `json:"broker"`
	Commands    command.Stats       `json:"commands"`
	Positions   tracker.Stats       `json:"positions"`
	Orders      tracker.Stats       `json:"orders"`
}

// Degraded reports whether any part of the core is running degraded.
func (h Health) Degraded() bool {
	if h.Persistence.Degraded {
		return true
	}
	for _, f := range h.Feeds {
		if f.Degraded {
			return true
		}
	}
	return false
}

// Service is the tracking core.
type Service struct {
	c      Components
	logger *slog.Logger
}

// New creates a Service.
func New(c Components, logger *slog.Logger) *Service {
	return &Service{c: c, logger: logger.With(slog.String("component", "core"))}
}

// Run restores engine state from the hot cache and runs every component
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	cache := s.c.Persist.Cache()
	if err := s.c.Trailing.Restore(ctx, cache); err != nil {
		s.logger.WarnContext(ctx, "trailing stop restore failed", slog.String("error", err.Error()))
	}
	if err := s.c.Rules.Restore(ctx, cache); err != nil {
		s.logger.WarnContext(ctx, "conditional rule restore failed", slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "tracking core starting")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.c.Bus.Run(gctx) })
	g.Go(func() error { return s.c.Positions.Run(gctx) })
	g.Go(func() error { return s.c.Orders.Run(gctx) })
	g.Go(func() error { return s.c.Trailing.Run(gctx) })
	g.Go(func() error { return s.c.Rules.Run(gctx) })
	g.Go(func() error { return s.c.Dispatcher.Run(gctx) })
	g.Go(func() error { return s.c.Feeds.Run(gctx) })
	g.Go(func() error { return s.c.Scanner.Run(gctx) })
	err := g.Wait()

	s.c.Trailing.Close()
	s.c.Rules.Close()
	s.c.Positions.Close()
	s.c.Orders.Close()
	s.logger.Info("tracking core stopped")
	return err
}

// Subscribe attaches a consumer to the event broker.
func (s *Service) Subscribe(pattern string, opts ...broker.Option) (*broker.Subscription, error) {
	return s.c.Bus.Subscribe(pattern, opts...)
}

func (s *Service) RegisterTrailingStop(ctx context.Context, spec domain.TrailingStopSpec) (domain.TrailingStop, error) {
	return s.c.Trailing.Register(ctx, spec)
}

func (s *Service) CancelTrailingStop(ctx context.Context, key domain.StopKey) error {
	return s.c.Trailing.Cancel(ctx, key)
}

func (s *Service) TrailingStop(key domain.StopKey) (domain.TrailingStop, error) {
	return s.c.Trailing.Stop(key)
}

func (s *Service) TrailingStops(user string) []domain.TrailingStop {
	return s.c.Trailing.Stops(user)
}

func (s *Service) RegisterConditionalRule(ctx context.Context, spec domain.RuleSpec) (domain.ConditionalRule, error) {
	return s.c.Rules.Register(ctx, spec)
}

func (s *Service) RemoveConditionalRule(ctx context.Context, key domain.RuleKey) error {
	return s.c.Rules.Remove(ctx, key)
}

func (s *Service) ConditionalRule(key domain.RuleKey) (domain.ConditionalRule, error) {
	return s.c.Rules.Rule(key)
}

func (s *Service) ConditionalRules(user string) []domain.ConditionalRule {
	return s.c.Rules.Rules(user)
}

func (s *Service) Position(key domain.PositionKey) (domain.Position, error) {
	return s.c.Positions.Position(key)
}

func (s *Service) Positions(book domain.BookKey) []domain.Position {
	return s.c.Positions.Positions(book)
}

func (s *Service) Order(key domain.OrderKey) (domain.Order, error) {
	return s.c.Orders.Order(key)
}

func (s *Service) OpenOrders(book domain.BookKey) []domain.Order {
	return s.c.Orders.OpenOrders(book)
}

func (s *Service) ClosedOrders(book domain.BookKey) []domain.Order {
	return s.c.Orders.ClosedOrders(book)
}

// ActivateUser starts tracking an account immediately, independent of the
// discovery providers.
func (s *Service) ActivateUser(book domain.BookKey, symbols []string) error {
	if book.User == "" || book.Exchange == "" {
		return fmt.Errorf("core: activate: %w", domain.ErrInvalidKey)
	}
	return s.c.Scanner.Activate(book, symbols)
}

// DeactivateUser stops tracking an account until it is activated again.
func (s *Service) DeactivateUser(book domain.BookKey) error {
	return s.c.Scanner.Deactivate(book)
}

// Health summarizes feed, persistence, broker and command state.
func (s *Service) Health() Health {
	return Health{
		Feeds:       s.c.Feeds.Health(),
		Persistence: s.c.Persist.Status(),
		Broker:      s.c.Bus.Stats(),
		Commands:    s.c.Dispatcher.Stats(),
		Positions:   s.c.Positions.Stats(),
		Orders:      s.c.Orders.Stats(),
	}
}
