package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradewatch/internal/discovery"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/feed"
	"github.com/alanyoungcy/tradewatch/internal/tracker"
)

const hydrateTimeout = 30 * time.Second

// Tracking starts feeds for discovery, loading the book's cached state into
// the trackers before its first feed starts.
type Tracking struct {
	feeds     *feed.Manager
	positions *tracker.PositionTracker
	orders    *tracker.OrderTracker
	cache     domain.StateCache
	logger    *slog.Logger

	mu       sync.Mutex
	hydrated map[domain.BookKey]bool
}

var _ discovery.Feeds = (*Tracking)(nil)

// NewTracking creates a Tracking. cache may be nil to skip hydration.
func NewTracking(feeds *feed.Manager, positions *tracker.PositionTracker, orders *tracker.OrderTracker, cache domain.StateCache, logger *slog.Logger) *Tracking {
	return &Tracking{
		feeds:     feeds,
		positions: positions,
		orders:    orders,
		cache:     cache,
		logger:    logger.With(slog.String("component", "tracking")),
		hydrated:  make(map[domain.BookKey]bool),
	}
}

func (t *Tracking) Start(book domain.BookKey, symbols []string) error {
	t.hydrate(book)
	return t.feeds.Start(book, symbols)
}

func (t *Tracking) Stop(book domain.BookKey) error { return t.feeds.Stop(book) }

func (t *Tracking) Books() []domain.BookKey { return t.feeds.Books() }

func (t *Tracking) Subscriptions(book domain.BookKey) []string { return t.feeds.Subscriptions(book) }

// hydrate is best effort: the feed snapshot after subscribe rebuilds the
// same state.
func (t *Tracking) hydrate(book domain.BookKey) {
	if t.cache == nil {
		return
	}
	t.mu.Lock()
	done := t.hydrated[book]
	t.hydrated[book] = true
	t.mu.Unlock()
	if done {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	defer cancel()
	if err := t.positions.Hydrate(ctx, t.cache, book); err != nil {
		t.logger.Warn("position hydrate failed", slog.String("book", book.String()), slog.String("error", err.Error()))
	}
	if err := t.orders.Hydrate(ctx, t.cache, book); err != nil {
		t.logger.Warn("order hydrate failed", slog.String("book", book.String()), slog.String("error", err.Error()))
	}
}
