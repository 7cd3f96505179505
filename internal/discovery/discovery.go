// Package discovery finds bot-enabled users and the symbols they trade, and
// keeps one feed connection running per enabled (user, exchange) account.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/feed"
)

// Feeds is the connection surface discovery drives.
type Feeds interface {
	Start(book domain.BookKey, symbols []string) error
	Stop(book domain.BookKey) error
	Books() []domain.BookKey
	Subscriptions(book domain.BookKey) []string
}

// Config tunes the scans.
type Config struct {
	CoarseInterval time.Duration
	FineInterval   time.Duration
	// Workers bounds concurrent provider and symbol source queries.
	Workers     int
	ScanTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CoarseInterval <= 0 {
		c.CoarseInterval = 5 * time.Minute
	}
	if c.FineInterval <= 0 {
		c.FineInterval = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 30 * time.Second
	}
	return c
}

// ScanResult summarizes one coarse scan.
type ScanResult struct {
	Started   []domain.BookKey
	Stopped   []domain.BookKey
	Restarted []domain.BookKey
	// Partial is set when a provider failed and removals were skipped.
	Partial bool
}

type pin int

const (
	pinOn pin = iota + 1
	pinOff
)

// Scanner runs the coarse and fine discovery scans.
type Scanner struct {
	cfg       Config
	providers []domain.UserProvider
	sources   []domain.SymbolSource
	feeds     Feeds
	signals   <-chan feed.ConnectionSignal
	logger    *slog.Logger

	scanMu sync.Mutex

	mu      sync.Mutex
	pins    map[domain.BookKey]pin
	pinned  map[domain.BookKey][]string
	restart map[domain.BookKey]struct{}
}

// New creates a Scanner. Providers are queried in order and merged by
// union. signals may be nil.
func New(cfg Config, providers []domain.UserProvider, sources []domain.SymbolSource, feeds Feeds, signals <-chan feed.ConnectionSignal, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:       cfg.withDefaults(),
		providers: providers,
		sources:   sources,
		feeds:     feeds,
		signals:   signals,
		logger:    logger.With(slog.String("component", "discovery")),
		pins:      make(map[domain.BookKey]pin),
		pinned:    make(map[domain.BookKey][]string),
		restart:   make(map[domain.BookKey]struct{}),
	}
}

// Run performs a coarse scan immediately, then both scans on their
// intervals until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "discovery starting",
		slog.Duration("coarse_interval", s.cfg.CoarseInterval),
		slog.Duration("fine_interval", s.cfg.FineInterval),
		slog.Int("providers", len(s.providers)),
	)
	s.runCoarse(ctx)

	coarse := time.NewTicker(s.cfg.CoarseInterval)
	defer coarse.Stop()
	fine := time.NewTicker(s.cfg.FineInterval)
	defer fine.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("discovery stopped")
			return nil
		case <-coarse.C:
			s.runCoarse(ctx)
		case <-fine.C:
			if _, err := s.FineScan(ctx); err != nil {
				s.logger.WarnContext(ctx, "fine scan failed", slog.String("error", err.Error()))
			}
		case sig, ok := <-s.signals:
			if !ok {
				s.signals = nil
				continue
			}
			s.onSignal(sig)
		}
	}
}

func (s *Scanner) runCoarse(ctx context.Context) {
	res, err := s.CoarseScan(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "coarse scan failed", slog.String("error", err.Error()))
		return
	}
	if len(res.Started)+len(res.Stopped)+len(res.Restarted) > 0 || res.Partial {
		s.logger.InfoContext(ctx, "coarse scan complete",
			slog.Int("started", len(res.Started)),
			slog.Int("stopped", len(res.Stopped)),
			slog.Int("restarted", len(res.Restarted)),
			slog.Bool("partial", res.Partial),
		)
	}
}

func (s *Scanner) onSignal(sig feed.ConnectionSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig.Degraded {
		s.restart[sig.Book] = struct{}{}
		s.logger.Warn("feed degraded, restart scheduled",
			slog.String("book", sig.Book.String()),
			slog.Int("attempts", sig.Attempts),
		)
		return
	}
	delete(s.restart, sig.Book)
}

// Activate pins a feed on regardless of provider results and starts it.
func (s *Scanner) Activate(book domain.BookKey, symbols []string) error {
	s.mu.Lock()
	s.pins[book] = pinOn
	s.pinned[book] = append(s.pinned[book], symbols...)
	s.mu.Unlock()
	if err := s.feeds.Start(book, symbols); err != nil {
		return fmt.Errorf("discovery: activate %s: %w", book, err)
	}
	return nil
}

// Deactivate pins a feed off and stops it. Scans will not restart it until
// it is activated again.
func (s *Scanner) Deactivate(book domain.BookKey) error {
	s.mu.Lock()
	s.pins[book] = pinOff
	delete(s.pinned, book)
	delete(s.restart, book)
	s.mu.Unlock()
	if err := s.feeds.Stop(book); err != nil && !isNotFound(err) {
		return fmt.Errorf("discovery: deactivate %s: %w", book, err)
	}
	return nil
}

// CoarseScan lists enabled users across all providers and reconciles the
// running feeds with them.
func (s *Scanner) CoarseScan(ctx context.Context) (ScanResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	users, failed := s.queryProviders(ctx)
	if ctx.Err() != nil {
		return ScanResult{}, ctx.Err()
	}
	desired := desiredBooks(users)

	s.mu.Lock()
	for book, p := range s.pins {
		switch p {
		case pinOn:
			desired[book] = append(desired[book], s.pinned[book]...)
		case pinOff:
			delete(desired, book)
		}
	}
	restart := make(map[domain.BookKey]struct{}, len(s.restart))
	for book := range s.restart {
		restart[book] = struct{}{}
	}
	pins := make(map[domain.BookKey]pin, len(s.pins))
	for book, p := range s.pins {
		pins[book] = p
	}
	s.mu.Unlock()

	res := ScanResult{Partial: failed > 0}
	current := make(map[domain.BookKey]struct{})
	for _, book := range s.feeds.Books() {
		current[book] = struct{}{}
	}

	for _, book := range sortedBooks(desired) {
		if _, ok := current[book]; ok {
			continue
		}
		if err := s.feeds.Start(book, desired[book]); err != nil {
			s.logger.WarnContext(ctx, "feed start failed",
				slog.String("book", book.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Started = append(res.Started, book)
	}

	for book := range current {
		if _, ok := restart[book]; !ok {
			continue
		}
		if _, ok := desired[book]; !ok && pins[book] != pinOn {
			continue
		}
		symbols := append(s.feeds.Subscriptions(book), desired[book]...)
		if err := s.feeds.Stop(book); err != nil && !isNotFound(err) {
			continue
		}
		if err := s.feeds.Start(book, symbols); err != nil {
			s.logger.WarnContext(ctx, "feed restart failed",
				slog.String("book", book.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.mu.Lock()
		delete(s.restart, book)
		s.mu.Unlock()
		res.Restarted = append(res.Restarted, book)
	}

	// A failed provider may be hiding enabled users; removing them now would
	// flap their feeds.
	if failed == 0 {
		for book := range current {
			if _, ok := desired[book]; ok || pins[book] == pinOn {
				continue
			}
			if err := s.feeds.Stop(book); err != nil && !isNotFound(err) {
				s.logger.WarnContext(ctx, "feed stop failed",
					slog.String("book", book.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			res.Stopped = append(res.Stopped, book)
		}
	}
	sortKeys(res.Started)
	sortKeys(res.Stopped)
	sortKeys(res.Restarted)
	return res, nil
}

// FineScan extends the subscription of every running feed with symbols the
// user started trading. It returns the number of feeds extended.
func (s *Scanner) FineScan(ctx context.Context) (int, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	books := s.feeds.Books()
	found := make([][]string, len(books))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, book := range books {
		g.Go(func() error {
			found[i] = s.querySymbols(gctx, book)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	extended := 0
	for i, book := range books {
		have := s.feeds.Subscriptions(book)
		missing := false
		for _, sym := range found[i] {
			if !slices.Contains(have, sym) {
				missing = true
				break
			}
		}
		if !missing {
			continue
		}
		if err := s.feeds.Start(book, found[i]); err != nil {
			s.logger.WarnContext(ctx, "feed extend failed",
				slog.String("book", book.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		extended++
	}
	return extended, nil
}

// queryProviders asks every provider concurrently and returns the results in
// provider order plus the number of providers that failed.
func (s *Scanner) queryProviders(ctx context.Context) ([][]domain.ActiveUser, int) {
	results := make([][]domain.ActiveUser, len(s.providers))
	errs := make([]error, len(s.providers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, p := range s.providers {
		g.Go(func() error {
			users, err := p.EnabledUsers(gctx)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = users
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		s.logger.WarnContext(ctx, "discovery provider failed",
			slog.String("provider", s.providers[i].Name()),
			slog.String("error", err.Error()),
		)
	}
	return results, failed
}

// querySymbols unions every source's symbols for book. A failing source is
// skipped.
func (s *Scanner) querySymbols(ctx context.Context, book domain.BookKey) []string {
	var out []string
	for _, src := range s.sources {
		symbols, err := src.Symbols(ctx, book)
		if err != nil {
			s.logger.DebugContext(ctx, "symbol source failed",
				slog.String("source", src.Name()),
				slog.String("book", book.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, symbols...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// desiredBooks merges provider results by union: a book is wanted when any
// provider reports its user enabled on that exchange.
func desiredBooks(results [][]domain.ActiveUser) map[domain.BookKey][]string {
	out := make(map[domain.BookKey][]string)
	for _, users := range results {
		for _, u := range users {
			if !u.Enabled || u.User == "" {
				continue
			}
			for _, book := range u.Books() {
				if book.Exchange == "" {
					continue
				}
				out[book] = append(out[book], u.Exchanges[book.Exchange]...)
			}
		}
	}
	for book, symbols := range out {
		slices.Sort(symbols)
		out[book] = slices.Compact(symbols)
	}
	return out
}

func sortedBooks(m map[domain.BookKey][]string) []domain.BookKey {
	out := make([]domain.BookKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

func sortKeys(keys []domain.BookKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Encode() < keys[j].Encode() })
}
