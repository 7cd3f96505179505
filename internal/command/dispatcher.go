// Package command sends close and cancel commands to the exchange gateway
// with throttling, bounded retries and duplicate suppression.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/retry"
)

// Config tunes the dispatcher.
type Config struct {
	// RatePerSecond and Burst size the local limiter per exchange.
	RatePerSecond float64
	Burst         int
	// AccountLimit commands per AccountWindow per (user, exchange), enforced
	// across processes. Zero disables the shared limit.
	AccountLimit  int
	AccountWindow time.Duration
	Retry         retry.Policy
	Timeout       time.Duration
	DedupTTL      time.Duration
}

// Dispatcher is the single path for commands to the exchange.
type Dispatcher struct {
	api    domain.CommandAPI
	shared domain.RateLimiter
	cfg    Config
	dedup  *Dedup
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	sent       atomic.Uint64
	failed     atomic.Uint64
	suppressed atomic.Uint64
}

// NewDispatcher creates a Dispatcher. shared may be nil.
func NewDispatcher(api domain.CommandAPI, shared domain.RateLimiter, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 2 * time.Minute
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 3
	}
	return &Dispatcher{
		api:      api,
		shared:   shared,
		cfg:      cfg,
		dedup:    NewDedup(cfg.DedupTTL),
		logger:   logger.With(slog.String("component", "command")),
		limiters: make(map[string]*rate.Limiter),
	}
}

// ClosePosition reduces or closes a position. Rejections are returned as
// *domain.CommandError without retry.
func (d *Dispatcher) ClosePosition(ctx context.Context, req domain.CloseRequest) error {
	key := "close:" + req.Position.Encode() + ":" + req.IdempotencyKey
	err := d.exec(ctx, req.Position.Book(), key, func(ctx context.Context) error {
		return d.api.ClosePosition(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("command: close %s: %w", req.Position, err)
	}
	return nil
}

// CancelOrder cancels one order. An order that is already gone counts as
// cancelled.
func (d *Dispatcher) CancelOrder(ctx context.Context, req domain.CancelRequest) error {
	key := "cancel:" + req.Order.Encode()
	err := d.exec(ctx, req.Order.Book(), key, func(ctx context.Context) error {
		err := d.api.CancelOrder(ctx, req)
		if errors.Is(err, domain.ErrAlreadyClosed) {
			d.logger.DebugContext(ctx, "cancel target already closed", slog.String("order", req.Order.String()))
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("command: cancel %s: %w", req.Order, err)
	}
	return nil
}

func (d *Dispatcher) exec(ctx context.Context, book domain.BookKey, key string, fn func(ctx context.Context) error) error {
	if d.dedup.Recent(key) {
		d.suppressed.Add(1)
		d.logger.InfoContext(ctx, "duplicate command suppressed", slog.String("command", key))
		return nil
	}

	attempt := 0
	err := retry.Do(ctx, d.cfg.Retry, func(ctx context.Context) error {
		attempt++
		if err := d.throttle(ctx, book); err != nil {
			return err
		}
		actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		err := fn(actx)
		if err != nil && attempt < d.cfg.Retry.Attempts && Retryable(err) {
			d.logger.WarnContext(ctx, "command attempt failed",
				slog.String("command", key),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	}, Retryable)
	if err != nil {
		d.failed.Add(1)
		return err
	}
	d.sent.Add(1)
	d.dedup.Remember(key)
	return nil
}

// Retryable reports whether a command error is transient.
func Retryable(err error) bool {
	if errors.Is(err, domain.ErrCommandRejected) || errors.Is(err, domain.ErrAlreadyClosed) {
		return false
	}
	return errors.Is(err, domain.ErrTransient) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (d *Dispatcher) throttle(ctx context.Context, book domain.BookKey) error {
	if err := d.limiter(book.Exchange).Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	}
	if d.shared == nil || d.cfg.AccountLimit <= 0 {
		return nil
	}
	if err := d.shared.Wait(ctx, "command:"+book.Encode(), d.cfg.AccountLimit, d.cfg.AccountWindow); err != nil {
		if ctx.Err() != nil {
			return err
		}
		// The shared limiter is advisory; the local limiter still applies.
		d.logger.WarnContext(ctx, "shared rate limiter unavailable", slog.String("error", err.Error()))
	}
	return nil
}

func (d *Dispatcher) limiter(exchange string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[exchange]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), d.cfg.Burst)
		d.limiters[exchange] = l
	}
	return l
}

// Run expires dedup entries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.DedupTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := d.dedup.Cleanup(); n > 0 {
				d.logger.Debug("dedup entries expired", slog.Int("count", n))
			}
		}
	}
}

// Stats reports command counters.
type Stats struct {
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	Suppressed uint64 `json:"suppressed"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Failed: d.failed.Load(), Suppressed: d.suppressed.Load()}
}
