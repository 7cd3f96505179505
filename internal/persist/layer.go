// Package persist writes every tracked transition to the hot cache and the
// durable history store. Writes are retried on a context detached from the
// caller's cancellation, and an outage surfaces as a system event instead of
// failing the caller's state machine. While a store is down its writes get a
// single short attempt, so callers on partition shards are not held for the
// full retry budget.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/retry"
)

// Publisher receives the degraded/recovered signals.
type Publisher interface {
	Emit(e domain.Event)
}

// Config bounds persistence retries.
type Config struct {
	Attempts     int
	Backoff      retry.Backoff
	WriteTimeout time.Duration
	// DegradedTimeout bounds the single attempt made against a store that
	// is down.
	DegradedTimeout time.Duration
}

// store names the backend a write goes to.
type store int

const (
	storeCache store = iota
	storeHistory
	numStores
)

func (s store) String() string {
	if s == storeHistory {
		return "history"
	}
	return "cache"
}

// Layer is the dual-write persistence front for trackers and engines.
type Layer struct {
	cache   domain.StateCache
	history domain.HistoryStore
	pub     Publisher
	cfg     Config
	logger  *slog.Logger

	mu            sync.Mutex
	down          [numStores]bool
	degraded      bool
	degradedSince time.Time
	lastError     string
	seq           atomic.Uint64
	failures      atomic.Uint64
}

// New creates a Layer. pub may be nil.
func New(cache domain.StateCache, history domain.HistoryStore, pub Publisher, cfg Config, logger *slog.Logger) *Layer {
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DegradedTimeout <= 0 {
		cfg.DegradedTimeout = 250 * time.Millisecond
	}
	if cfg.DegradedTimeout > cfg.WriteTimeout {
		cfg.DegradedTimeout = cfg.WriteTimeout
	}
	return &Layer{
		cache:   cache,
		history: history,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "persist")),
	}
}

// Cache exposes the hot cache for reads.
func (l *Layer) Cache() domain.StateCache { return l.cache }

// Degraded reports whether a store is down.
func (l *Layer) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Status is the persistence health reported by the health endpoint.
type Status struct {
	Degraded  bool       `json:"degraded"`
	Since     *time.Time `json:"since,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Failures  uint64     `json:"failures"`
}

// Status returns the current persistence health.
func (l *Layer) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{Degraded: l.degraded, LastError: l.lastError, Failures: l.failures.Load()}
	if l.degraded {
		since := l.degradedSince
		st.Since = &since
	}
	return st
}

func (l *Layer) PutPosition(ctx context.Context, p domain.Position) error {
	return l.write(ctx, storeCache, "put position "+p.Key.Encode(), func(ctx context.Context) error {
		return l.cache.PutPosition(ctx, p)
	})
}

func (l *Layer) DeletePosition(ctx context.Context, key domain.PositionKey) error {
	return l.write(ctx, storeCache, "delete position "+key.Encode(), func(ctx context.Context) error {
		return l.cache.DeletePosition(ctx, key)
	})
}

func (l *Layer) PutOrder(ctx context.Context, o domain.Order) error {
	return l.write(ctx, storeCache, "put order "+o.Key.Encode(), func(ctx context.Context) error {
		return l.cache.PutOrder(ctx, o)
	})
}

func (l *Layer) DeleteOrder(ctx context.Context, key domain.OrderKey) error {
	return l.write(ctx, storeCache, "delete order "+key.Encode(), func(ctx context.Context) error {
		return l.cache.DeleteOrder(ctx, key)
	})
}

func (l *Layer) PutTrailingStop(ctx context.Context, s domain.TrailingStop) error {
	return l.write(ctx, storeCache, "put trailing stop "+s.Key.Encode(), func(ctx context.Context) error {
		return l.cache.PutTrailingStop(ctx, s)
	})
}

func (l *Layer) DeleteTrailingStop(ctx context.Context, key domain.StopKey) error {
	return l.write(ctx, storeCache, "delete trailing stop "+key.Encode(), func(ctx context.Context) error {
		return l.cache.DeleteTrailingStop(ctx, key)
	})
}

func (l *Layer) PutRule(ctx context.Context, r domain.ConditionalRule) error {
	return l.write(ctx, storeCache, "put rule "+r.Key.Encode(), func(ctx context.Context) error {
		return l.cache.PutRule(ctx, r)
	})
}

func (l *Layer) DeleteRule(ctx context.Context, key domain.RuleKey) error {
	return l.write(ctx, storeCache, "delete rule "+key.Encode(), func(ctx context.Context) error {
		return l.cache.DeleteRule(ctx, key)
	})
}

// MarkFired sets the cross-process fire-once marker for one episode of a rule.
func (l *Layer) MarkFired(ctx context.Context, key domain.RuleKey, episode string) (bool, error) {
	var first bool
	err := l.write(ctx, storeCache, "mark fired "+key.Encode(), func(ctx context.Context) error {
		var err error
		first, err = l.cache.MarkFired(ctx, key, episode)
		return err
	})
	return first, err
}

// Append adds one row to the durable history.
func (l *Layer) Append(ctx context.Context, rec domain.HistoryRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	return l.write(ctx, storeHistory, fmt.Sprintf("append %s %s", rec.Entity, rec.EntityKey), func(ctx context.Context) error {
		return l.history.Append(ctx, rec)
	})
}

func (l *Layer) write(ctx context.Context, s store, op string, fn func(ctx context.Context) error) error {
	policy := retry.Policy{Attempts: l.cfg.Attempts, Backoff: l.cfg.Backoff}
	timeout := l.cfg.WriteTimeout
	l.mu.Lock()
	if l.down[s] {
		policy.Attempts = 1
		timeout = l.cfg.DegradedTimeout
	}
	l.mu.Unlock()

	wctx := context.WithoutCancel(ctx)
	err := retry.Do(wctx, policy, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(actx)
	}, retryable)
	if err != nil {
		l.failures.Add(1)
		l.markDegraded(ctx, s, op, err)
		return fmt.Errorf("persist: %s: %w", op, errors.Join(domain.ErrPersistenceDegraded, err))
	}
	l.markRecovered(ctx, s)
	return nil
}

func retryable(err error) bool {
	return !errors.Is(err, domain.ErrInvalidKey)
}

func (l *Layer) markDegraded(ctx context.Context, s store, op string, err error) {
	l.mu.Lock()
	l.down[s] = true
	first := !l.degraded
	if first {
		l.degraded = true
		l.degradedSince = time.Now().UTC()
	}
	l.lastError = err.Error()
	l.mu.Unlock()

	l.logger.ErrorContext(ctx, "persistence write failed",
		slog.String("store", s.String()),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	if first {
		l.signal(domain.PersistenceDegraded, map[string]string{"store": s.String(), "op": op, "error": err.Error()})
	}
}

func (l *Layer) markRecovered(ctx context.Context, s store) {
	l.mu.Lock()
	if !l.down[s] {
		l.mu.Unlock()
		return
	}
	l.down[s] = false
	for _, down := range l.down {
		if down {
			l.mu.Unlock()
			l.logger.InfoContext(ctx, "persistence store recovered", slog.String("store", s.String()))
			return
		}
	}
	since := l.degradedSince
	l.degraded = false
	l.lastError = ""
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "persistence recovered", slog.Duration("outage", time.Since(since)))
	l.signal(domain.PersistenceRecovered, map[string]string{"outage": time.Since(since).String()})
}

func (l *Layer) signal(kind domain.SystemEventKind, detail map[string]string) {
	if l.pub == nil {
		return
	}
	l.pub.Emit(domain.SystemEvent{
		ID:     uuid.NewString(),
		Name:   domain.SystemPersistence,
		Kind:   kind,
		Seq:    l.seq.Add(1),
		Detail: detail,
		At:     time.Now().UTC(),
	})
}

// ---------------------------------------------------------------------------
// History records
// ---------------------------------------------------------------------------

func snapshot(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// PositionRecord builds the history row for a position transition.
func PositionRecord(p domain.Position, kind domain.PositionEventKind) domain.HistoryRecord {
	return domain.HistoryRecord{
		Entity:    domain.EntityPosition,
		EntityKey: p.Key.Encode(),
		User:      p.Key.User,
		Exchange:  p.Key.Exchange,
		Symbol:    p.Key.Symbol,
		Kind:      string(kind),
		Seq:       p.Seq,
		Snapshot:  snapshot(p),
	}
}

// OrderRecord builds the history row for an order transition.
func OrderRecord(o domain.Order, kind domain.OrderEventKind) domain.HistoryRecord {
	return domain.HistoryRecord{
		Entity:    domain.EntityOrder,
		EntityKey: o.Key.Encode(),
		User:      o.Key.User,
		Exchange:  o.Key.Exchange,
		Symbol:    o.Symbol,
		Kind:      string(kind),
		Seq:       o.Seq,
		Snapshot:  snapshot(o),
	}
}

// TrailingStopRecord builds the history row for a trailing stop transition.
func TrailingStopRecord(s domain.TrailingStop, kind domain.TrailingStopEventKind) domain.HistoryRecord {
	return domain.HistoryRecord{
		Entity:    domain.EntityTrailingStop,
		EntityKey: s.Key.Encode(),
		User:      s.Key.User,
		Exchange:  s.Exchange,
		Symbol:    s.Key.Symbol,
		Kind:      string(kind),
		Seq:       s.Seq,
		Snapshot:  snapshot(s),
	}
}

// RuleRecord builds the history row for a conditional rule transition.
func RuleRecord(r domain.ConditionalRule, kind domain.ConditionalRuleEventKind) domain.HistoryRecord {
	return domain.HistoryRecord{
		Entity:    domain.EntityConditionalRule,
		EntityKey: r.Key.Encode(),
		User:      r.Key.User,
		Exchange:  r.Exchange,
		Kind:      string(kind),
		Seq:       r.Seq,
		Snapshot:  snapshot(r),
	}
}
