package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/partition"
	"github.com/alanyoungcy/tradewatch/internal/persist"
)

// PositionTracker owns live position state.
type PositionTracker struct {
	pool   *partition.Pool[partition.Task]
	store  Persister
	pub    Publisher
	logger *slog.Logger

	mu        sync.RWMutex
	positions map[domain.PositionKey]domain.Position
	lastSeq   map[domain.PositionKey]uint64

	stale    atomic.Uint64
	rejected atomic.Uint64
}

// NewPositionTracker creates a PositionTracker.
func NewPositionTracker(cfg Config, store Persister, pub Publisher, logger *slog.Logger) *PositionTracker {
	cfg = cfg.withDefaults()
	return &PositionTracker{
		pool:      partition.New("positions", cfg.Shards, cfg.QueueSize, partition.RunTask, logger),
		store:     store,
		pub:       pub,
		logger:    logger.With(slog.String("component", "position_tracker")),
		positions: make(map[domain.PositionKey]domain.Position),
		lastSeq:   make(map[domain.PositionKey]uint64),
	}
}

// Run processes updates until ctx is cancelled.
func (t *PositionTracker) Run(ctx context.Context) error { return t.pool.Run(ctx) }

// Close stops accepting updates.
func (t *PositionTracker) Close() { t.pool.Close() }

// HandleUpdate queues u on the shard owning its identity.
func (t *PositionTracker) HandleUpdate(ctx context.Context, u domain.PositionUpdate) error {
	return t.pool.Submit(ctx, u.Key.Encode(), func(ctx context.Context) {
		t.apply(ctx, u)
	})
}

// Hydrate loads the live positions of book from the hot cache. Positions the
// tracker already holds are left alone.
func (t *PositionTracker) Hydrate(ctx context.Context, cache domain.StateCache, book domain.BookKey) error {
	cached, err := cache.ListPositions(ctx, book)
	if err != nil {
		return fmt.Errorf("tracker: hydrate positions %s: %w", book, err)
	}
	for _, p := range cached {
		if p.Status != domain.PositionStatusOpen {
			continue
		}
		err := t.pool.Submit(ctx, p.Key.Encode(), func(context.Context) {
			t.mu.Lock()
			defer t.mu.Unlock()
			if _, ok := t.lastSeq[p.Key]; ok {
				return
			}
			t.positions[p.Key] = p
			t.lastSeq[p.Key] = p.Seq
		})
		if err != nil {
			return err
		}
	}
	t.logger.InfoContext(ctx, "positions hydrated", slog.String("book", book.String()), slog.Int("count", len(cached)))
	return nil
}

// Stats returns the discard counters.
func (t *PositionTracker) Stats() Stats {
	return Stats{Stale: t.stale.Load(), Rejected: t.rejected.Load()}
}

func (t *PositionTracker) apply(ctx context.Context, u domain.PositionUpdate) {
	key := u.Key
	if !key.Side.Valid() || u.Size.IsNegative() {
		t.rejected.Add(1)
		t.logger.WarnContext(ctx, "invalid position update discarded",
			slog.String("key", key.String()),
			slog.String("size", u.Size.String()),
		)
		return
	}

	t.mu.RLock()
	last, seen := t.lastSeq[key]
	cur, live := t.positions[key]
	t.mu.RUnlock()

	if seen && u.Seq <= last {
		t.stale.Add(1)
		t.logger.DebugContext(ctx, "stale position update",
			slog.String("key", key.String()),
			slog.Uint64("seq", u.Seq),
			slog.Uint64("last_seq", last),
		)
		return
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	next := merge(cur, live, u, at)

	var kind domain.PositionEventKind
	switch {
	case !live && u.Size.IsZero():
		t.recordSeq(key, u.Seq)
		return
	case !live:
		kind = domain.PositionOpened
		next.Status = domain.PositionStatusOpen
		next.OpenedAt = at
	case u.Size.IsZero():
		kind = domain.PositionClosed
		next.Status = domain.PositionStatusClosed
		next.ClosedAt = &at
	case cur.SameState(next):
		// Replayed state, e.g. a snapshot after reconnect.
		t.mu.Lock()
		t.lastSeq[key] = u.Seq
		cur.Seq = u.Seq
		t.positions[key] = cur
		t.mu.Unlock()
		return
	default:
		kind = domain.PositionUpdated
	}

	t.mu.Lock()
	t.lastSeq[key] = u.Seq
	if kind == domain.PositionClosed {
		delete(t.positions, key)
	} else {
		t.positions[key] = next
	}
	t.mu.Unlock()

	// Persistence failures are surfaced by the persistence layer; the
	// in-memory state stays authoritative.
	_ = t.store.PutPosition(ctx, next)
	_ = t.store.Append(ctx, persist.PositionRecord(next, kind))

	t.pub.Emit(domain.PositionEvent{
		ID:       uuid.NewString(),
		Kind:     kind,
		Seq:      next.Seq,
		Position: next,
		At:       at,
	})

	if kind == domain.PositionClosed {
		_ = t.store.DeletePosition(ctx, key)
	}

	t.logger.DebugContext(ctx, "position applied",
		slog.String("key", key.String()),
		slog.String("kind", string(kind)),
		slog.Uint64("seq", u.Seq),
	)
}

func (t *PositionTracker) recordSeq(key domain.PositionKey, seq uint64) {
	t.mu.Lock()
	t.lastSeq[key] = seq
	t.mu.Unlock()
}

// merge applies u on top of cur. Zero entry, mark or leverage in u means the
// feed did not report that field.
func merge(cur domain.Position, live bool, u domain.PositionUpdate, at time.Time) domain.Position {
	next := domain.Position{
		Key:        u.Key,
		Size:       u.Size,
		EntryPrice: u.EntryPrice,
		MarkPrice:  u.MarkPrice,
		Leverage:   u.Leverage,
		Seq:        u.Seq,
		UpdatedAt:  at,
	}
	if live {
		next.OpenedAt = cur.OpenedAt
		next.Status = cur.Status
		if next.EntryPrice.IsZero() {
			next.EntryPrice = cur.EntryPrice
		}
		if next.MarkPrice.IsZero() {
			next.MarkPrice = cur.MarkPrice
		}
		if next.Leverage.IsZero() {
			next.Leverage = cur.Leverage
		}
	}
	if next.MarkPrice.IsZero() {
		next.MarkPrice = next.EntryPrice
	}
	next.UnrealizedPnL = domain.UnrealizedPnLFor(u.Key.Side, next.EntryPrice, next.MarkPrice, next.Size)
	return next
}

// Position returns the live position for key.
func (t *PositionTracker) Position(key domain.PositionKey) (domain.Position, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[key]
	if !ok {
		return domain.Position{}, fmt.Errorf("tracker: position %s: %w", key, domain.ErrNotFound)
	}
	return p, nil
}

// Positions returns the live positions of book sorted by symbol and side.
func (t *PositionTracker) Positions(book domain.BookKey) []domain.Position {
	t.mu.RLock()
	out := make([]domain.Position, 0)
	for k, p := range t.positions {
		if k.Book() == book {
			out = append(out, p)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Symbol != out[j].Key.Symbol {
			return out[i].Key.Symbol < out[j].Key.Symbol
		}
		return out[i].Key.Side < out[j].Key.Side
	})
	return out
}

// Name identifies the tracker as a discovery symbol source.
func (t *PositionTracker) Name() string { return "positions" }

// Symbols lists symbols with a live position in book.
func (t *PositionTracker) Symbols(_ context.Context, book domain.BookKey) ([]string, error) {
	seen := make(map[string]struct{})
	for _, p := range t.Positions(book) {
		seen[p.Key.Symbol] = struct{}{}
	}
	return sortedKeys(seen), nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ domain.SymbolSource = (*PositionTracker)(nil)
