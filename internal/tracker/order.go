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

// orderBook is the order state of one (user, exchange) account.
type orderBook struct {
	open    map[string]domain.Order
	closed  *Ring[domain.Order]
	lastSeq map[string]uint64
}

// OrderTracker owns the open-order index and the closed-order history.
type OrderTracker struct {
	pool     *partition.Pool[partition.Task]
	store    Persister
	pub      Publisher
	capacity int
	logger   *slog.Logger

	mu    sync.RWMutex
	books map[domain.BookKey]*orderBook

	stale    atomic.Uint64
	rejected atomic.Uint64
}

// NewOrderTracker creates an OrderTracker.
func NewOrderTracker(cfg Config, store Persister, pub Publisher, logger *slog.Logger) *OrderTracker {
	cfg = cfg.withDefaults()
	return &OrderTracker{
		pool:     partition.New("orders", cfg.Shards, cfg.QueueSize, partition.RunTask, logger),
		store:    store,
		pub:      pub,
		capacity: cfg.ClosedHistory,
		logger:   logger.With(slog.String("component", "order_tracker")),
		books:    make(map[domain.BookKey]*orderBook),
	}
}

// Run processes updates until ctx is cancelled.
func (t *OrderTracker) Run(ctx context.Context) error { return t.pool.Run(ctx) }

// Close stops accepting updates.
func (t *OrderTracker) Close() { t.pool.Close() }

// HandleUpdate queues u on the shard owning its identity.
func (t *OrderTracker) HandleUpdate(ctx context.Context, u domain.OrderUpdate) error {
	return t.pool.Submit(ctx, u.Key.Encode(), func(ctx context.Context) {
		t.apply(ctx, u)
	})
}

// Hydrate loads the open orders of book from the hot cache.
func (t *OrderTracker) Hydrate(ctx context.Context, cache domain.StateCache, book domain.BookKey) error {
	cached, err := cache.ListOrders(ctx, book)
	if err != nil {
		return fmt.Errorf("tracker: hydrate orders %s: %w", book, err)
	}
	for _, o := range cached {
		if o.Status.Terminal() {
			continue
		}
		err := t.pool.Submit(ctx, o.Key.Encode(), func(context.Context) {
			t.mu.Lock()
			defer t.mu.Unlock()
			b := t.bookLocked(o.Key.Book())
			if _, ok := b.lastSeq[o.Key.OrderID]; ok {
				return
			}
			b.open[o.Key.OrderID] = o
			b.lastSeq[o.Key.OrderID] = o.Seq
		})
		if err != nil {
			return err
		}
	}
	t.logger.InfoContext(ctx, "orders hydrated", slog.String("book", book.String()), slog.Int("count", len(cached)))
	return nil
}

// Stats returns the discard counters.
func (t *OrderTracker) Stats() Stats {
	return Stats{Stale: t.stale.Load(), Rejected: t.rejected.Load()}
}

func (t *OrderTracker) bookLocked(k domain.BookKey) *orderBook {
	b, ok := t.books[k]
	if !ok {
		b = &orderBook{
			open:    make(map[string]domain.Order),
			closed:  NewRing[domain.Order](t.capacity),
			lastSeq: make(map[string]uint64),
		}
		t.books[k] = b
	}
	return b
}

// lookupLocked returns the current state of an order, open or recently
// closed, with its last applied sequence.
func (t *OrderTracker) lookupLocked(key domain.OrderKey) (domain.Order, uint64, bool, bool) {
	b, ok := t.books[key.Book()]
	if !ok {
		return domain.Order{}, 0, false, false
	}
	last, seen := b.lastSeq[key.OrderID]
	if o, ok := b.open[key.OrderID]; ok {
		return o, last, seen, true
	}
	o, ok := b.closed.Find(func(o domain.Order) bool { return o.Key.OrderID == key.OrderID })
	return o, last, seen, ok
}

func (t *OrderTracker) apply(ctx context.Context, u domain.OrderUpdate) {
	key := u.Key
	log := t.logger.With(slog.String("key", key.String()), slog.Uint64("seq", u.Seq))

	if !u.Status.Valid() {
		t.rejected.Add(1)
		log.WarnContext(ctx, "order update with unknown status discarded", slog.String("status", string(u.Status)))
		return
	}
	if u.Filled.IsNegative() || (u.Quantity.IsPositive() && u.Filled.GreaterThan(u.Quantity)) {
		t.rejected.Add(1)
		log.WarnContext(ctx, "order update with filled above quantity discarded",
			slog.String("filled", u.Filled.String()),
			slog.String("quantity", u.Quantity.String()),
		)
		return
	}

	t.mu.RLock()
	cur, last, seen, exists := t.lookupLocked(key)
	t.mu.RUnlock()

	if seen && u.Seq <= last {
		t.stale.Add(1)
		log.DebugContext(ctx, "stale order update", slog.Uint64("last_seq", last))
		return
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	next := domain.Order{
		Key:       key,
		Symbol:    u.Symbol,
		Side:      u.Side,
		Type:      u.Type,
		Quantity:  u.Quantity,
		Filled:    u.Filled,
		Price:     u.Price,
		Status:    u.Status,
		Seq:       u.Seq,
		CreatedAt: at,
		UpdatedAt: at,
	}

	if exists {
		next.CreatedAt = cur.CreatedAt
		if next.Symbol == "" {
			next.Symbol = cur.Symbol
		}
		if next.Side == "" {
			next.Side = cur.Side
		}
		if next.Type == "" {
			next.Type = cur.Type
		}
		if cur.SameState(next) {
			t.recordSeq(key, u.Seq)
			return
		}
		if cur.Status.Terminal() || u.Status.Rank() < cur.Status.Rank() || u.Filled.LessThan(cur.Filled) {
			t.rejected.Add(1)
			t.recordSeq(key, u.Seq)
			log.WarnContext(ctx, "order status regression discarded",
				slog.String("from", string(cur.Status)),
				slog.String("to", string(u.Status)),
			)
			return
		}
	}

	terminal := next.Status.Terminal()
	if terminal {
		next.ClosedAt = &at
	}

	t.mu.Lock()
	b := t.bookLocked(key.Book())
	b.lastSeq[key.OrderID] = u.Seq
	if terminal {
		delete(b.open, key.OrderID)
		if evicted, ok := b.closed.Push(next); ok {
			if _, reopened := b.open[evicted.Key.OrderID]; !reopened {
				delete(b.lastSeq, evicted.Key.OrderID)
			}
		}
	} else {
		b.open[key.OrderID] = next
	}
	t.mu.Unlock()

	kind := domain.OrderEventKindFor(next.Status)
	_ = t.store.PutOrder(ctx, next)
	_ = t.store.Append(ctx, persist.OrderRecord(next, kind))

	t.pub.Emit(domain.OrderEvent{
		ID:    uuid.NewString(),
		Kind:  kind,
		Seq:   next.Seq,
		Order: next,
		At:    at,
	})

	if terminal {
		_ = t.store.DeleteOrder(ctx, key)
	}
	log.DebugContext(ctx, "order applied", slog.String("kind", string(kind)))
}

func (t *OrderTracker) recordSeq(key domain.OrderKey, seq uint64) {
	t.mu.Lock()
	t.bookLocked(key.Book()).lastSeq[key.OrderID] = seq
	t.mu.Unlock()
}

// Order returns an open or recently closed order.
func (t *OrderTracker) Order(key domain.OrderKey) (domain.Order, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, _, _, ok := t.lookupLocked(key)
	if !ok {
		return domain.Order{}, fmt.Errorf("tracker: order %s: %w", key, domain.ErrNotFound)
	}
	return o, nil
}

// OpenOrders returns the non-terminal orders of book sorted by creation.
func (t *OrderTracker) OpenOrders(book domain.BookKey) []domain.Order {
	t.mu.RLock()
	out := make([]domain.Order, 0)
	if b, ok := t.books[book]; ok {
		for _, o := range b.open {
			out = append(out, o)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key.OrderID < out[j].Key.OrderID
	})
	return out
}

// ClosedOrders returns the closed history of book, newest first.
func (t *OrderTracker) ClosedOrders(book domain.BookKey) []domain.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.books[book]
	if !ok {
		return []domain.Order{}
	}
	items := b.closed.Items()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// Name identifies the tracker as a discovery symbol source.
func (t *OrderTracker) Name() string { return "orders" }

// Symbols lists symbols with an open order in book.
func (t *OrderTracker) Symbols(_ context.Context, book domain.BookKey) ([]string, error) {
	seen := make(map[string]struct{})
	for _, o := range t.OpenOrders(book) {
		if o.Symbol != "" {
			seen[o.Symbol] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

var _ domain.SymbolSource = (*OrderTracker)(nil)
