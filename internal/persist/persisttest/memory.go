// Package persisttest provides in-memory persistence fakes with fault
// injection for tests.
package persisttest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// faults makes a fake fail a fixed number of times, or until cleared.
type faults struct {
	mu     sync.Mutex
	err    error
	remain int // -1 fails forever
}

// FailTimes makes the next n operations return err.
func (f *faults) FailTimes(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err, f.remain = err, n
}

// FailAlways makes every operation return err until Heal.
func (f *faults) FailAlways(err error) { f.FailTimes(-1, err) }

// Heal clears injected failures.
func (f *faults) Heal() { f.FailTimes(0, nil) }

func (f *faults) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.remain == 0 || f.err == nil:
		return nil
	case f.remain > 0:
		f.remain--
	}
	return f.err
}

// Cache is an in-memory domain.StateCache and domain.HealthRecorder.
type Cache struct {
	faults

	mu        sync.Mutex
	positions map[domain.PositionKey]domain.Position
	orders    map[domain.OrderKey]domain.Order
	stops     map[domain.StopKey]domain.TrailingStop
	rules     map[domain.RuleKey]domain.ConditionalRule
	fired     map[string]bool
	health    map[domain.BookKey]domain.FeedHealth
	templates map[string]domain.TrailingTemplate
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		positions: make(map[domain.PositionKey]domain.Position),
		orders:    make(map[domain.OrderKey]domain.Order),
		stops:     make(map[domain.StopKey]domain.TrailingStop),
		rules:     make(map[domain.RuleKey]domain.ConditionalRule),
		fired:     make(map[string]bool),
		health:    make(map[domain.BookKey]domain.FeedHealth),
		templates: make(map[string]domain.TrailingTemplate),
	}
}

func (c *Cache) PutPosition(_ context.Context, p domain.Position) error {
	if err := c.next(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[p.Key] = p
	return nil
}

func (c *Cache) GetPosition(_ context.Context, key domain.PositionKey) (domain.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.positions[key]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (c *Cache) DeletePosition(_ context.Context, key domain.PositionKey) error {
	if err := c.next(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, key)
	return nil
}

func (c *Cache) ListPositions(_ context.Context, book domain.BookKey) ([]domain.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Position
	for k, p := range c.positions {
		if k.Book() == book {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Encode() < out[j].Key.Encode() })
	return out, nil
}

func (c *Cache) PutOrder(_ context.Context, o domain.Order) error {
	if err := c.next(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[o.Key] = o
	return nil
}

func (c *Cache) GetOrder(_ context.Context, key domain.OrderKey) (domain.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[key]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (c *Cache) DeleteOrder(_ context.Context, key domain.OrderKey) error {
	if err := c.next(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, key)
	return nil
}

func (c *Cache) ListOrders(_ context.Context, book domain.BookKey) ([]domain.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Order
	for k, o := range c.orders {
		if k.Book() == book {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.OrderID < out[j].Key.OrderID })
	return out, nil
}

func (c *Cache) PutTrailingStop(_ context.Context, s domain.TrailingStop) error {
	if err := c.next(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops[s.Key] = s
	return nil
}

func (c *Cache) DeleteTrailingStop(_ context.Context, key domain.StopKey) error {
	if err := c.next(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stops, key)
	return nil
}

func (c *Cache) ListTrailingStops(context.Context) ([]domain.TrailingStop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TrailingStop, 0, len(c.stops))
	for _, s := range c.stops {
		out = append(out, s)
	}
	return out, nil
}

func (c *Cache) PutRule(_ context.Context, r domain.ConditionalRule) error {
	if err := c.next(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[r.Key] = r
	return nil
}

func (c *Cache) DeleteRule(_ context.Context, key domain.RuleKey) error {
	if err := c.next(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rules, key)
	return nil
}

func (c *Cache) ListRules(context.Context) ([]domain.ConditionalRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ConditionalRule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r)
	}
	return out, nil
}

func (c *Cache) MarkFired(_ context.Context, key domain.RuleKey, episode string) (bool, error) {
	if err := c.next(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	marker := key.Encode() + "|" + episode
	if c.fired[marker] {
		return false, nil
	}
	c.fired[marker] = true
	return true, nil
}

func (c *Cache) PutFeedHealth(_ context.Context, h domain.FeedHealth) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health[h.Book] = h
	return nil
}

// FeedHealth returns the last recorded health for book.
func (c *Cache) FeedHealth(book domain.BookKey) (domain.FeedHealth, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.health[book]
	return h, ok
}

// SetTemplate installs a trailing template for user.
func (c *Cache) SetTemplate(user string, t domain.TrailingTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[user] = t
}

func (c *Cache) TrailingTemplate(_ context.Context, user, _ string) (domain.TrailingTemplate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.templates[user]
	if !ok {
		return domain.TrailingTemplate{}, domain.ErrNotFound
	}
	return t, nil
}

// History is an in-memory domain.HistoryStore.
type History struct {
	faults

	mu      sync.Mutex
	records []domain.HistoryRecord
}

// NewHistory creates an empty History.
func NewHistory() *History { return &History{} }

func (h *History) Append(_ context.Context, rec domain.HistoryRecord) error {
	if err := h.next(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rec.ID = int64(len(h.records) + 1)
	h.records = append(h.records, rec)
	return nil
}

func (h *History) List(_ context.Context, f domain.HistoryFilter) ([]domain.HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.HistoryRecord
	for _, r := range h.records {
		if f.Entity != "" && r.Entity != f.Entity {
			continue
		}
		if f.EntityKey != "" && r.EntityKey != f.EntityKey {
			continue
		}
		if f.User != "" && r.User != f.User {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (h *History) ListRange(_ context.Context, entity domain.EntityKind, from, to time.Time) ([]domain.HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.HistoryRecord
	for _, r := range h.records {
		if r.Entity == entity && !r.RecordedAt.Before(from) && r.RecordedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Kinds returns the kinds recorded for one entity key, in append order.
func (h *History) Kinds(entity domain.EntityKind, key string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range h.records {
		if r.Entity == entity && r.EntityKey == key {
			out = append(out, r.Kind)
		}
	}
	return out
}

// Audit is an in-memory domain.AuditStore.
type Audit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *Audit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (a *Audit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AuditEntry, len(a.entries))
	for i, e := range a.entries {
		out[len(out)-1-i] = e
	}
	return out, nil
}

var (
	_ domain.AuditStore     = (*Audit)(nil)
	_ domain.StateCache     = (*Cache)(nil)
	_ domain.HealthRecorder = (*Cache)(nil)
	_ domain.TemplateSource = (*Cache)(nil)
	_ domain.HistoryStore   = (*History)(nil)
)
