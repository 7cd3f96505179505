// Package conditional cancels dependent orders when a trigger order reaches
// a configured status. Rules are partitioned by user and fire at most once.
package conditional

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradewatch/internal/broker"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/partition"
)

// Canceler sends order cancel commands.
type Canceler interface {
	CancelOrder(ctx context.Context, req domain.CancelRequest) error
}

// OrderSource answers the current state of an order.
type OrderSource interface {
	Order(key domain.OrderKey) (domain.Order, error)
}

// Persister stores rule state, history and the fire-once marker.
type Persister interface {
	PutRule(ctx context.Context, r domain.ConditionalRule) error
	DeleteRule(ctx context.Context, key domain.RuleKey) error
	MarkFired(ctx context.Context, key domain.RuleKey, episode string) (bool, error)
	Append(ctx context.Context, rec domain.HistoryRecord) error
}

// Config tunes the engine.
type Config struct {
	Shards        int
	QueueSize     int
	SweepInterval time.Duration
	// DefaultTTL applies to rules registered without a TTL. Zero means rules
	// never expire.
	DefaultTTL time.Duration
}

// Engine owns every conditional rule.
type Engine struct {
	cfg      Config
	bus      *broker.Broker
	store    Persister
	canceler Canceler
	orders   OrderSource
	pool     *partition.Pool[partition.Task]
	logger   *slog.Logger

	sub *broker.Subscription

	mu        sync.RWMutex
	rules     map[domain.RuleKey]domain.ConditionalRule
	byTrigger map[domain.OrderKey]map[domain.RuleKey]struct{}
	lastSeq   map[domain.RuleKey]uint64

	inflight sync.WaitGroup
}

// New creates an Engine subscribed to order events on bus.
func New(cfg Config, bus *broker.Broker, store Persister, canceler Canceler, orders OrderSource, logger *slog.Logger) (*Engine, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	sub, err := bus.Subscribe(domain.TopicPattern(domain.TopicOrders, "*"),
		broker.WithName("conditional-orders"), broker.WithQueueSize(cfg.QueueSize))
	if err != nil {
		return nil, fmt.Errorf("conditional: subscribe orders: %w", err)
	}
	return &Engine{
		cfg:       cfg,
		bus:       bus,
		store:     store,
		canceler:  canceler,
		orders:    orders,
		pool:      partition.New("conditional", cfg.Shards, cfg.QueueSize, partition.RunTask, logger),
		logger:    logger.With(slog.String("component", "conditional")),
		sub:       sub,
		rules:     make(map[domain.RuleKey]domain.ConditionalRule),
		byTrigger: make(map[domain.OrderKey]map[domain.RuleKey]struct{}),
		lastSeq:   make(map[domain.RuleKey]uint64),
	}, nil
}

// Run processes order events and expiry sweeps until ctx is cancelled, then
// waits for in-flight cancel commands.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "conditional engine starting")

	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()
	poolDone := make(chan error, 1)
	go func() { poolDone <- e.pool.Run(poolCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.consume(gctx) })
	g.Go(func() error { return e.sweepLoop(gctx) })
	err := g.Wait()

	e.inflight.Wait()
	stopPool()
	if perr := <-poolDone; err == nil {
		err = perr
	}
	e.logger.Info("conditional engine stopped")
	return err
}

// Close unsubscribes and stops accepting work.
func (e *Engine) Close() {
	e.sub.Close()
	e.pool.Close()
}

func (e *Engine) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-e.sub.Events():
			if !ok {
				return nil
			}
			oe, isOrder := ev.(domain.OrderEvent)
			if !isOrder {
				continue
			}
			order := oe.Order
			for _, key := range e.rulesFor(order.Key) {
				_ = e.pool.Submit(ctx, key.User, func(ctx context.Context) { e.onOrder(ctx, key, order) })
			}
		}
	}
}

func (e *Engine) rulesFor(k domain.OrderKey) []domain.RuleKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.byTrigger[k]
	out := make([]domain.RuleKey, 0, len(set))
	for rk := range set {
		out = append(out, rk)
	}
	return out
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.Sweep(ctx, now)
		}
	}
}

// Sweep expires pending rules whose deadline passed before now.
func (e *Engine) Sweep(ctx context.Context, now time.Time) int {
	e.mu.RLock()
	var due []domain.RuleKey
	for k, r := range e.rules {
		if r.State == domain.RuleStatePending && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			due = append(due, k)
		}
	}
	e.mu.RUnlock()
	for _, k := range due {
		_ = e.pool.Submit(ctx, k.User, func(ctx context.Context) { e.expire(ctx, k, now) })
	}
	return len(due)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Register adds a pending rule. A rule whose trigger order already reached
// the condition fires immediately. Every registration starts a new episode,
// so a rule id may be reused once its previous episode has left the table.
func (e *Engine) Register(ctx context.Context, spec domain.RuleSpec) (domain.ConditionalRule, error) {
	if spec.RuleID == "" {
		spec.RuleID = uuid.NewString()
	}
	if err := validate(spec); err != nil {
		return domain.ConditionalRule{}, err
	}
	key := domain.RuleKey{User: spec.User, RuleID: spec.RuleID}

	var out domain.ConditionalRule
	err := partition.Call(ctx, e.pool, key.User, func(ctx context.Context) error {
		if _, exists := e.get(key); exists {
			return fmt.Errorf("conditional: register %s: %w", key, domain.ErrAlreadyExists)
		}
		now := time.Now().UTC()
		r := domain.ConditionalRule{
			Key:            key,
			EpisodeID:      uuid.NewString(),
			Exchange:       spec.Exchange,
			TriggerOrderID: spec.TriggerOrderID,
			CancelOrderIDs: slices.Clone(spec.CancelOrderIDs),
			Condition:      spec.Condition,
			State:          domain.RuleStatePending,
			Results:        make(map[string]domain.CancelResult),
			CreatedAt:      now,
		}
		ttl := spec.TTL
		if ttl <= 0 {
			ttl = e.cfg.DefaultTTL
		}
		if ttl > 0 {
			exp := now.Add(ttl)
			r.ExpiresAt = &exp
		}
		out = e.emit(ctx, r, domain.RuleRegistered, "", "")
		e.logger.InfoContext(ctx, "conditional rule registered",
			slog.String("rule", key.String()),
			slog.String("trigger", spec.TriggerOrderID),
			slog.Int("targets", len(spec.CancelOrderIDs)),
			slog.String("condition", string(spec.Condition)),
		)

		if o, err := e.orders.Order(out.TriggerKey()); err == nil && out.Condition.Matches(o.Status) {
			out = e.fire(ctx, out, o)
		}
		return nil
	})
	return out, err
}

func validate(spec domain.RuleSpec) error {
	var problems []error
	if spec.User == "" || spec.Exchange == "" || spec.TriggerOrderID == "" {
		problems = append(problems, errors.New("user, exchange and trigger order are required"))
	}
	if len(spec.CancelOrderIDs) == 0 {
		problems = append(problems, errors.New("at least one order to cancel is required"))
	}
	seen := make(map[string]bool, len(spec.CancelOrderIDs))
	for _, id := range spec.CancelOrderIDs {
		switch {
		case id == "":
			problems = append(problems, errors.New("empty order id to cancel"))
		case id == spec.TriggerOrderID:
			problems = append(problems, fmt.Errorf("order %s is both trigger and target", id))
		case seen[id]:
			problems = append(problems, fmt.Errorf("order %s listed twice", id))
		}
		seen[id] = true
	}
	if !spec.Condition.Valid() {
		problems = append(problems, fmt.Errorf("condition %q", spec.Condition))
	}
	if len(problems) > 0 {
		return fmt.Errorf("conditional: %w: %w", domain.ErrInvalidSpec, errors.Join(problems...))
	}
	return nil
}

// Remove deletes a pending rule.
func (e *Engine) Remove(ctx context.Context, key domain.RuleKey) error {
	return partition.Call(ctx, e.pool, key.User, func(ctx context.Context) error {
		r, ok := e.get(key)
		if !ok {
			return fmt.Errorf("conditional: remove %s: %w", key, domain.ErrNotFound)
		}
		if r.State != domain.RuleStatePending {
			return fmt.Errorf("conditional: remove %s in state %s: %w", key, r.State, domain.ErrInvalidTransition)
		}
		e.emit(ctx, r, domain.RuleRemoved, "", "user")
		e.drop(ctx, key)
		return nil
	})
}

// Rule returns a live rule.
func (e *Engine) Rule(key domain.RuleKey) (domain.ConditionalRule, error) {
	r, ok := e.get(key)
	if !ok {
		return domain.ConditionalRule{}, fmt.Errorf("conditional: rule %s: %w", key, domain.ErrNotFound)
	}
	return r, nil
}

// Rules returns the live rules of user sorted by id.
func (e *Engine) Rules(user string) []domain.ConditionalRule {
	e.mu.RLock()
	out := make([]domain.ConditionalRule, 0)
	for k, r := range e.rules {
		if k.User == user {
			out = append(out, cloneRule(r))
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.RuleID < out[j].Key.RuleID })
	return out
}

// Restore reloads pending rules from the hot cache after a restart.
func (e *Engine) Restore(ctx context.Context, cache domain.StateCache) error {
	rules, err := cache.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("conditional: restore: %w", err)
	}
	n := 0
	for _, r := range rules {
		if r.State != domain.RuleStatePending {
			e.logger.WarnContext(ctx, "skipping non-pending rule on restore",
				slog.String("rule", r.Key.String()),
				slog.String("state", string(r.State)),
			)
			continue
		}
		err := partition.Call(ctx, e.pool, r.Key.User, func(context.Context) error {
			if _, ok := e.get(r.Key); !ok {
				e.put(r)
				n++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	e.logger.InfoContext(ctx, "conditional rules restored", slog.Int("count", n))
	return nil
}
