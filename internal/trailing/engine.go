// Package trailing runs the trailing stop state machines. Each stop is owned
// by one partition shard; price ticks and position lifecycle events for the
// stop are applied there in order.
package trailing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradewatch/internal/broker"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/partition"
	"github.com/alanyoungcy/tradewatch/internal/persist"
)

// Closer sends position close commands.
type Closer interface {
	ClosePosition(ctx context.Context, req domain.CloseRequest) error
}

// Persister stores stop state and history.
type Persister interface {
	PutTrailingStop(ctx context.Context, s domain.TrailingStop) error
	DeleteTrailingStop(ctx context.Context, key domain.StopKey) error
	Append(ctx context.Context, rec domain.HistoryRecord) error
}

// Config tunes the engine.
type Config struct {
	Shards    int
	QueueSize int
	// AutoRegister creates a stop from the user's template when a position
	// opens.
	AutoRegister bool
}

// Engine owns every trailing stop.
type Engine struct {
	cfg       Config
	bus       *broker.Broker
	store     Persister
	closer    Closer
	templates domain.TemplateSource
	pool      *partition.Pool[partition.Task]
	logger    *slog.Logger

	prices    *broker.Subscription
	positions *broker.Subscription

	mu       sync.RWMutex
	stops    map[domain.StopKey]domain.TrailingStop
	byMarket map[domain.MarketKey]map[domain.StopKey]struct{}
	lastSeq  map[domain.StopKey]uint64

	inflight sync.WaitGroup
}

// New creates an Engine subscribed to price and position events on bus.
// templates may be nil.
func New(cfg Config, bus *broker.Broker, store Persister, closer Closer, templates domain.TemplateSource, logger *slog.Logger) (*Engine, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	e := &Engine{
		cfg:       cfg,
		bus:       bus,
		store:     store,
		closer:    closer,
		templates: templates,
		pool:      partition.New("trailing", cfg.Shards, cfg.QueueSize, partition.RunTask, logger),
		logger:    logger.With(slog.String("component", "trailing")),
		stops:     make(map[domain.StopKey]domain.TrailingStop),
		byMarket:  make(map[domain.MarketKey]map[domain.StopKey]struct{}),
		lastSeq:   make(map[domain.StopKey]uint64),
	}

	var err error
	e.prices, err = bus.Subscribe(domain.TopicPattern(domain.TopicPrices, "*"),
		broker.WithName("trailing-prices"), broker.WithQueueSize(cfg.QueueSize))
	if err != nil {
		return nil, fmt.Errorf("trailing: subscribe prices: %w", err)
	}
	e.positions, err = bus.Subscribe(domain.TopicPattern(domain.TopicPositions, "*"),
		broker.WithName("trailing-positions"), broker.WithQueueSize(cfg.QueueSize))
	if err != nil {
		e.prices.Close()
		return nil, fmt.Errorf("trailing: subscribe positions: %w", err)
	}
	return e, nil
}

// Run processes events until ctx is cancelled, then waits for in-flight
// close commands.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "trailing stop engine starting")

	// The pool outlives the consumers so that close commands still in
	// flight at shutdown can report their outcome on the owning shard.
	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()
	poolDone := make(chan error, 1)
	go func() { poolDone <- e.pool.Run(poolCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.consume(gctx, e.prices) })
	g.Go(func() error { return e.consume(gctx, e.positions) })
	err := g.Wait()

	e.inflight.Wait()
	stopPool()
	if perr := <-poolDone; err == nil {
		err = perr
	}
	e.logger.Info("trailing stop engine stopped")
	return err
}

// Close unsubscribes and stops accepting work.
func (e *Engine) Close() {
	e.prices.Close()
	e.positions.Close()
	e.pool.Close()
}

func (e *Engine) consume(ctx context.Context, sub *broker.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			e.dispatch(ctx, ev)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev domain.Event) {
	switch ev := ev.(type) {
	case domain.PriceEvent:
		for _, key := range e.keysFor(ev.Tick.Market) {
			tick := ev.Tick
			_ = e.pool.Submit(ctx, key.Encode(), func(ctx context.Context) { e.onTick(ctx, key, tick) })
		}
	case domain.PositionEvent:
		pos := ev.Position
		key := pos.Key.Stop()
		switch ev.Kind {
		case domain.PositionClosed:
			_ = e.pool.Submit(ctx, key.Encode(), func(ctx context.Context) { e.onPositionClosed(ctx, pos) })
		case domain.PositionOpened:
			if e.cfg.AutoRegister && e.templates != nil {
				_ = e.pool.Submit(ctx, key.Encode(), func(ctx context.Context) { e.onPositionOpened(ctx, pos) })
			}
		}
	}
}

func (e *Engine) keysFor(m domain.MarketKey) []domain.StopKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.byMarket[m]
	out := make([]domain.StopKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Register starts a new episode for spec.Key. A live stop on the same key is
// replaced and reported as canceled.
func (e *Engine) Register(ctx context.Context, spec domain.TrailingStopSpec) (domain.TrailingStop, error) {
	if err := validate(spec); err != nil {
		return domain.TrailingStop{}, err
	}
	var out domain.TrailingStop
	err := partition.Call(ctx, e.pool, spec.Key.Encode(), func(ctx context.Context) error {
		out = e.register(ctx, spec, "")
		return nil
	})
	return out, err
}

func validate(spec domain.TrailingStopSpec) error {
	var problems []error
	if spec.Key.User == "" || spec.Key.Symbol == "" || spec.Exchange == "" {
		problems = append(problems, errors.New("user, symbol and exchange are required"))
	}
	if !spec.Key.Side.Valid() {
		problems = append(problems, fmt.Errorf("side %q", spec.Key.Side))
	}
	if !spec.CallbackRate.IsPositive() || spec.CallbackRate.GreaterThanOrEqual(one) {
		problems = append(problems, fmt.Errorf("callback rate %s not in (0, 1)", spec.CallbackRate))
	}
	if spec.ActivationPrice.IsNegative() {
		problems = append(problems, fmt.Errorf("activation price %s is negative", spec.ActivationPrice))
	}
	if spec.Quantity.IsNegative() {
		problems = append(problems, fmt.Errorf("quantity %s is negative", spec.Quantity))
	}
	if len(problems) > 0 {
		return fmt.Errorf("trailing: %w: %w", domain.ErrInvalidSpec, errors.Join(problems...))
	}
	return nil
}

// register runs on the shard owning spec.Key.
func (e *Engine) register(ctx context.Context, spec domain.TrailingStopSpec, reason string) domain.TrailingStop {
	now := time.Now().UTC()
	if old, ok := e.get(spec.Key); ok && !old.State.Terminal() {
		old.State = domain.StopStateCanceled
		old.Reason = "replaced"
		old.UpdatedAt = now
		e.emit(ctx, old, domain.StopCanceled, eventNote{})
	}

	s := domain.TrailingStop{
		Key:             spec.Key,
		Exchange:        spec.Exchange,
		EpisodeID:       uuid.NewString(),
		ActivationPrice: spec.ActivationPrice,
		CallbackRate:    spec.CallbackRate,
		Quantity:        spec.Quantity,
		State:           domain.StopStateArmed,
		Reason:          reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s = e.emit(ctx, s, domain.StopRegistered, eventNote{})
	e.logger.InfoContext(ctx, "trailing stop registered",
		slog.String("key", s.Key.String()),
		slog.String("exchange", s.Exchange),
		slog.String("activation", s.ActivationPrice.String()),
		slog.String("callback_rate", s.CallbackRate.String()),
	)
	return s
}

// Cancel ends the live episode for key.
func (e *Engine) Cancel(ctx context.Context, key domain.StopKey) error {
	return partition.Call(ctx, e.pool, key.Encode(), func(ctx context.Context) error {
		s, ok := e.get(key)
		if !ok {
			return fmt.Errorf("trailing: cancel %s: %w", key, domain.ErrNotFound)
		}
		if s.State.Terminal() {
			return fmt.Errorf("trailing: cancel %s in state %s: %w", key, s.State, domain.ErrInvalidTransition)
		}
		s.State = domain.StopStateCanceled
		s.Reason = "user"
		s.UpdatedAt = time.Now().UTC()
		e.emit(ctx, s, domain.StopCanceled, eventNote{})
		return nil
	})
}

// Stop returns the current stop for key.
func (e *Engine) Stop(key domain.StopKey) (domain.TrailingStop, error) {
	s, ok := e.get(key)
	if !ok {
		return domain.TrailingStop{}, fmt.Errorf("trailing: stop %s: %w", key, domain.ErrNotFound)
	}
	return s, nil
}

// Stops returns the stops of user sorted by key.
func (e *Engine) Stops(user string) []domain.TrailingStop {
	e.mu.RLock()
	out := make([]domain.TrailingStop, 0)
	for k, s := range e.stops {
		if k.User == user {
			out = append(out, s)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Encode() < out[j].Key.Encode() })
	return out
}

// Restore reloads stops from the hot cache after a restart.
func (e *Engine) Restore(ctx context.Context, cache domain.StateCache) error {
	stops, err := cache.ListTrailingStops(ctx)
	if err != nil {
		return fmt.Errorf("trailing: restore: %w", err)
	}
	n := 0
	for _, s := range stops {
		if s.State == domain.StopStateCanceled {
			continue
		}
		err := partition.Call(ctx, e.pool, s.Key.Encode(), func(context.Context) error {
			if _, ok := e.get(s.Key); !ok {
				e.put(s)
				n++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	e.logger.InfoContext(ctx, "trailing stops restored", slog.Int("count", n))
	return nil
}

// ---------------------------------------------------------------------------
// Event handlers (shard goroutine)
// ---------------------------------------------------------------------------

func (e *Engine) onTick(ctx context.Context, key domain.StopKey, tick domain.PriceTick) {
	s, ok := e.get(key)
	if !ok || s.State.Terminal() || s.Exchange != tick.Market.Exchange {
		return
	}
	at := tick.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	next, steps := advance(s, tick.Price, at)
	if len(steps) == 0 {
		// The extremum may have moved without moving the stop.
		e.mu.Lock()
		e.stops[key] = next
		e.mu.Unlock()
		return
	}
	var last domain.TrailingStop
	for _, st := range steps {
		last = e.emit(ctx, st.Stop, st.Kind, eventNote{price: tick.Price.String()})
	}
	if next.State == domain.StopStateTriggered {
		e.logger.InfoContext(ctx, "trailing stop triggered",
			slog.String("key", key.String()),
			slog.String("price", tick.Price.String()),
			slog.String("stop_price", next.StopPrice.String()),
		)
		e.fire(ctx, last)
	}
}

func (e *Engine) onPositionClosed(ctx context.Context, pos domain.Position) {
	key := pos.Key.Stop()
	s, ok := e.get(key)
	if !ok || s.Exchange != pos.Key.Exchange {
		return
	}
	if s.State.Terminal() {
		// Episode already ended; the position it guarded is gone.
		e.drop(ctx, key)
		return
	}
	s.State = domain.StopStateCanceled
	s.Reason = "position_closed"
	s.UpdatedAt = time.Now().UTC()
	e.emit(ctx, s, domain.StopCanceled, eventNote{})
}

func (e *Engine) onPositionOpened(ctx context.Context, pos domain.Position) {
	key := pos.Key.Stop()
	if s, ok := e.get(key); ok && !s.State.Terminal() {
		return
	}
	tpl, err := e.templates.TrailingTemplate(ctx, pos.Key.User, pos.Key.Symbol)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.WarnContext(ctx, "trailing template lookup failed",
				slog.String("user", pos.Key.User),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	spec := domain.TrailingStopSpec{
		Key:             key,
		Exchange:        pos.Key.Exchange,
		ActivationPrice: activationFromTemplate(pos, tpl),
		CallbackRate:    tpl.CallbackRate,
	}
	if err := validate(spec); err != nil {
		e.logger.WarnContext(ctx, "trailing template invalid",
			slog.String("user", pos.Key.User),
			slog.String("error", err.Error()),
		)
		return
	}
	e.register(ctx, spec, "template")
}

func activationFromTemplate(pos domain.Position, tpl domain.TrailingTemplate) decimal.Decimal {
	if tpl.ActivationOffset.IsZero() {
		return decimal.Zero
	}
	if pos.Key.Side == domain.SideShort {
		return pos.EntryPrice.Mul(one.Sub(tpl.ActivationOffset))
	}
	return pos.EntryPrice.Mul(one.Add(tpl.ActivationOffset))
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

func (e *Engine) get(key domain.StopKey) (domain.TrailingStop, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.stops[key]
	return s, ok
}

func (e *Engine) put(s domain.TrailingStop) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops[s.Key] = s
	m := s.Market()
	if e.byMarket[m] == nil {
		e.byMarket[m] = make(map[domain.StopKey]struct{})
	}
	e.byMarket[m][s.Key] = struct{}{}
	if s.Seq > e.lastSeq[s.Key] {
		e.lastSeq[s.Key] = s.Seq
	}
}

func (e *Engine) removeLocked(key domain.StopKey) {
	s, ok := e.stops[key]
	if !ok {
		return
	}
	delete(e.stops, key)
	m := s.Market()
	delete(e.byMarket[m], key)
	if len(e.byMarket[m]) == 0 {
		delete(e.byMarket, m)
	}
}

func (e *Engine) drop(ctx context.Context, key domain.StopKey) {
	e.mu.Lock()
	e.removeLocked(key)
	e.mu.Unlock()
	_ = e.store.DeleteTrailingStop(ctx, key)
}

// eventNote carries optional event fields.
type eventNote struct {
	price string
	err   string
}

// emit stamps the next sequence on s, stores it and publishes kind. Canceled
// stops are removed from the live index.
func (e *Engine) emit(ctx context.Context, s domain.TrailingStop, kind domain.TrailingStopEventKind, note eventNote) domain.TrailingStop {
	e.mu.Lock()
	seq := e.lastSeq[s.Key] + 1
	e.lastSeq[s.Key] = seq
	e.mu.Unlock()
	s.Seq = seq

	if s.State == domain.StopStateCanceled {
		e.mu.Lock()
		e.removeLocked(s.Key)
		e.mu.Unlock()
	} else {
		e.put(s)
	}

	_ = e.store.Append(ctx, persist.TrailingStopRecord(s, kind))
	if s.State == domain.StopStateCanceled {
		_ = e.store.DeleteTrailingStop(ctx, s.Key)
	} else {
		_ = e.store.PutTrailingStop(ctx, s)
	}

	e.bus.Emit(domain.TrailingStopEvent{
		ID:    uuid.NewString(),
		Kind:  kind,
		Seq:   seq,
		Stop:  s,
		Price: note.price,
		Error: note.err,
		At:    time.Now().UTC(),
	})
	return s
}
