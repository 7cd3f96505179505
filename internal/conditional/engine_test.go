package conditional

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradewatch/internal/broker"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/persist"
	"github.com/alanyoungcy/tradewatch/internal/persist/persisttest"
	"github.com/alanyoungcy/tradewatch/internal/retry"
)

type fakeCanceler struct {
	mu    sync.Mutex
	reqs  []domain.CancelRequest
	fails map[string]error
}

func (f *fakeCanceler) CancelOrder(_ context.Context, req domain.CancelRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.fails[req.Order.OrderID]
}

func (f *fakeCanceler) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.reqs))
	for _, r := range f.reqs {
		out = append(out, r.Order.OrderID)
	}
	return out
}

type fakeOrders struct {
	mu     sync.Mutex
	orders map[domain.OrderKey]domain.Order
}

func (f *fakeOrders) set(o domain.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.Key] = o
}

func (f *fakeOrders) Order(key domain.OrderKey) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[key]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

type harness struct {
	bus      *broker.Broker
	engine   *Engine
	canceler *fakeCanceler
	orders   *fakeOrders
	cache    *persisttest.Cache
	events   *broker.Subscription
}

func newHarness(t *testing.T, canceler *fakeCanceler) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := broker.New(broker.Config{}, logger)
	cache := persisttest.NewCache()
	layer := persist.New(cache, persisttest.NewHistory(), bus, persist.Config{
		Attempts: 1, Backoff: retry.Backoff{Base: time.Millisecond},
	}, logger)
	events, err := bus.Subscribe(domain.TopicPattern(domain.TopicConditionalRules, "*"), broker.WithQueueSize(256))
	require.NoError(t, err)

	orders := &fakeOrders{orders: make(map[domain.OrderKey]domain.Order)}
	e, err := New(Config{SweepInterval: time.Hour}, bus, layer, canceler, orders, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		e.Close()
	})
	return &harness{bus: bus, engine: e, canceler: canceler, orders: orders, cache: cache, events: events}
}

func (h *harness) next(t *testing.T) domain.ConditionalRuleEvent {
	t.Helper()
	select {
	case ev := <-h.events.Events():
		return ev.(domain.ConditionalRuleEvent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conditional rule event")
		return domain.ConditionalRuleEvent{}
	}
}

func orderKey(id string) domain.OrderKey {
	return domain.OrderKey{User: "alice", Exchange: "binance", OrderID: id}
}

func (h *harness) orderEvent(id string, status domain.OrderStatus, seq uint64) {
	o := domain.Order{Key: orderKey(id), Symbol: "BTCUSDT", Status: status, Seq: seq}
	h.orders.set(o)
	h.bus.Emit(domain.OrderEvent{Kind: domain.OrderEventKindFor(status), Seq: seq, Order: o})
}

func pairSpec(targets ...string) domain.RuleSpec {
	return domain.RuleSpec{
		User:           "alice",
		RuleID:         "oco-1",
		Exchange:       "binance",
		TriggerOrderID: "A",
		CancelOrderIDs: targets,
		Condition:      domain.ConditionFilled,
	}
}

func TestDuplicateFillCancelsOnce(t *testing.T) {
	h := newHarness(t, &fakeCanceler{})
	h.orderEvent("B", domain.OrderStatusOpen, 1)

	_, err := h.engine.Register(context.Background(), pairSpec("B"))
	require.NoError(t, err)
	assert.Equal(t, domain.RuleRegistered, h.next(t).Kind)

	h.orderEvent("A", domain.OrderStatusFilled, 5)
	h.bus.Emit(domain.OrderEvent{Kind: domain.OrderFilled, Seq: 5, Order: domain.Order{Key: orderKey("A"), Status: domain.OrderStatusFilled}})

	assert.Equal(t, domain.RuleFired, h.next(t).Kind)
	ev := h.next(t)
	assert.Equal(t, domain.RuleCancelOK, ev.Kind)
	assert.Equal(t, "B", ev.OrderID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"B"}, h.canceler.calls())
	assert.Len(t, h.events.Events(), 0)

	_, err = h.engine.Rule(domain.RuleKey{User: "alice", RuleID: "oco-1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPartialFailureIsReportedPerTarget(t *testing.T) {
	canceler := &fakeCanceler{fails: map[string]error{
		"C": &domain.CommandError{Code: "unknown_order", Message: "rejected"},
	}}
	h := newHarness(t, canceler)
	h.orderEvent("B", domain.OrderStatusOpen, 1)
	h.orderEvent("C", domain.OrderStatusOpen, 1)
	h.orderEvent("D", domain.OrderStatusCanceled, 2)

	_, err := h.engine.Register(context.Background(), pairSpec("B", "C", "D"))
	require.NoError(t, err)
	h.next(t)

	h.orderEvent("A", domain.OrderStatusFilled, 3)
	assert.Equal(t, domain.RuleFired, h.next(t).Kind)

	results := map[string]domain.ConditionalRuleEvent{}
	for range 3 {
		ev := h.next(t)
		results[ev.OrderID] = ev
	}
	assert.Equal(t, domain.RuleCancelOK, results["B"].Kind)
	assert.Equal(t, domain.RuleCancelFailed, results["C"].Kind)
	assert.Contains(t, results["C"].Reason, "unknown_order")
	assert.Equal(t, domain.RuleCancelOK, results["D"].Kind)
	assert.Equal(t, reasonAlreadyTerminal, results["D"].Reason)

	assert.ElementsMatch(t, []string{"B", "C"}, h.canceler.calls())
}

func TestConditionMismatchDoesNotFire(t *testing.T) {
	h := newHarness(t, &fakeCanceler{})
	_, err := h.engine.Register(context.Background(), pairSpec("B"))
	require.NoError(t, err)
	h.next(t)

	h.orderEvent("A", domain.OrderStatusPartiallyFilled, 1)
	h.orderEvent("A", domain.OrderStatusCanceled, 2)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, h.canceler.calls())
	r, err := h.engine.Rule(domain.RuleKey{User: "alice", RuleID: "oco-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatePending, r.State)
}

func TestRegisterFiresWhenTriggerAlreadyFilled(t *testing.T) {
	h := newHarness(t, &fakeCanceler{})
	h.orderEvent("A", domain.OrderStatusFilled, 1)

	_, err := h.engine.Register(context.Background(), pairSpec("B"))
	require.NoError(t, err)
	assert.Equal(t, domain.RuleRegistered, h.next(t).Kind)
	assert.Equal(t, domain.RuleFired, h.next(t).Kind)
	assert.Equal(t, domain.RuleCancelOK, h.next(t).Kind)
}

func TestRemoveExpireAndValidation(t *testing.T) {
	h := newHarness(t, &fakeCanceler{})
	ctx := context.Background()

	bad := pairSpec("A")
	_, err := h.engine.Register(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	_, err = h.engine.Register(ctx, pairSpec("B"))
	require.NoError(t, err)
	h.next(t)
	_, err = h.engine.Register(ctx, pairSpec("B"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	key := domain.RuleKey{User: "alice", RuleID: "oco-1"}
	require.NoError(t, h.engine.Remove(ctx, key))
	assert.Equal(t, domain.RuleRemoved, h.next(t).Kind)
	assert.True(t, errors.Is(h.engine.Remove(ctx, key), domain.ErrNotFound))

	spec := pairSpec("B")
	spec.RuleID = "short-lived"
	spec.TTL = time.Minute
	_, err = h.engine.Register(ctx, spec)
	require.NoError(t, err)
	h.next(t)

	assert.Equal(t, 1, h.engine.Sweep(ctx, time.Now().Add(2*time.Minute)))
	assert.Equal(t, domain.RuleExpired, h.next(t).Kind)
	assert.Eventually(t, func() bool { return len(h.engine.Rules("alice")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestReusedRuleIDFiresAgain(t *testing.T) {
	h := newHarness(t, &fakeCanceler{})
	ctx := context.Background()
	h.orderEvent("B", domain.OrderStatusOpen, 1)
	h.orderEvent("Y", domain.OrderStatusOpen, 1)

	first, err := h.engine.Register(ctx, pairSpec("B"))
	require.NoError(t, err)
	h.next(t)
	h.orderEvent("A", domain.OrderStatusFilled, 2)
	assert.Equal(t, domain.RuleFired, h.next(t).Kind)
	assert.Equal(t, domain.RuleCancelOK, h.next(t).Kind)

	key := domain.RuleKey{User: "alice", RuleID: "oco-1"}
	require.Eventually(t, func() bool {
		_, err := h.engine.Rule(key)
		return errors.Is(err, domain.ErrNotFound)
	}, time.Second, 5*time.Millisecond)

	spec := pairSpec("Y")
	spec.TriggerOrderID = "X"
	second, err := h.engine.Register(ctx, spec)
	require.NoError(t, err)
	assert.NotEqual(t, first.EpisodeID, second.EpisodeID)
	assert.Equal(t, domain.RuleRegistered, h.next(t).Kind)

	h.orderEvent("X", domain.OrderStatusFilled, 3)
	assert.Equal(t, domain.RuleFired, h.next(t).Kind)
	ev := h.next(t)
	assert.Equal(t, domain.RuleCancelOK, ev.Kind)
	assert.Equal(t, "Y", ev.OrderID)
	assert.Equal(t, []string{"B", "Y"}, h.canceler.calls())
}

func TestRuleFiredElsewhereIsReportedAndLeftInCache(t *testing.T) {
	h := newHarness(t, &fakeCanceler{})
	ctx := context.Background()

	r, err := h.engine.Register(ctx, pairSpec("B"))
	require.NoError(t, err)
	h.next(t)

	won, err := h.cache.MarkFired(ctx, r.Key, r.EpisodeID)
	require.NoError(t, err)
	require.True(t, won)

	h.orderEvent("A", domain.OrderStatusFilled, 2)
	ev := h.next(t)
	assert.Equal(t, domain.RuleFiredRemote, ev.Kind)
	assert.Equal(t, domain.RuleStateFired, ev.Rule.State)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.canceler.calls())
	_, err = h.engine.Rule(r.Key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cached, err := h.cache.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, r.EpisodeID, cached[0].EpisodeID)
}
