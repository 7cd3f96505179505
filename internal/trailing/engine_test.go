package trailing

import (
	"context"
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

type fakeCloser struct {
	mu   sync.Mutex
	reqs []domain.CloseRequest
	err  error
}

func (f *fakeCloser) ClosePosition(_ context.Context, req domain.CloseRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func (f *fakeCloser) calls() []domain.CloseRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CloseRequest(nil), f.reqs...)
}

type harness struct {
	bus    *broker.Broker
	engine *Engine
	closer *fakeCloser
	cache  *persisttest.Cache
	events *broker.Subscription
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, cfg Config, closer *fakeCloser) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := broker.New(broker.Config{}, logger)
	cache := persisttest.NewCache()
	layer := persist.New(cache, persisttest.NewHistory(), bus, persist.Config{
		Attempts: 1, Backoff: retry.Backoff{Base: time.Millisecond},
	}, logger)

	events, err := bus.Subscribe(domain.TopicPattern(domain.TopicTrailingStops, "*"), broker.WithQueueSize(256))
	require.NoError(t, err)

	e, err := New(cfg, bus, layer, closer, cache, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{bus: bus, engine: e, closer: closer, cache: cache, events: events, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
		e.Close()
	})
	return h
}

func (h *harness) tick(symbol, price string, seq uint64) {
	h.bus.Emit(domain.PriceEvent{
		Seq:  seq,
		Tick: domain.PriceTick{Market: domain.MarketKey{Exchange: "binance", Symbol: symbol}, Price: d(price), Seq: seq},
	})
}

// next returns the next trailing stop event or fails after a timeout.
func (h *harness) next(t *testing.T) domain.TrailingStopEvent {
	t.Helper()
	select {
	case ev := <-h.events.Events():
		return ev.(domain.TrailingStopEvent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trailing stop event")
		return domain.TrailingStopEvent{}
	}
}

var btcLongStop = domain.StopKey{User: "alice", Symbol: "BTCUSDT", Side: domain.SideLong}

func btcSpec() domain.TrailingStopSpec {
	return domain.TrailingStopSpec{
		Key:             btcLongStop,
		Exchange:        "binance",
		ActivationPrice: d("50500"),
		CallbackRate:    d("0.02"),
	}
}

func TestTrailingStopScenario(t *testing.T) {
	h := newHarness(t, Config{}, &fakeCloser{})
	ctx := context.Background()

	s, err := h.engine.Register(ctx, btcSpec())
	require.NoError(t, err)
	assert.Equal(t, domain.StopStateArmed, s.State)
	assert.Equal(t, domain.StopRegistered, h.next(t).Kind)

	h.tick("BTCUSDT", "50600", 1)
	ev := h.next(t)
	assert.Equal(t, domain.StopActivated, ev.Kind)
	assert.Equal(t, "50600", ev.Price)

	h.tick("BTCUSDT", "51000", 2)
	ev = h.next(t)
	assert.Equal(t, domain.StopMoved, ev.Kind)
	assert.True(t, ev.Stop.StopPrice.Equal(d("49980")))

	h.tick("BTCUSDT", "49980", 3)
	ev = h.next(t)
	assert.Equal(t, domain.StopTriggered, ev.Kind)
	assert.Equal(t, domain.StopStateTriggered, ev.Stop.State)
	assert.Greater(t, ev.Seq, uint64(3))

	require.Eventually(t, func() bool { return len(h.closer.calls()) == 1 }, time.Second, 5*time.Millisecond)
	req := h.closer.calls()[0]
	assert.Equal(t, domain.PositionKey{User: "alice", Exchange: "binance", Symbol: "BTCUSDT", Side: domain.SideLong}, req.Position)
	assert.Equal(t, s.EpisodeID, req.IdempotencyKey)

	// Later ticks do nothing once triggered.
	h.tick("BTCUSDT", "48000", 4)
	h.tick("BTCUSDT", "52000", 5)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.closer.calls(), 1)
	assert.Len(t, h.events.Events(), 0)
}

func TestFailedCloseKeepsStopTriggered(t *testing.T) {
	closer := &fakeCloser{err: &domain.CommandError{Code: "reduce_only_rejected", Message: "no position"}}
	h := newHarness(t, Config{}, closer)
	ctx := context.Background()

	spec := btcSpec()
	spec.ActivationPrice = d("0")
	_, err := h.engine.Register(ctx, spec)
	require.NoError(t, err)
	h.next(t)

	h.tick("BTCUSDT", "100", 1)
	assert.Equal(t, domain.StopActivated, h.next(t).Kind)
	h.tick("BTCUSDT", "97", 2)
	assert.Equal(t, domain.StopTriggered, h.next(t).Kind)

	ev := h.next(t)
	assert.Equal(t, domain.StopTriggerFailed, ev.Kind)
	assert.Contains(t, ev.Error, "reduce_only_rejected")

	s, err := h.engine.Stop(btcLongStop)
	require.NoError(t, err)
	assert.Equal(t, domain.StopStateTriggered, s.State)
	assert.ErrorIs(t, h.engine.Cancel(ctx, btcLongStop), domain.ErrInvalidTransition)
}

func TestPositionCloseCancelsStop(t *testing.T) {
	h := newHarness(t, Config{}, &fakeCloser{})
	ctx := context.Background()

	_, err := h.engine.Register(ctx, btcSpec())
	require.NoError(t, err)
	h.next(t)

	h.bus.Emit(domain.PositionEvent{
		Kind: domain.PositionClosed,
		Seq:  9,
		Position: domain.Position{
			Key:    domain.PositionKey{User: "alice", Exchange: "binance", Symbol: "BTCUSDT", Side: domain.SideLong},
			Status: domain.PositionStatusClosed,
		},
	})

	ev := h.next(t)
	assert.Equal(t, domain.StopCanceled, ev.Kind)
	assert.Equal(t, "position_closed", ev.Stop.Reason)

	_, err = h.engine.Stop(btcLongStop)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.engine.Stops("alice"))
}

func TestExplicitCancelAndValidation(t *testing.T) {
	h := newHarness(t, Config{}, &fakeCloser{})
	ctx := context.Background()

	bad := btcSpec()
	bad.CallbackRate = d("1.5")
	_, err := h.engine.Register(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	assert.ErrorIs(t, h.engine.Cancel(ctx, btcLongStop), domain.ErrNotFound)

	_, err = h.engine.Register(ctx, btcSpec())
	require.NoError(t, err)
	h.next(t)
	require.NoError(t, h.engine.Cancel(ctx, btcLongStop))
	assert.Equal(t, domain.StopCanceled, h.next(t).Kind)
}

func TestTemplateRegistersOnOpen(t *testing.T) {
	h := newHarness(t, Config{AutoRegister: true}, &fakeCloser{})
	h.cache.SetTemplate("alice", domain.TrailingTemplate{ActivationOffset: d("0.01"), CallbackRate: d("0.02")})

	h.bus.Emit(domain.PositionEvent{
		Kind: domain.PositionOpened,
		Seq:  1,
		Position: domain.Position{
			Key:        domain.PositionKey{User: "alice", Exchange: "binance", Symbol: "BTCUSDT", Side: domain.SideLong},
			EntryPrice: d("50000"),
			Status:     domain.PositionStatusOpen,
		},
	})

	ev := h.next(t)
	assert.Equal(t, domain.StopRegistered, ev.Kind)
	assert.True(t, ev.Stop.ActivationPrice.Equal(d("50500")))
	assert.Equal(t, "template", ev.Stop.Reason)
}
