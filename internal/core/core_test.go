package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradewatch/internal/broker"
	"github.com/alanyoungcy/tradewatch/internal/command"
	"github.com/alanyoungcy/tradewatch/internal/conditional"
	"github.com/alanyoungcy/tradewatch/internal/discovery"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/feed"
	"github.com/alanyoungcy/tradewatch/internal/persist"
	"github.com/alanyoungcy/tradewatch/internal/persist/persisttest"
	"github.com/alanyoungcy/tradewatch/internal/retry"
	"github.com/alanyoungcy/tradewatch/internal/tracker"
	"github.com/alanyoungcy/tradewatch/internal/trailing"
)

type pipeStream struct {
	msgs   chan feed.Message
	closed chan struct{}
	once   sync.Once
}

func (s *pipeStream) Subscribe(context.Context, []string) error { return nil }

func (s *pipeStream) Recv(ctx context.Context) (feed.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.closed:
		return feed.Message{}, errors.New("closed")
	case <-ctx.Done():
		return feed.Message{}, ctx.Err()
	}
}

func (s *pipeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type pipeTransport struct {
	ready chan *pipeStream
}

func (p *pipeTransport) Dial(context.Context, domain.BookKey) (feed.Stream, error) {
	s := &pipeStream{msgs: make(chan feed.Message, 16), closed: make(chan struct{})}
	p.ready <- s
	return s, nil
}

type recordingAPI struct {
	mu      sync.Mutex
	closes  []domain.CloseRequest
	cancels []domain.CancelRequest
}

func (a *recordingAPI) ClosePosition(_ context.Context, req domain.CloseRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes = append(a.closes, req)
	return nil
}

func (a *recordingAPI) CancelOrder(_ context.Context, req domain.CancelRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, req)
	return nil
}

func (a *recordingAPI) closeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.closes)
}

func newTestService(t *testing.T, api domain.CommandAPI, transport feed.Transport) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := broker.New(broker.Config{}, logger)
	cache := persisttest.NewCache()
	layer := persist.New(cache, persisttest.NewHistory(), bus, persist.Config{Attempts: 1}, logger)

	positions := tracker.NewPositionTracker(tracker.Config{Shards: 2}, layer, bus, logger)
	orders := tracker.NewOrderTracker(tracker.Config{Shards: 2}, layer, bus, logger)
	router := NewRouter(bus, positions, orders)
	feeds := feed.NewManager(feed.Config{
		Backoff: retry.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}, transport, router, cache, bus, logger)

	dispatcher := command.NewDispatcher(api, nil, command.Config{
		RatePerSecond: 1000, Burst: 100,
		Retry: retry.Policy{Attempts: 1},
	}, logger)
	stops, err := trailing.New(trailing.Config{Shards: 2}, bus, layer, dispatcher, nil, logger)
	require.NoError(t, err)
	rules, err := conditional.New(conditional.Config{Shards: 2}, bus, layer, dispatcher, orders, logger)
	require.NoError(t, err)

	tracking := NewTracking(feeds, positions, orders, cache, logger)
	scanner := discovery.New(discovery.Config{}, nil, []domain.SymbolSource{positions, orders}, tracking, feeds.Degraded(), logger)

	return New(Components{
		Bus:        bus,
		Persist:    layer,
		Feeds:      feeds,
		Positions:  positions,
		Orders:     orders,
		Trailing:   stops,
		Rules:      rules,
		Dispatcher: dispatcher,
		Scanner:    scanner,
	}, logger)
}

func TestFeedToTrailingStopClose(t *testing.T) {
	api := &recordingAPI{}
	transport := &pipeTransport{ready: make(chan *pipeStream, 4)}
	svc := newTestService(t, api, transport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	book := domain.BookKey{User: "alice", Exchange: "binance"}
	require.NoError(t, svc.ActivateUser(book, []string{"BTCUSDT"}))
	var stream *pipeStream
	select {
	case stream = <-transport.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("feed never dialed")
	}

	key := domain.PositionKey{User: "alice", Exchange: "binance", Symbol: "BTCUSDT", Side: domain.SideLong}
	stream.msgs <- feed.Message{Kind: feed.KindPosition, Position: domain.PositionUpdate{
		Key:        key,
		Size:       decimal.RequireFromString("0.5"),
		EntryPrice: decimal.RequireFromString("50000"),
		MarkPrice:  decimal.RequireFromString("50000"),
		Leverage:   decimal.NewFromInt(3),
	}}
	require.Eventually(t, func() bool {
		return len(svc.Positions(book)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := svc.RegisterTrailingStop(ctx, domain.TrailingStopSpec{
		Key:             key.Stop(),
		Exchange:        "binance",
		ActivationPrice: decimal.RequireFromString("51000"),
		CallbackRate:    decimal.RequireFromString("0.01"),
	})
	require.NoError(t, err)

	for _, p := range []string{"51000", "52000", "51480"} {
		stream.msgs <- feed.Message{Kind: feed.KindPrice, Price: domain.PriceTick{
			Market: domain.MarketKey{Symbol: "BTCUSDT"},
			Price:  decimal.RequireFromString(p),
		}}
	}

	require.Eventually(t, func() bool { return api.closeCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	api.mu.Lock()
	assert.Equal(t, key, api.closes[0].Position)
	api.mu.Unlock()

	stop, err := svc.TrailingStop(key.Stop())
	require.NoError(t, err)
	assert.Equal(t, domain.StopStateTriggered, stop.State)
	assert.True(t, stop.StopPrice.Equal(decimal.RequireFromString("51480")))

	h := svc.Health()
	assert.False(t, h.Degraded())
	require.Len(t, h.Feeds, 1)
	assert.Equal(t, book, h.Feeds[0].Book)
	assert.Zero(t, h.Positions.Rejected)
	assert.Zero(t, h.Orders.Rejected)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestActivateRejectsIncompleteBook(t *testing.T) {
	svc := newTestService(t, &recordingAPI{}, &pipeTransport{ready: make(chan *pipeStream, 1)})
	assert.ErrorIs(t, svc.ActivateUser(domain.BookKey{User: "alice"}, nil), domain.ErrInvalidKey)
}

type capture struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *capture) Emit(e domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func TestRouterNumbersPricesPerMarket(t *testing.T) {
	pub := &capture{}
	r := NewRouter(pub, nil, nil)
	btc := domain.MarketKey{Exchange: "binance", Symbol: "BTCUSDT"}
	eth := domain.MarketKey{Exchange: "binance", Symbol: "ETHUSDT"}

	for _, m := range []domain.MarketKey{btc, eth, btc} {
		require.NoError(t, r.HandlePrice(context.Background(), domain.PriceTick{Market: m, Price: decimal.NewFromInt(1)}))
	}
	require.Len(t, pub.events, 3)
	assert.Equal(t, uint64(1), pub.events[0].Sequence())
	assert.Equal(t, uint64(1), pub.events[1].Sequence())
	assert.Equal(t, uint64(2), pub.events[2].Sequence())
	assert.Equal(t, "prices:binance:BTCUSDT", pub.events[2].Topic())
}
