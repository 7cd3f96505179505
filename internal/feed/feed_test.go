package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradewatch/internal/broker"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/persist"
	"github.com/alanyoungcy/tradewatch/internal/persist/persisttest"
	"github.com/alanyoungcy/tradewatch/internal/retry"
	"github.com/alanyoungcy/tradewatch/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errDial = errors.New("connection refused")

type fakeStream struct {
	t      *fakeTransport
	msgs   chan Message
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Subscribe(_ context.Context, symbols []string) error {
	s.t.mu.Lock()
	gate := s.t.gate
	if gate != nil {
		s.t.held++
	}
	s.t.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.subs = append(s.t.subs, slices.Clone(symbols))
	return nil
}

func (s *fakeStream) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.closed:
		return Message{}, errors.New("stream closed")
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	fail  int
	dials int
	subs  [][]string
	ready chan *fakeStream
	// gate, when set, holds every Subscribe until closed.
	gate chan struct{}
	held int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ready: make(chan *fakeStream, 16)}
}

func (f *fakeTransport) Dial(context.Context, domain.BookKey) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.fail > 0 {
		f.fail--
		return nil, errDial
	}
	s := &fakeStream{t: f, msgs: make(chan Message, 16), closed: make(chan struct{})}
	f.ready <- s
	return s, nil
}

func (f *fakeTransport) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = n
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) lastSubscribe() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

// allSubscribes returns every subscribe call as a comma-joined symbol list.
func (f *fakeTransport) allSubscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, strings.Join(s, ","))
	}
	return out
}

func (f *fakeTransport) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeTransport) holdSubscribes() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	return func() {
		f.mu.Lock()
		f.gate = nil
		f.mu.Unlock()
		close(gate)
	}
}

func (f *fakeTransport) heldCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}

func (f *fakeTransport) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-f.ready:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no stream dialed")
		return nil
	}
}

type recordingSink struct {
	mu        sync.Mutex
	positions []domain.PositionUpdate
	orders    []domain.OrderUpdate
	prices    []domain.PriceTick
}

func (r *recordingSink) HandlePosition(_ context.Context, u domain.PositionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, u)
	return nil
}

func (r *recordingSink) HandleOrder(_ context.Context, u domain.OrderUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, u)
	return nil
}

func (r *recordingSink) HandlePrice(_ context.Context, t domain.PriceTick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = append(r.prices, t)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.positions) + len(r.orders) + len(r.prices)
}

func testConfig() Config {
	return Config{
		Backoff:        retry.Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2},
		DegradedAfter:  2 * time.Millisecond,
		DialTimeout:    time.Second,
		HealthInterval: 10 * time.Millisecond,
	}
}

var book = domain.BookKey{User: "alice", Exchange: "binance"}

func positionMsg(size string) Message {
	return Message{Kind: KindPosition, Position: domain.PositionUpdate{
		Key:        domain.PositionKey{User: "alice", Exchange: "binance", Symbol: "BTCUSDT", Side: domain.SideLong},
		Size:       decimal.RequireFromString(size),
		EntryPrice: decimal.RequireFromString("50000"),
		MarkPrice:  decimal.RequireFromString("50000"),
		Leverage:   decimal.NewFromInt(5),
	}}
}

// trackerSink routes feed positions straight into a position tracker.
type trackerSink struct {
	positions *tracker.PositionTracker
}

func (s trackerSink) HandlePosition(ctx context.Context, u domain.PositionUpdate) error {
	return s.positions.HandleUpdate(ctx, u)
}

func (trackerSink) HandleOrder(context.Context, domain.OrderUpdate) error { return nil }
func (trackerSink) HandlePrice(context.Context, domain.PriceTick) error   { return nil }

func TestReconnectResubscribesWithoutDuplicateEvents(t *testing.T) {
	logger := testLogger()
	bus := broker.New(broker.Config{}, logger)
	cache := persisttest.NewCache()
	layer := persist.New(cache, persisttest.NewHistory(), bus, persist.Config{Attempts: 1}, logger)
	positions := tracker.NewPositionTracker(tracker.Config{Shards: 2}, layer, bus, logger)

	events, err := bus.Subscribe(domain.TopicPattern(domain.TopicPositions, "*"), broker.WithQueueSize(64))
	require.NoError(t, err)
	system, err := bus.Subscribe(domain.SystemTopic(domain.SystemConnections), broker.WithQueueSize(16))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go positions.Run(ctx)

	transport := newFakeTransport()
	m := NewManager(testConfig(), transport, trackerSink{positions: positions}, cache, bus, logger)
	go m.Run(ctx)

	require.NoError(t, m.Start(book, []string{"ETHUSDT", "BTCUSDT"}))
	first := transport.next(t)
	first.msgs <- positionMsg("0.5")

	key := positionMsg("0.5").Position.Key
	require.Eventually(t, func() bool {
		_, err := positions.Position(key)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	// Drop the stream and refuse three dials.
	transport.failNext(3)
	first.Close()

	second := transport.next(t)
	assert.Equal(t, 5, transport.dialCount())
	require.Eventually(t, func() bool {
		return transport.subscribeCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, transport.lastSubscribe())

	// The venue replays its snapshot, then a real change.
	second.msgs <- positionMsg("0.5")
	second.msgs <- positionMsg("0.7")
	require.Eventually(t, func() bool {
		p, err := positions.Position(key)
		return err == nil && p.Size.Equal(decimal.RequireFromString("0.7"))
	}, 2*time.Second, 5*time.Millisecond)

	var kinds []string
	require.Eventually(t, func() bool {
		for len(events.Events()) > 0 {
			kinds = append(kinds, (<-events.Events()).EventKind())
		}
		return len(kinds) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"OPENED", "UPDATED"}, kinds)

	degraded := <-m.Degraded()
	assert.True(t, degraded.Degraded)
	assert.Equal(t, book, degraded.Book)
	restored := <-m.Degraded()
	assert.False(t, restored.Degraded)

	require.Eventually(t, func() bool { return len(system.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, string(domain.ConnectionDegraded), (<-system.Events()).EventKind())
	assert.Equal(t, string(domain.ConnectionRestored), (<-system.Events()).EventKind())

	require.Eventually(t, func() bool {
		h, ok := cache.FeedHealth(book)
		return ok && h.Connected && !h.Degraded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamSequenceSurvivesRestart(t *testing.T) {
	transport := newFakeTransport()
	sink := &recordingSink{}
	m := NewManager(testConfig(), transport, sink, nil, nil, testLogger())
	defer m.StopAll()

	require.NoError(t, m.Start(book, []string{"BTCUSDT"}))
	s := transport.next(t)
	s.msgs <- positionMsg("1")
	s.msgs <- Message{Kind: KindPrice, Seq: 77, Price: domain.PriceTick{
		Market: domain.MarketKey{Symbol: "BTCUSDT"},
		Price:  decimal.RequireFromString("50100"),
	}}
	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(book))
	assert.Nil(t, m.Subscriptions(book))
	assert.ErrorIs(t, m.Stop(book), domain.ErrNotFound)

	require.NoError(t, m.Start(book, []string{"BTCUSDT"}))
	s = transport.next(t)
	s.msgs <- positionMsg("1")
	require.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Greater(t, sink.positions[1].StreamSeq, sink.positions[0].StreamSeq)
	assert.Equal(t, sink.positions[0].StreamSeq, sink.positions[0].Seq)
	assert.False(t, sink.positions[0].At.IsZero())

	// Exchange sequences are kept, and the feed fills in the exchange.
	assert.Equal(t, uint64(77), sink.prices[0].Seq)
	assert.Equal(t, "binance", sink.prices[0].Market.Exchange)
}

func TestStartExtendsLiveSubscription(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(testConfig(), transport, &recordingSink{}, nil, nil, testLogger())
	defer m.StopAll()

	require.NoError(t, m.Start(book, []string{"BTCUSDT"}))
	transport.next(t)
	require.Eventually(t, func() bool {
		return slices.Equal(transport.lastSubscribe(), []string{"BTCUSDT"})
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Start(book, []string{"SOLUSDT", "BTCUSDT", ""}))
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, m.Subscriptions(book))
	require.Eventually(t, func() bool {
		return slices.Equal(transport.lastSubscribe(), []string{"BTCUSDT", "SOLUSDT"})
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, transport.dialCount())
	assert.Equal(t, []domain.BookKey{book}, m.Books())
}

func TestSlowExtendDoesNotBlockOtherAccounts(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(testConfig(), transport, &recordingSink{}, nil, nil, testLogger())
	defer m.StopAll()

	require.NoError(t, m.Start(book, []string{"BTCUSDT"}))
	transport.next(t)
	require.Eventually(t, func() bool { return transport.subscribeCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	release := transport.holdSubscribes()
	released := false
	defer func() {
		if !released {
			release()
		}
	}()

	extended := make(chan error, 1)
	go func() { extended <- m.Start(book, []string{"ETHUSDT"}) }()
	require.Eventually(t, func() bool { return transport.heldCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	bob := domain.BookKey{User: "bob", Exchange: "binance"}
	others := make(chan struct{})
	go func() {
		_ = m.Health()
		_ = m.Books()
		_ = m.Start(bob, []string{"BTCUSDT"})
		_ = m.Subscriptions(book)
		close(others)
	}()
	select {
	case <-others:
	case <-time.After(time.Second):
		t.Fatal("other accounts blocked behind an in-flight subscribe")
	}
	assert.Equal(t, []domain.BookKey{book, bob}, m.Books())

	release()
	released = true
	require.NoError(t, <-extended)
	require.Eventually(t, func() bool {
		return slices.Contains(transport.allSubscribes(), "BTCUSDT,ETHUSDT")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestForeignAccountMessagesAreDropped(t *testing.T) {
	transport := newFakeTransport()
	sink := &recordingSink{}
	m := NewManager(testConfig(), transport, sink, nil, nil, testLogger())
	defer m.StopAll()

	require.NoError(t, m.Start(book, []string{"BTCUSDT"}))
	s := transport.next(t)
	foreign := positionMsg("1")
	foreign.Position.Key.User = "mallory"
	s.msgs <- foreign
	s.msgs <- positionMsg("2")

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "alice", sink.positions[0].Key.User)
}

func TestStartAfterStopAllFails(t *testing.T) {
	m := NewManager(testConfig(), newFakeTransport(), &recordingSink{}, nil, nil, testLogger())
	m.StopAll()
	assert.ErrorIs(t, m.Start(book, []string{"BTCUSDT"}), domain.ErrFeedClosed)
}
