package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/persist/persisttest"
	"github.com/alanyoungcy/tradewatch/internal/retry"
)

type capture struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *capture) Emit(e domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capture) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		out = append(out, e.EventKind())
	}
	return out
}

func newLayer(t *testing.T) (*Layer, *persisttest.Cache, *persisttest.History, *capture) {
	t.Helper()
	cache := persisttest.NewCache()
	hist := persisttest.NewHistory()
	pub := &capture{}
	l := New(cache, hist, pub, Config{
		Attempts:     3,
		Backoff:      retry.Backoff{Base: time.Millisecond, Max: time.Millisecond},
		WriteTimeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return l, cache, hist, pub
}

func samplePosition() domain.Position {
	return domain.Position{
		Key:  domain.PositionKey{User: "alice", Exchange: "binance", Symbol: "BTCUSDT", Side: domain.SideLong},
		Size: decimal.RequireFromString("1"),
		Seq:  7,
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	l, cache, _, pub := newLayer(t)
	cache.FailTimes(2, errors.New("connection reset"))

	p := samplePosition()
	require.NoError(t, l.PutPosition(context.Background(), p))

	got, err := cache.GetPosition(context.Background(), p.Key)
	require.NoError(t, err)
	assert.Equal(t, p.Seq, got.Seq)
	assert.False(t, l.Degraded())
	assert.Empty(t, pub.kinds())
}

func TestExhaustedRetriesSignalDegradedOncePerOutage(t *testing.T) {
	l, cache, _, pub := newLayer(t)
	cache.FailAlways(errors.New("redis down"))

	ctx := context.Background()
	err := l.PutPosition(ctx, samplePosition())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistenceDegraded)
	assert.True(t, l.Degraded())

	require.Error(t, l.DeletePosition(ctx, samplePosition().Key))
	assert.Equal(t, []string{string(domain.PersistenceDegraded)}, pub.kinds())

	cache.Heal()
	require.NoError(t, l.PutPosition(ctx, samplePosition()))
	assert.False(t, l.Degraded())
	assert.Equal(t, []string{string(domain.PersistenceDegraded), string(domain.PersistenceRecovered)}, pub.kinds())
	assert.Equal(t, uint64(2), l.Status().Failures)
}

func TestWriteSurvivesCallerCancellation(t *testing.T) {
	l, _, hist, _ := newLayer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := PositionRecord(samplePosition(), domain.PositionOpened)
	require.NoError(t, l.Append(ctx, rec))
	assert.Equal(t, []string{"OPENED"}, hist.Kinds(domain.EntityPosition, samplePosition().Key.Encode()))
}

func TestMarkFiredIsFirstWriterOnly(t *testing.T) {
	l, _, _, _ := newLayer(t)
	key := domain.RuleKey{User: "alice", RuleID: "r1"}

	first, err := l.MarkFired(context.Background(), key, "ep-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := l.MarkFired(context.Background(), key, "ep-1")
	require.NoError(t, err)
	assert.False(t, again)

	next, err := l.MarkFired(context.Background(), key, "ep-2")
	require.NoError(t, err)
	assert.True(t, next, "a new episode of the same rule id gets its own marker")
}

// stallingCache blocks position writes until their deadline while stalled.
type stallingCache struct {
	*persisttest.Cache
	stalled atomic.Bool
}

func (c *stallingCache) PutPosition(ctx context.Context, p domain.Position) error {
	if c.stalled.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.Cache.PutPosition(ctx, p)
}

func TestDownStoreFailsFastUntilItRecovers(t *testing.T) {
	cache := &stallingCache{Cache: persisttest.NewCache()}
	hist := persisttest.NewHistory()
	pub := &capture{}
	l := New(cache, hist, pub, Config{
		Attempts:        3,
		Backoff:         retry.Backoff{Base: time.Millisecond, Max: time.Millisecond},
		WriteTimeout:    100 * time.Millisecond,
		DegradedTimeout: 5 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	cache.stalled.Store(true)

	start := time.Now()
	require.Error(t, l.PutPosition(ctx, samplePosition()))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.True(t, l.Degraded())

	bob := samplePosition()
	bob.Key.User = "bob"
	start = time.Now()
	err := l.PutPosition(ctx, bob)
	assert.ErrorIs(t, err, domain.ErrPersistenceDegraded)
	assert.Less(t, time.Since(start), 80*time.Millisecond)

	// A healthy history store does not clear the cache outage.
	require.NoError(t, l.Append(ctx, PositionRecord(bob, domain.PositionOpened)))
	assert.True(t, l.Degraded())
	assert.Equal(t, []string{string(domain.PersistenceDegraded)}, pub.kinds())

	cache.stalled.Store(false)
	require.NoError(t, l.PutPosition(ctx, bob))
	assert.False(t, l.Degraded())
	assert.Equal(t, []string{string(domain.PersistenceDegraded), string(domain.PersistenceRecovered)}, pub.kinds())
}
