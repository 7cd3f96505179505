package partition

import (
	"context"
	"fmt"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

type item struct {
	key string
	n   int
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSameKeyIsOrderedOnOneShard(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}
	shardOf := map[string]map[int]bool{}

	p := New[item]("test", 4, 16, func(_ context.Context, shard int, it item) {
		mu.Lock()
		defer mu.Unlock()
		seen[it.key] = append(seen[it.key], it.n)
		if shardOf[it.key] == nil {
			shardOf[it.key] = map[int]bool{}
		}
		shardOf[it.key][shard] = true
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for n := 0; n < 100; n++ {
		for k := 0; k < 5; k++ {
			require.NoError(t, p.Submit(ctx, fmt.Sprintf("key-%d", k), item{key: fmt.Sprintf("key-%d", k), n: n}))
		}
	}
	p.Close()
	require.NoError(t, <-done)

	for k := 0; k < 5; k++ {
		key := fmt.Sprintf("key-%d", k)
		require.Len(t, seen[key], 100)
		for i, n := range seen[key] {
			assert.Equal(t, i, n)
		}
		assert.Len(t, shardOf[key], 1, "key %s handled by more than one shard", key)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p := New[item]("test", 1, 1, func(context.Context, int, item) {}, discardLogger())
	p.Close()
	err := p.Submit(context.Background(), "k", item{})
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestCancelDrainsBufferedItems(t *testing.T) {
	var mu sync.Mutex
	handled := 0
	release := make(chan struct{})
	p := New[item]("test", 1, 8, func(ctx context.Context, _ int, it item) {
		if it.n == 0 {
			<-release
		}
		mu.Lock()
		handled++
		mu.Unlock()
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for n := 0; n < 5; n++ {
		require.NoError(t, p.Submit(context.Background(), "k", item{n: n}))
	}
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, handled)
}

func TestCallReturnsResult(t *testing.T) {
	p := New[Task]("tasks", 2, 4, RunTask, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	err := Call(ctx, p, "k", func(context.Context) error { return domain.ErrNotFound })
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, Call(ctx, p, "k", func(context.Context) error { return nil }))
}
