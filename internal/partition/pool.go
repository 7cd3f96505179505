// Package partition runs work on a fixed set of shard goroutines, routing
// every item by the hash of its identity key. Items with the same key are
// always handled by the same goroutine, in submission order.
package partition

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// Handler processes one item on the shard that owns its key.
type Handler[T any] func(ctx context.Context, shard int, item T)

// Pool is a set of single-writer shards.
type Pool[T any] struct {
	name    string
	shards  []chan T
	handler Handler[T]
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a pool with n shards, each buffering up to depth items.
func New[T any](name string, n, depth int, handler Handler[T], logger *slog.Logger) *Pool[T] {
	if n < 1 {
		n = 1
	}
	if depth < 1 {
		depth = 1
	}
	shards := make([]chan T, n)
	for i := range shards {
		shards[i] = make(chan T, depth)
	}
	return &Pool[T]{
		name:    name,
		shards:  shards,
		handler: handler,
		logger:  logger.With(slog.String("component", "partition"), slog.String("pool", name)),
	}
}

// Shards returns the number of shards.
func (p *Pool[T]) Shards() int { return len(p.shards) }

// ShardFor returns the shard index that owns key.
func (p *Pool[T]) ShardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// Submit enqueues item on the shard owning key. It blocks while the shard is
// full; updates are never dropped.
func (p *Pool[T]) Submit(ctx context.Context, key string, item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("partition %s: %w", p.name, domain.ErrQueueClosed)
	}
	select {
	case p.shards[p.ShardFor(key)] <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting items. Shards finish what is already queued and
// then exit.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
}

// Run processes items until the pool is closed or ctx is done. On
// cancellation every shard drains its buffered items before returning.
func (p *Pool[T]) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "partition pool starting", slog.Int("shards", len(p.shards)))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range p.shards {
		g.Go(func() error {
			p.runShard(gctx, i, ch)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("partition pool stopped")
	return err
}

func (p *Pool[T]) runShard(ctx context.Context, shard int, ch chan T) {
	for {
		select {
		case <-ctx.Done():
			p.drain(context.WithoutCancel(ctx), shard, ch)
			return
		case item, ok := <-ch:
			if !ok {
				return
			}
			p.handler(ctx, shard, item)
		}
	}
}

func (p *Pool[T]) drain(ctx context.Context, shard int, ch chan T) {
	n := 0
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return
			}
			p.handler(ctx, shard, item)
			n++
		default:
			if n > 0 {
				p.logger.Debug("drained shard", slog.Int("shard", shard), slog.Int("items", n))
			}
			return
		}
	}
}

// Task is a closure executed on the shard that owns its key.
type Task func(ctx context.Context)

// RunTask is the Handler for Task pools.
func RunTask(ctx context.Context, _ int, t Task) { t(ctx) }

// Call runs fn on the shard owning key and waits for its result.
func Call(ctx context.Context, p *Pool[Task], key string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	if err := p.Submit(ctx, key, func(ctx context.Context) { done <- fn(ctx) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
