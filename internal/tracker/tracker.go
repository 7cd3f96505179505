// Package tracker maintains canonical position and order state from feed
// updates. Every identity is owned by one partition shard, so updates for a
// position or order are applied by a single goroutine in arrival order.
package tracker

import (
	"context"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// Publisher receives tracker events.
type Publisher interface {
	Emit(e domain.Event)
}

// Persister is the dual-write persistence the trackers write through.
type Persister interface {
	PutPosition(ctx context.Context, p domain.Position) error
	DeletePosition(ctx context.Context, key domain.PositionKey) error
	PutOrder(ctx context.Context, o domain.Order) error
	DeleteOrder(ctx context.Context, key domain.OrderKey) error
	Append(ctx context.Context, rec domain.HistoryRecord) error
}

// Stats counts updates a tracker discarded. Stale updates arrived out of
// order; rejected ones failed validation or regressed an order's status.
type Stats struct {
	Stale    uint64 `json:"stale"`
	Rejected uint64 `json:"rejected"`
}

// Config sizes the tracker pools and history.
type Config struct {
	Shards        int
	QueueSize     int
	ClosedHistory int
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 16
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.ClosedHistory <= 0 {
		c.ClosedHistory = 1000
	}
	return c
}
