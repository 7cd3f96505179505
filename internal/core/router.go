package core

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/feed"
	"github.com/alanyoungcy/tradewatch/internal/tracker"
)

// Router hands feed updates to the trackers and republishes price ticks on
// the broker.
type Router struct {
	pub       tracker.Publisher
	positions *tracker.PositionTracker
	orders    *tracker.OrderTracker

	mu       sync.Mutex
	priceSeq map[domain.MarketKey]uint64
}

var _ feed.Sink = (*Router)(nil)

// NewRouter creates a Router.
func NewRouter(pub tracker.Publisher, positions *tracker.PositionTracker, orders *tracker.OrderTracker) *Router {
	return &Router{
		pub:       pub,
		positions: positions,
		orders:    orders,
		priceSeq:  make(map[domain.MarketKey]uint64),
	}
}

func (r *Router) HandlePosition(ctx context.Context, u domain.PositionUpdate) error {
	return r.positions.HandleUpdate(ctx, u)
}

func (r *Router) HandleOrder(ctx context.Context, u domain.OrderUpdate) error {
	return r.orders.HandleUpdate(ctx, u)
}

// HandlePrice publishes the tick as is. Several feeds may carry the same
// market, so events are numbered per market here.
func (r *Router) HandlePrice(_ context.Context, t domain.PriceTick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priceSeq[t.Market]++
	r.pub.Emit(domain.PriceEvent{
		ID:   uuid.NewString(),
		Seq:  r.priceSeq[t.Market],
		Tick: t,
		At:   t.At,
	})
	return nil
}
