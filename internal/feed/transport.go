// Package feed owns one live connection per (user, exchange) account and
// turns its messages into sequenced position, order and price updates.
package feed

import (
	"context"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// Kind names the stream a message belongs to.
type Kind string

const (
	KindPosition Kind = "position"
	KindOrder    Kind = "order"
	KindPrice    Kind = "price"
)

// Message is one normalized record received from the exchange gateway. Only
// the field matching Kind is set.
type Message struct {
	Kind Kind
	// Seq is the exchange sequence number, zero when the venue has none.
	Seq      uint64
	Position domain.PositionUpdate
	Order    domain.OrderUpdate
	Price    domain.PriceTick
}

// Transport opens streams to the exchange gateway.
type Transport interface {
	Dial(ctx context.Context, book domain.BookKey) (Stream, error)
}

// Stream is one live connection. Subscribe may be called concurrently with
// Recv.
type Stream interface {
	Subscribe(ctx context.Context, symbols []string) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Sink consumes sequenced updates. Calls block for backpressure.
type Sink interface {
	HandlePosition(ctx context.Context, u domain.PositionUpdate) error
	HandleOrder(ctx context.Context, u domain.OrderUpdate) error
	HandlePrice(ctx context.Context, t domain.PriceTick) error
}

// Publisher receives connection system events.
type Publisher interface {
	Emit(e domain.Event)
}
