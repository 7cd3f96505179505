package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position is the canonical state of one (user, exchange, symbol, side)
// holding. Size is never negative; a zero size closes the position.
type Position struct {
	Key           PositionKey     `json:"key"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      decimal.Decimal `json:"leverage"`
	Status        PositionStatus  `json:"status"`
	Seq           uint64          `json:"seq"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// UnrealizedPnLFor returns (mark - entry) * size * sign(side).
func UnrealizedPnLFor(side Side, entry, mark, size decimal.Decimal) decimal.Decimal {
	return mark.Sub(entry).Mul(size).Mul(decimal.NewFromInt(side.Sign()))
}

// SameState reports whether p and o carry the same exchange-reported values.
// Sequence numbers and timestamps are ignored.
func (p Position) SameState(o Position) bool {
	return p.Size.Equal(o.Size) &&
		p.EntryPrice.Equal(o.EntryPrice) &&
		p.MarkPrice.Equal(o.MarkPrice) &&
		p.Leverage.Equal(o.Leverage)
}

// PositionUpdate is a normalized position record emitted by the feed.
type PositionUpdate struct {
	Key        PositionKey     `json:"key"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	Leverage   decimal.Decimal `json:"leverage"`
	Seq        uint64          `json:"seq"`
	StreamSeq  uint64          `json:"stream_seq"`
	At         time.Time       `json:"at"`
}

// PriceTick is a normalized mark/last price for one market.
type PriceTick struct {
	Market    MarketKey       `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Seq       uint64          `json:"seq"`
	StreamSeq uint64          `json:"stream_seq"`
	At        time.Time       `json:"at"`
}
