package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StopState is the lifecycle state of a trailing stop episode.
type StopState string

const (
	StopStateArmed     StopState = "armed"
	StopStateActive    StopState = "active"
	StopStateTriggered StopState = "triggered"
	StopStateCanceled  StopState = "canceled"
)

// Terminal reports whether the episode has ended.
func (s StopState) Terminal() bool {
	return s == StopStateTriggered || s == StopStateCanceled
}

// TrailingStop is a stop whose trigger price follows favorable movement and
// never retreats.
type TrailingStop struct {
	Key             StopKey         `json:"key"`
	Exchange        string          `json:"exchange"`
	EpisodeID       string          `json:"episode_id"`
	ActivationPrice decimal.Decimal `json:"activation_price"`
	CallbackRate    decimal.Decimal `json:"callback_rate"`
	// Quantity to reduce on trigger. Zero closes the whole position.
	Quantity    decimal.Decimal `json:"quantity"`
	Extremum    decimal.Decimal `json:"extremum"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	State       StopState       `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	Seq         uint64          `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
	ActivatedAt *time.Time      `json:"activated_at,omitempty"`
	TriggeredAt *time.Time      `json:"triggered_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Market returns the market whose ticks drive the stop.
func (s TrailingStop) Market() MarketKey {
	return MarketKey{Exchange: s.Exchange, Symbol: s.Key.Symbol}
}

// Position returns the position the stop protects.
func (s TrailingStop) Position() PositionKey {
	return PositionKey{User: s.Key.User, Exchange: s.Exchange, Symbol: s.Key.Symbol, Side: s.Key.Side}
}

// TrailingStopSpec is the caller-supplied registration request.
type TrailingStopSpec struct {
	Key             StopKey         `json:"key"`
	Exchange        string          `json:"exchange"`
	ActivationPrice decimal.Decimal `json:"activation_price"`
	CallbackRate    decimal.Decimal `json:"callback_rate"`
	Quantity        decimal.Decimal `json:"quantity"`
}

// TrailingTemplate describes a trailing stop created automatically when a
// position opens. Offsets are fractions of the entry price.
type TrailingTemplate struct {
	ActivationOffset decimal.Decimal `json:"activation_offset"`
	CallbackRate     decimal.Decimal `json:"callback_rate"`
}
