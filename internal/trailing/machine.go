package trailing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

var one = decimal.NewFromInt(1)

// stopFor returns the stop price implied by an extremum.
func stopFor(side domain.Side, extremum, rate decimal.Decimal) decimal.Decimal {
	if side == domain.SideShort {
		return extremum.Mul(one.Add(rate))
	}
	return extremum.Mul(one.Sub(rate))
}

// activationReached reports whether price crossed the activation price in
// the position's favor. A zero activation price activates on any tick.
func activationReached(side domain.Side, price, activation decimal.Decimal) bool {
	if activation.IsZero() {
		return true
	}
	if side == domain.SideShort {
		return price.LessThanOrEqual(activation)
	}
	return price.GreaterThanOrEqual(activation)
}

// improves reports whether price is a better extremum than cur.
func improves(side domain.Side, price, cur decimal.Decimal) bool {
	if side == domain.SideShort {
		return price.LessThan(cur)
	}
	return price.GreaterThan(cur)
}

// crossed reports whether price reached the stop against the position.
func crossed(side domain.Side, price, stop decimal.Decimal) bool {
	if side == domain.SideShort {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// step is one transition produced by a price observation, with the stop
// state right after it.
type step struct {
	Kind domain.TrailingStopEventKind
	Stop domain.TrailingStop
}

// advance applies one price observation to s and returns the new state with
// the transitions it caused, in order. Terminal stops are returned as is.
func advance(s domain.TrailingStop, price decimal.Decimal, at time.Time) (domain.TrailingStop, []step) {
	side := s.Key.Side
	switch s.State {
	case domain.StopStateArmed:
		if !activationReached(side, price, s.ActivationPrice) {
			return s, nil
		}
		s.State = domain.StopStateActive
		s.ActivatedAt = &at
		s.Extremum = price
		s.StopPrice = stopFor(side, price, s.CallbackRate)
		s.UpdatedAt = at
		return s, []step{{Kind: domain.StopActivated, Stop: s}}

	case domain.StopStateActive:
		var steps []step
		if improves(side, price, s.Extremum) {
			s.Extremum = price
			if next := stopFor(side, price, s.CallbackRate); improves(side, next, s.StopPrice) {
				s.StopPrice = next
				s.UpdatedAt = at
				steps = append(steps, step{Kind: domain.StopMoved, Stop: s})
			}
		}
		if crossed(side, price, s.StopPrice) {
			s.State = domain.StopStateTriggered
			s.TriggeredAt = &at
			s.UpdatedAt = at
			steps = append(steps, step{Kind: domain.StopTriggered, Stop: s})
		}
		return s, steps
	}
	return s, nil
}
