package domain

import "time"

// RuleCondition is the trigger order status that fires a rule.
type RuleCondition string

const (
	ConditionFilled          RuleCondition = "filled"
	ConditionPartiallyFilled RuleCondition = "partially_filled"
	ConditionCanceled        RuleCondition = "canceled"
)

// Valid reports whether c is a known condition.
func (c RuleCondition) Valid() bool {
	return c == ConditionFilled || c == ConditionPartiallyFilled || c == ConditionCanceled
}

// Matches reports whether an order in status s satisfies the condition.
// A partial-fill condition is also met by a complete fill.
func (c RuleCondition) Matches(s OrderStatus) bool {
	switch c {
	case ConditionFilled:
		return s == OrderStatusFilled
	case ConditionPartiallyFilled:
		return s == OrderStatusPartiallyFilled || s == OrderStatusFilled
	case ConditionCanceled:
		return s == OrderStatusCanceled
	}
	return false
}

// RuleState is the lifecycle state of a conditional rule.
type RuleState string

const (
	RuleStatePending RuleState = "pending"
	RuleStateFired   RuleState = "fired"
	RuleStateExpired RuleState = "expired"
)

// CancelResult is the outcome of cancelling one dependent order.
type CancelResult struct {
	OrderID string    `json:"order_id"`
	OK      bool      `json:"ok"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// ConditionalRule cancels a set of orders when a trigger order reaches the
// configured status. It fires at most once.
type ConditionalRule struct {
	Key            RuleKey                 `json:"key"`
	EpisodeID      string                  `json:"episode_id"`
	Exchange       string                  `json:"exchange"`
	TriggerOrderID string                  `json:"trigger_order_id"`
	CancelOrderIDs []string                `json:"cancel_order_ids"`
	Condition      RuleCondition           `json:"condition"`
	State          RuleState               `json:"state"`
	Results        map[string]CancelResult `json:"results,omitempty"`
	Seq            uint64                  `json:"seq"`
	CreatedAt      time.Time               `json:"created_at"`
	ExpiresAt      *time.Time              `json:"expires_at,omitempty"`
	FiredAt        *time.Time              `json:"fired_at,omitempty"`
}

// Book returns the account the rule watches.
func (r ConditionalRule) Book() BookKey {
	return BookKey{User: r.Key.User, Exchange: r.Exchange}
}

// TriggerKey returns the identity of the trigger order.
func (r ConditionalRule) TriggerKey() OrderKey {
	return OrderKey{User: r.Key.User, Exchange: r.Exchange, OrderID: r.TriggerOrderID}
}

// RuleSpec is the caller-supplied registration request. An empty RuleID is
// replaced with a generated one.
type RuleSpec struct {
	User           string        `json:"user"`
	RuleID         string        `json:"rule_id,omitempty"`
	Exchange       string        `json:"exchange"`
	TriggerOrderID string        `json:"trigger_order_id"`
	CancelOrderIDs []string      `json:"cancel_order_ids"`
	Condition      RuleCondition `json:"condition"`
	TTL            time.Duration `json:"ttl,omitempty"`
}
