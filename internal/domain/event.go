package domain

import (
	"encoding/json"
	"time"
)

// Event is anything published through the broker. Seq increases
// monotonically per identity.
type Event interface {
	Topic() string
	EventKind() string
	Sequence() uint64
}

// PositionEventKind is the change a PositionEvent reports.
type PositionEventKind string

const (
	PositionOpened  PositionEventKind = "OPENED"
	PositionUpdated PositionEventKind = "UPDATED"
	PositionClosed  PositionEventKind = "CLOSED"
)

// PositionEvent reports a position transition.
type PositionEvent struct {
	ID       string            `json:"id"`
	Kind     PositionEventKind `json:"kind"`
	Seq      uint64            `json:"seq"`
	Position Position          `json:"position"`
	At       time.Time         `json:"at"`
}

func (e PositionEvent) Topic() string     { return PositionTopic(e.Position.Key) }
func (e PositionEvent) EventKind() string { return string(e.Kind) }
func (e PositionEvent) Sequence() uint64  { return e.Seq }

// OrderEventKind is the change an OrderEvent reports.
type OrderEventKind string

const (
	OrderOpen            OrderEventKind = "OPEN"
	OrderPartiallyFilled OrderEventKind = "PARTIALLY_FILLED"
	OrderFilled          OrderEventKind = "FILLED"
	OrderCanceled        OrderEventKind = "CANCELED"
	OrderRejected        OrderEventKind = "REJECTED"
)

// OrderEventKindFor maps an order status to the event published for it.
func OrderEventKindFor(s OrderStatus) OrderEventKind {
	switch s {
	case OrderStatusPartiallyFilled:
		return OrderPartiallyFilled
	case OrderStatusFilled:
		return OrderFilled
	case OrderStatusCanceled:
		return OrderCanceled
	case OrderStatusRejected:
		return OrderRejected
	default:
		return OrderOpen
	}
}

// OrderEvent reports an order transition.
type OrderEvent struct {
	ID    string         `json:"id"`
	Kind  OrderEventKind `json:"kind"`
	Seq   uint64         `json:"seq"`
	Order Order          `json:"order"`
	At    time.Time      `json:"at"`
}

func (e OrderEvent) Topic() string     { return OrderTopic(e.Order.Key.Book()) }
func (e OrderEvent) EventKind() string { return string(e.Kind) }
func (e OrderEvent) Sequence() uint64  { return e.Seq }

// PriceEvent republishes a feed price tick.
type PriceEvent struct {
	ID   string    `json:"id"`
	Seq  uint64    `json:"seq"`
	Tick PriceTick `json:"tick"`
	At   time.Time `json:"at"`
}

func (e PriceEvent) Topic() string     { return PriceTopic(e.Tick.Market) }
func (e PriceEvent) EventKind() string { return "TICK" }
func (e PriceEvent) Sequence() uint64  { return e.Seq }

// TrailingStopEventKind is the change a TrailingStopEvent reports.
type TrailingStopEventKind string

const (
	StopRegistered    TrailingStopEventKind = "REGISTERED"
	StopActivated     TrailingStopEventKind = "ACTIVATED"
	StopMoved         TrailingStopEventKind = "MOVED"
	StopTriggered     TrailingStopEventKind = "TRIGGERED"
	StopTriggerFailed TrailingStopEventKind = "TRIGGER_FAILED"
	StopCanceled      TrailingStopEventKind = "CANCELED"
)

// TrailingStopEvent reports a trailing stop transition.
type TrailingStopEvent struct {
	ID    string                `json:"id"`
	Kind  TrailingStopEventKind `json:"kind"`
	Seq   uint64                `json:"seq"`
	Stop  TrailingStop          `json:"stop"`
	Price string                `json:"price,omitempty"`
	Error string                `json:"error,omitempty"`
	At    time.Time             `json:"at"`
}

func (e TrailingStopEvent) Topic() string     { return TrailingStopTopic(e.Stop.Key.User) }
func (e TrailingStopEvent) EventKind() string { return string(e.Kind) }
func (e TrailingStopEvent) Sequence() uint64  { return e.Seq }

// ConditionalRuleEventKind is the change a ConditionalRuleEvent reports.
type ConditionalRuleEventKind string

const (
	RuleRegistered   ConditionalRuleEventKind = "REGISTERED"
	RuleFired        ConditionalRuleEventKind = "FIRED"
	RuleFiredRemote  ConditionalRuleEventKind = "FIRED_ELSEWHERE"
	RuleCancelOK     ConditionalRuleEventKind = "CANCEL_OK"
	RuleCancelFailed ConditionalRuleEventKind = "CANCEL_FAILED"
	RuleExpired      ConditionalRuleEventKind = "EXPIRED"
	RuleRemoved      ConditionalRuleEventKind = "REMOVED"
)

// ConditionalRuleEvent reports a rule transition. OrderID is set on per-target
// cancel results.
type ConditionalRuleEvent struct {
	ID      string                   `json:"id"`
	Kind    ConditionalRuleEventKind `json:"kind"`
	Seq     uint64                   `json:"seq"`
	Rule    ConditionalRule          `json:"rule"`
	OrderID string                   `json:"order_id,omitempty"`
	Reason  string                   `json:"reason,omitempty"`
	At      time.Time                `json:"at"`
}

func (e ConditionalRuleEvent) Topic() string     { return ConditionalRuleTopic(e.Rule.Key.User) }
func (e ConditionalRuleEvent) EventKind() string { return string(e.Kind) }
func (e ConditionalRuleEvent) Sequence() uint64  { return e.Seq }

// SystemEventKind names an operational signal.
type SystemEventKind string

const (
	ConnectionDegraded   SystemEventKind = "CONNECTION_DEGRADED"
	ConnectionRestored   SystemEventKind = "CONNECTION_RESTORED"
	PersistenceDegraded  SystemEventKind = "PERSISTENCE_DEGRADED"
	PersistenceRecovered SystemEventKind = "PERSISTENCE_RECOVERED"
)

// SystemEvent is an operational signal about connections or persistence.
type SystemEvent struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Kind   SystemEventKind   `json:"kind"`
	Seq    uint64            `json:"seq"`
	Detail map[string]string `json:"detail,omitempty"`
	At     time.Time         `json:"at"`
}

func (e SystemEvent) Topic() string     { return SystemTopic(e.Name) }
func (e SystemEvent) EventKind() string { return string(e.Kind) }
func (e SystemEvent) Sequence() uint64  { return e.Seq }

// Envelope is the wire form of an event on external channels.
type Envelope struct {
	Topic string          `json:"topic"`
	Kind  string          `json:"kind"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// MarshalEnvelope encodes an event with its routing header.
func MarshalEnvelope(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Topic: e.Topic(),
		Kind:  e.EventKind(),
		Seq:   e.Sequence(),
		Data:  data,
	})
}
