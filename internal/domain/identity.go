package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// keySep separates the components of an encoded identity. Components are
// query-escaped before joining, so a literal separator inside a value never
// collides with it.
const keySep = ":"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is a known position side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// BookKey identifies one user's account on one exchange.
type BookKey struct {
	User     string `json:"user"`
	Exchange string `json:"exchange"`
}

// PositionKey identifies a single live position.
type PositionKey struct {
	User     string `json:"user"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Side     Side   `json:"side"`
}

// OrderKey identifies a single order.
type OrderKey struct {
	User     string `json:"user"`
	Exchange string `json:"exchange"`
	OrderID  string `json:"order_id"`
}

// StopKey identifies a trailing stop. The exchange is an attribute of the
// stop, not part of its identity.
type StopKey struct {
	User   string `json:"user"`
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`
}

// RuleKey identifies a conditional cancellation rule.
type RuleKey struct {
	User   string `json:"user"`
	RuleID string `json:"rule_id"`
}

// MarketKey identifies a tradable symbol on an exchange.
type MarketKey struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

func (k BookKey) Encode() string     { return encodeParts(k.User, k.Exchange) }
func (k PositionKey) Encode() string { return encodeParts(k.User, k.Exchange, k.Symbol, string(k.Side)) }
func (k OrderKey) Encode() string    { return encodeParts(k.User, k.Exchange, k.OrderID) }
func (k StopKey) Encode() string     { return encodeParts(k.User, k.Symbol, string(k.Side)) }
func (k RuleKey) Encode() string     { return encodeParts(k.User, k.RuleID) }
func (k MarketKey) Encode() string   { return encodeParts(k.Exchange, k.Symbol) }

func (k BookKey) String() string     { return k.Encode() }
func (k PositionKey) String() string { return k.Encode() }
func (k OrderKey) String() string    { return k.Encode() }
func (k StopKey) String() string     { return k.Encode() }
func (k RuleKey) String() string     { return k.Encode() }
func (k MarketKey) String() string   { return k.Encode() }

// Book returns the account this position belongs to.
func (k PositionKey) Book() BookKey { return BookKey{User: k.User, Exchange: k.Exchange} }

// Market returns the symbol this position is held in.
func (k PositionKey) Market() MarketKey { return MarketKey{Exchange: k.Exchange, Symbol: k.Symbol} }

// Stop returns the trailing stop identity that guards this position.
func (k PositionKey) Stop() StopKey { return StopKey{User: k.User, Symbol: k.Symbol, Side: k.Side} }

// Book returns the account this order belongs to.
func (k OrderKey) Book() BookKey { return BookKey{User: k.User, Exchange: k.Exchange} }

// DecodeBookKey parses the output of BookKey.Encode.
func DecodeBookKey(s string) (BookKey, error) {
	p, err := decodeParts(s, 2)
	if err != nil {
		return BookKey{}, err
	}
	return BookKey{User: p[0], Exchange: p[1]}, nil
}

// DecodePositionKey parses the output of PositionKey.Encode.
func DecodePositionKey(s string) (PositionKey, error) {
	p, err := decodeParts(s, 4)
	if err != nil {
		return PositionKey{}, err
	}
	side := Side(p[3])
	if !side.Valid() {
		return PositionKey{}, fmt.Errorf("%w: side %q", ErrInvalidKey, p[3])
	}
	return PositionKey{User: p[0], Exchange: p[1], Symbol: p[2], Side: side}, nil
}

// DecodeOrderKey parses the output of OrderKey.Encode.
func DecodeOrderKey(s string) (OrderKey, error) {
	p, err := decodeParts(s, 3)
	if err != nil {
		return OrderKey{}, err
	}
	return OrderKey{User: p[0], Exchange: p[1], OrderID: p[2]}, nil
}

// DecodeStopKey parses the output of StopKey.Encode.
func DecodeStopKey(s string) (StopKey, error) {
	p, err := decodeParts(s, 3)
	if err != nil {
		return StopKey{}, err
	}
	side := Side(p[2])
	if !side.Valid() {
		return StopKey{}, fmt.Errorf("%w: side %q", ErrInvalidKey, p[2])
	}
	return StopKey{User: p[0], Symbol: p[1], Side: side}, nil
}

// DecodeRuleKey parses the output of RuleKey.Encode.
func DecodeRuleKey(s string) (RuleKey, error) {
	p, err := decodeParts(s, 2)
	if err != nil {
		return RuleKey{}, err
	}
	return RuleKey{User: p[0], RuleID: p[1]}, nil
}

// DecodeMarketKey parses the output of MarketKey.Encode.
func DecodeMarketKey(s string) (MarketKey, error) {
	p, err := decodeParts(s, 2)
	if err != nil {
		return MarketKey{}, err
	}
	return MarketKey{Exchange: p[0], Symbol: p[1]}, nil
}

func encodeParts(parts ...string) string {
	esc := make([]string, len(parts))
	for i, p := range parts {
		esc[i] = url.QueryEscape(p)
	}
	return strings.Join(esc, keySep)
}

func decodeParts(s string, n int) ([]string, error) {
	raw := strings.Split(s, keySep)
	if len(raw) != n {
		return nil, fmt.Errorf("%w: %q has %d components, want %d", ErrInvalidKey, s, len(raw), n)
	}
	out := make([]string, n)
	for i, r := range raw {
		v, err := url.QueryUnescape(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidKey, s, err)
		}
		if v == "" {
			return nil, fmt.Errorf("%w: %q has an empty component", ErrInvalidKey, s)
		}
		out[i] = v
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Topics
// ---------------------------------------------------------------------------

// Topic prefixes for published events.
const (
	TopicPositions        = "positions"
	TopicOrders           = "orders"
	TopicPrices           = "prices"
	TopicTrailingStops    = "trailing_stops"
	TopicConditionalRules = "conditional_rules"
	TopicSystem           = "system"
)

// System topic names.
const (
	SystemConnections = "connections"
	SystemPersistence = "persistence"
)

// PositionTopic returns positions:{user}:{exchange}:{symbol}.
func PositionTopic(k PositionKey) string {
	return TopicPositions + keySep + encodeParts(k.User, k.Exchange, k.Symbol)
}

// OrderTopic returns orders:{user}:{exchange}.
func OrderTopic(k BookKey) string {
	return TopicOrders + keySep + k.Encode()
}

// PriceTopic returns prices:{exchange}:{symbol}.
func PriceTopic(k MarketKey) string {
	return TopicPrices + keySep + k.Encode()
}

// TrailingStopTopic returns trailing_stops:{user}.
func TrailingStopTopic(user string) string {
	return TopicTrailingStops + keySep + encodeParts(user)
}

// ConditionalRuleTopic returns conditional_rules:{user}.
func ConditionalRuleTopic(user string) string {
	return TopicConditionalRules + keySep + encodeParts(user)
}

// SystemTopic returns system:{name}.
func SystemTopic(name string) string {
	return TopicSystem + keySep + encodeParts(name)
}

// TopicPattern joins a prefix and pattern segments into a subscription
// pattern. Segments are used verbatim so that glob characters survive.
func TopicPattern(prefix string, segments ...string) string {
	return strings.Join(append([]string{prefix}, segments...), keySep)
}

// TopicSegment escapes a single value for use inside a TopicPattern.
func TopicSegment(v string) string {
	return url.QueryEscape(v)
}
