// Package gateway speaks the normalized JSON protocol of the exchange
// gateway sidecar: a WebSocket feed of account updates and a REST command
// API.
package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/feed"
)

// Frame types sent by the gateway.
const (
	framePosition   = "position"
	frameOrder      = "order"
	framePrice      = "price"
	frameSubscribed = "subscribed"
	framePong       = "pong"
	frameHeartbeat  = "heartbeat"
	frameError      = "error"
)

// errGatewayFrame marks an error frame; the stream is closed when one
// arrives.
var errGatewayFrame = errors.New("gateway error frame")

// subscribeCommand is the only client-to-gateway message.
type subscribeCommand struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// decodeFrame parses one frame of the form {"type","seq","data"}. ok is
// false for control frames. Missing user and exchange fields default to
// book.
func decodeFrame(raw []byte, book domain.BookKey) (msg feed.Message, ok bool, err error) {
	if !gjson.ValidBytes(raw) {
		return feed.Message{}, false, fmt.Errorf("gateway: malformed frame")
	}
	frame := gjson.ParseBytes(raw)
	data := frame.Get("data")

	switch typ := frame.Get("type").String(); typ {
	case framePosition:
		u, err := decodePosition(data, book)
		if err != nil {
			return feed.Message{}, false, err
		}
		return feed.Message{Kind: feed.KindPosition, Seq: frame.Get("seq").Uint(), Position: u}, true, nil
	case frameOrder:
		u, err := decodeOrder(data, book)
		if err != nil {
			return feed.Message{}, false, err
		}
		return feed.Message{Kind: feed.KindOrder, Seq: frame.Get("seq").Uint(), Order: u}, true, nil
	case framePrice:
		t, err := decodePrice(data)
		if err != nil {
			return feed.Message{}, false, err
		}
		return feed.Message{Kind: feed.KindPrice, Seq: frame.Get("seq").Uint(), Price: t}, true, nil
	case frameSubscribed, framePong, frameHeartbeat:
		return feed.Message{}, false, nil
	case frameError:
		return feed.Message{}, false, fmt.Errorf("%w: %s: %s", errGatewayFrame,
			data.Get("code").String(), data.Get("message").String())
	default:
		return feed.Message{}, false, fmt.Errorf("gateway: unknown frame type %q", typ)
	}
}

func decodePosition(data gjson.Result, book domain.BookKey) (domain.PositionUpdate, error) {
	key := domain.PositionKey{
		User:     stringOr(data.Get("user"), book.User),
		Exchange: stringOr(data.Get("exchange"), book.Exchange),
		Symbol:   data.Get("symbol").String(),
		Side:     domain.Side(data.Get("side").String()),
	}
	if key.Symbol == "" || !key.Side.Valid() {
		return domain.PositionUpdate{}, fmt.Errorf("gateway: position frame: %w: %s", domain.ErrInvalidKey, key)
	}
	u := domain.PositionUpdate{Key: key, At: timestamp(data.Get("ts"))}
	var err error
	if u.Size, err = decimalField(data, "size"); err != nil {
		return domain.PositionUpdate{}, err
	}
	if u.EntryPrice, err = decimalField(data, "entry_price"); err != nil {
		return domain.PositionUpdate{}, err
	}
	if u.MarkPrice, err = decimalField(data, "mark_price"); err != nil {
		return domain.PositionUpdate{}, err
	}
	if u.Leverage, err = decimalField(data, "leverage"); err != nil {
		return domain.PositionUpdate{}, err
	}
	return u, nil
}

func decodeOrder(data gjson.Result, book domain.BookKey) (domain.OrderUpdate, error) {
	key := domain.OrderKey{
		User:     stringOr(data.Get("user"), book.User),
		Exchange: stringOr(data.Get("exchange"), book.Exchange),
		OrderID:  data.Get("order_id").String(),
	}
	if key.OrderID == "" {
		return domain.OrderUpdate{}, fmt.Errorf("gateway: order frame: %w: missing order_id", domain.ErrInvalidKey)
	}
	status := domain.OrderStatus(data.Get("status").String())
	if !status.Valid() {
		return domain.OrderUpdate{}, fmt.Errorf("gateway: order frame %s: unknown status %q", key, status)
	}
	u := domain.OrderUpdate{
		Key:    key,
		Symbol: data.Get("symbol").String(),
		Side:   domain.OrderSide(data.Get("side").String()),
		Type:   domain.OrderType(data.Get("type").String()),
		Status: status,
		At:     timestamp(data.Get("ts")),
	}
	var err error
	if u.Quantity, err = decimalField(data, "quantity"); err != nil {
		return domain.OrderUpdate{}, err
	}
	if u.Filled, err = decimalField(data, "filled"); err != nil {
		return domain.OrderUpdate{}, err
	}
	if u.Price, err = decimalField(data, "price"); err != nil {
		return domain.OrderUpdate{}, err
	}
	return u, nil
}

// decodePrice leaves Market.Exchange empty when the frame omits it; the
// feed fills it in from the connection.
func decodePrice(data gjson.Result) (domain.PriceTick, error) {
	t := domain.PriceTick{
		Market: domain.MarketKey{
			Exchange: data.Get("exchange").String(),
			Symbol:   data.Get("symbol").String(),
		},
		At: timestamp(data.Get("ts")),
	}
	if t.Market.Symbol == "" {
		return domain.PriceTick{}, fmt.Errorf("gateway: price frame: %w: missing symbol", domain.ErrInvalidKey)
	}
	var err error
	if t.Price, err = decimalField(data, "price"); err != nil {
		return domain.PriceTick{}, err
	}
	if !t.Price.IsPositive() {
		return domain.PriceTick{}, fmt.Errorf("gateway: price frame %s: non-positive price %s", t.Market, t.Price)
	}
	return t, nil
}

// decimalField accepts numbers and numeric strings. A missing field is zero.
func decimalField(data gjson.Result, path string) (decimal.Decimal, error) {
	v := data.Get(path)
	if !v.Exists() || v.Type == gjson.Null || v.String() == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("gateway: field %s: %w", path, err)
	}
	return d, nil
}

func stringOr(v gjson.Result, def string) string {
	if s := v.String(); s != "" {
		return s
	}
	return def
}

// timestamp reads Unix milliseconds; zero when absent.
func timestamp(v gjson.Result) time.Time {
	if ms := v.Int(); ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}
