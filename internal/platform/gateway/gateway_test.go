package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradewatch/internal/crypto"
	"github.com/alanyoungcy/tradewatch/internal/domain"
	"github.com/alanyoungcy/tradewatch/internal/feed"
)

var book = domain.BookKey{User: "alice", Exchange: "binance"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticCreds map[domain.BookKey]domain.Credentials

func (s staticCreds) Credentials(_ context.Context, b domain.BookKey) (domain.Credentials, error) {
	c, ok := s[b]
	if !ok {
		return domain.Credentials{}, domain.ErrNotFound
	}
	return c, nil
}

func TestDecodePositionFrame(t *testing.T) {
	raw := `{"type":"position","seq":42,"data":{"symbol":"BTCUSDT","side":"long","size":"0.5",
		"entry_price":"50000","mark_price":51000.5,"leverage":"10","ts":1760000000000}}`

	msg, ok, err := decodeFrame([]byte(raw), book)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, feed.KindPosition, msg.Kind)
	assert.Equal(t, uint64(42), msg.Seq)

	u := msg.Position
	assert.Equal(t, domain.PositionKey{User: "alice", Exchange: "binance", Symbol: "BTCUSDT", Side: domain.SideLong}, u.Key)
	assert.True(t, u.Size.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, u.MarkPrice.Equal(decimal.RequireFromString("51000.5")))
	assert.True(t, u.Leverage.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, time.UnixMilli(1760000000000).UTC(), u.At)
}

func TestDecodeOrderAndPriceFrames(t *testing.T) {
	msg, ok, err := decodeFrame([]byte(`{"type":"order","data":{"order_id":"o-1","symbol":"ETHUSDT",
		"side":"sell","type":"limit","quantity":"2","filled":"1","price":"3000","status":"partially_filled"}}`), book)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, feed.KindOrder, msg.Kind)
	assert.Zero(t, msg.Seq)
	assert.Equal(t, domain.OrderKey{User: "alice", Exchange: "binance", OrderID: "o-1"}, msg.Order.Key)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, msg.Order.Status)
	assert.True(t, msg.Order.Filled.Equal(decimal.NewFromInt(1)))

	msg, ok, err = decodeFrame([]byte(`{"type":"price","seq":7,"data":{"symbol":"BTCUSDT","price":"52000"}}`), book)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.MarketKey{Symbol: "BTCUSDT"}, msg.Price.Market)
	assert.True(t, msg.Price.Price.Equal(decimal.NewFromInt(52000)))
}

func TestDecodeFrameRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"malformed":      `{"type":`,
		"unknown type":   `{"type":"candle","data":{}}`,
		"bad side":       `{"type":"position","data":{"symbol":"BTCUSDT","side":"up"}}`,
		"bad status":     `{"type":"order","data":{"order_id":"1","status":"weird"}}`,
		"bad decimal":    `{"type":"position","data":{"symbol":"BTCUSDT","side":"long","size":"abc"}}`,
		"zero price":     `{"type":"price","data":{"symbol":"BTCUSDT","price":"0"}}`,
		"missing symbol": `{"type":"price","data":{"price":"1"}}`,
	}
	for name, raw := range cases {
		_, ok, err := decodeFrame([]byte(raw), book)
		assert.Error(t, err, name)
		assert.False(t, ok, name)
		assert.False(t, errors.Is(err, errGatewayFrame), name)
	}

	_, ok, err := decodeFrame([]byte(`{"type":"subscribed","data":{"symbols":["BTCUSDT"]}}`), book)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = decodeFrame([]byte(`{"type":"error","data":{"code":"auth","message":"bad key"}}`), book)
	assert.ErrorIs(t, err, errGatewayFrame)
}

func TestWSClientStream(t *testing.T) {
	creds := staticCreds{book: {APIKey: "key-1", Secret: "secret-1"}}
	auth := crypto.HMACAuth{Key: "key-1", Secret: "secret-1"}
	subscribed := make(chan []string, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user") != "alice" ||
			!auth.Verify(http.MethodGet, r.URL.Path, "", r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd subscribeCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd.Symbols
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribed"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"price","seq":1,"data":{"symbol":"BTCUSDT","price":"51000"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","data":{"code":"shutdown","message":"bye"}}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	client := NewWSClient(wsURL, creds, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Dial(ctx, book)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Subscribe(ctx, []string{"BTCUSDT"}))
	assert.Equal(t, []string{"BTCUSDT"}, <-subscribed)

	msg, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, feed.KindPrice, msg.Kind)
	assert.Equal(t, "BTCUSDT", msg.Price.Market.Symbol)

	_, err = stream.Recv(ctx)
	assert.ErrorIs(t, err, errGatewayFrame)

	_, err = client.Dial(ctx, domain.BookKey{User: "mallory", Exchange: "binance"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRESTClientSignsCommands(t *testing.T) {
	auth := crypto.HMACAuth{Key: "key-1", Secret: "secret-1"}
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !auth.Verify(r.Method, r.URL.Path, string(body), r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &gotBody)
		switch r.URL.Path {
		case pathClosePosition:
			w.WriteHeader(http.StatusOK)
		case pathCancelOrder:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"ORDER_NOT_FOUND","message":"unknown order"}`))
		}
	}))
	defer srv.Close()

	client := NewRESTClient(srv.URL, time.Second, staticCreds{book: {APIKey: "key-1", Secret: "secret-1"}})
	ctx := context.Background()

	pos := domain.PositionKey{User: "alice", Exchange: "binance", Symbol: "BTCUSDT", Side: domain.SideLong}
	require.NoError(t, client.ClosePosition(ctx, domain.CloseRequest{Position: pos, IdempotencyKey: "k1"}))
	assert.Equal(t, "BTCUSDT", gotBody["symbol"])
	assert.Equal(t, "long", gotBody["side"])
	assert.NotContains(t, gotBody, "quantity")

	err := client.CancelOrder(ctx, domain.CancelRequest{Order: domain.OrderKey{User: "alice", Exchange: "binance", OrderID: "o-9"}})
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	assert.Equal(t, "o-9", gotBody["order_id"])
}

func TestCheckHTTPStatus(t *testing.T) {
	assert.NoError(t, checkHTTPStatus(http.StatusAccepted, nil))

	err := checkHTTPStatus(http.StatusBadRequest, []byte(`{"code":"reduce_only","message":"would increase position"}`))
	var cerr *domain.CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "reduce_only", cerr.Code)
	assert.ErrorIs(t, err, domain.ErrCommandRejected)

	err = checkHTTPStatus(http.StatusServiceUnavailable, []byte("upstream down"))
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "http_503", cerr.Code)
	assert.Equal(t, "upstream down", cerr.Message)
	assert.ErrorIs(t, err, domain.ErrTransient)

	err = checkHTTPStatus(http.StatusTooManyRequests, nil)
	assert.ErrorIs(t, err, domain.ErrTransient)

	err = checkHTTPStatus(http.StatusBadRequest, []byte(`{"code":"busy","retryable":true}`))
	assert.ErrorIs(t, err, domain.ErrTransient)

	assert.ErrorIs(t, checkHTTPStatus(http.StatusGone, nil), domain.ErrAlreadyClosed)
}
