package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionKeyRoundTrip(t *testing.T) {
	keys := []PositionKey{
		{User: "alice", Exchange: "binance", Symbol: "BTCUSDT", Side: SideLong},
		{User: "u:with:colons", Exchange: "okx", Symbol: "BTC-USDT-SWAP", Side: SideShort},
		{User: "100%", Exchange: "bybit", Symbol: "ETH/USDT:USDT", Side: SideLong},
	}
	for _, k := range keys {
		got, err := DecodePositionKey(k.Encode())
		require.NoError(t, err, k.Encode())
		assert.Equal(t, k, got)
	}
}

func TestDecodeRejectsMalformedKeys(t *testing.T) {
	_, err := DecodePositionKey("alice:binance:BTCUSDT")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = DecodePositionKey("alice:binance:BTCUSDT:sideways")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = DecodeOrderKey("alice::42")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = DecodeRuleKey("alice:%zz")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestOtherKeysRoundTrip(t *testing.T) {
	ok := OrderKey{User: "bob", Exchange: "okx", OrderID: "9:1"}
	gotOrder, err := DecodeOrderKey(ok.Encode())
	require.NoError(t, err)
	assert.Equal(t, ok, gotOrder)

	sk := StopKey{User: "bob", Symbol: "SOLUSDT", Side: SideShort}
	gotStop, err := DecodeStopKey(sk.Encode())
	require.NoError(t, err)
	assert.Equal(t, sk, gotStop)

	rk := RuleKey{User: "bob", RuleID: "r-1"}
	gotRule, err := DecodeRuleKey(rk.Encode())
	require.NoError(t, err)
	assert.Equal(t, rk, gotRule)

	bk := BookKey{User: "bob", Exchange: "okx"}
	gotBook, err := DecodeBookKey(bk.Encode())
	require.NoError(t, err)
	assert.Equal(t, bk, gotBook)

	mk := MarketKey{Exchange: "okx", Symbol: "BTC-USDT"}
	gotMarket, err := DecodeMarketKey(mk.Encode())
	require.NoError(t, err)
	assert.Equal(t, mk, gotMarket)
}

func TestTopics(t *testing.T) {
	pk := PositionKey{User: "alice", Exchange: "binance", Symbol: "BTCUSDT", Side: SideLong}
	assert.Equal(t, "positions:alice:binance:BTCUSDT", PositionTopic(pk))
	assert.Equal(t, "orders:alice:binance", OrderTopic(pk.Book()))
	assert.Equal(t, "prices:binance:BTCUSDT", PriceTopic(pk.Market()))
	assert.Equal(t, "trailing_stops:alice", TrailingStopTopic("alice"))
	assert.Equal(t, "conditional_rules:alice", ConditionalRuleTopic("alice"))
	assert.Equal(t, "system:persistence", SystemTopic(SystemPersistence))

	// Glob characters inside values are escaped.
	assert.Equal(t, "trailing_stops:a%2Ab", TrailingStopTopic("a*b"))
}

func TestUnrealizedPnL(t *testing.T) {
	entry := decimal.RequireFromString("50000")
	mark := decimal.RequireFromString("51000")
	size := decimal.RequireFromString("0.5")

	assert.True(t, UnrealizedPnLFor(SideLong, entry, mark, size).Equal(decimal.RequireFromString("500")))
	assert.True(t, UnrealizedPnLFor(SideShort, entry, mark, size).Equal(decimal.RequireFromString("-500")))
}

func TestRuleConditionMatches(t *testing.T) {
	assert.True(t, ConditionFilled.Matches(OrderStatusFilled))
	assert.False(t, ConditionFilled.Matches(OrderStatusPartiallyFilled))
	assert.True(t, ConditionPartiallyFilled.Matches(OrderStatusPartiallyFilled))
	assert.True(t, ConditionPartiallyFilled.Matches(OrderStatusFilled))
	assert.True(t, ConditionCanceled.Matches(OrderStatusCanceled))
	assert.False(t, ConditionCanceled.Matches(OrderStatusRejected))
}

func TestOrderStatusRank(t *testing.T) {
	assert.Less(t, OrderStatusPending.Rank(), OrderStatusOpen.Rank())
	assert.Less(t, OrderStatusOpen.Rank(), OrderStatusPartiallyFilled.Rank())
	assert.Less(t, OrderStatusPartiallyFilled.Rank(), OrderStatusFilled.Rank())
	assert.Equal(t, OrderStatusCanceled.Rank(), OrderStatusRejected.Rank())
	assert.True(t, OrderStatusRejected.Terminal())
	assert.False(t, OrderStatusPartiallyFilled.Terminal())
}
