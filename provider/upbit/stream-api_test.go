package upbit

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange_SubscribeFrame(t *testing.T) {
	ex := New(nil, nil)
	key := domain.SubscriptionKey{Exchange: Name, Channel: domain.ChannelOrderBook, Symbol: "BTC/KRW"}

	frame, err := ex.SubscribeFrame("1", key)
	require.NoError(t, err)

	var parts []map[string]any
	require.NoError(t, json.Unmarshal(frame, &parts))
	require.Len(t, parts, 3)
	assert.NotEmpty(t, parts[0]["ticket"])
	assert.Equal(t, "orderbook", parts[1]["type"])
	assert.Equal(t, []any{"KRW-BTC"}, parts[1]["codes"])
	assert.Equal(t, "DEFAULT", parts[2]["format"])

	unsub, err := ex.UnsubscribeFrame("2", key)
	require.NoError(t, err)
	assert.Nil(t, unsub)

	_, err = ex.SubscribeFrame("3", domain.SubscriptionKey{Channel: domain.ChannelCandles, Symbol: "BTC/KRW", Params: "1m"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedChannel)
}

func TestExchange_EndpointPerSubscription(t *testing.T) {
	ex := New(map[string]string{EndpointQuotation: "ws://127.0.0.1:9000"}, nil)
	book := domain.SubscriptionKey{Exchange: Name, Channel: domain.ChannelOrderBook, Symbol: "BTC/KRW"}
	trades := domain.SubscriptionKey{Exchange: Name, Channel: domain.ChannelTrades, Symbol: "BTC/KRW"}

	a, err := ex.Endpoint(book)
	require.NoError(t, err)
	b, err := ex.Endpoint(trades)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	url, err := ex.DialURL(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000", url)

	_, err = ex.Endpoint(domain.SubscriptionKey{Exchange: Name, Channel: domain.ChannelCandles, Symbol: "BTC/KRW"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedChannel)
}

func TestExchange_Parse(t *testing.T) {
	ex := New(nil, nil)
	_, err := ex.SubscribeFrame("1", domain.SubscriptionKey{Channel: domain.ChannelOrderBook, Symbol: "BTC/KRW"})
	require.NoError(t, err)

	msgs, err := ex.Parse([]byte(`{"type":"orderbook","code":"KRW-BTC","timestamp":1704867306396,"total_ask_size":7.2,"total_bid_size":3.1,"orderbook_units":[{"ask_price":61000000,"bid_price":60990000,"ask_size":0.5,"bid_size":1.25},{"ask_price":61010000,"bid_price":60980000,"ask_size":0.1,"bid_size":0}],"stream_type":"REALTIME","level":0}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	snap := msgs[0].Snapshot
	assert.Equal(t, domain.KindSnapshot, msgs[0].Kind)
	assert.Equal(t, "BTC/KRW", snap.Symbol)
	assert.Equal(t, int64(1704867306396), snap.Sequence)
	assert.Len(t, snap.Bids, 1)
	assert.Len(t, snap.Asks, 2)
	assert.Equal(t, "1.25", snap.Bids[0].Size.String())

	msgs, err = ex.Parse([]byte(`{"type":"trade","code":"KRW-BTC","timestamp":1704867306400,"trade_date":"2024-01-10","trade_time":"06:15:06","trade_timestamp":1704867306391,"trade_price":60990000,"trade_volume":0.0003,"ask_bid":"ASK","prev_closing_price":61500000,"change":"FALL","change_price":510000,"sequential_id":17048673063910000,"stream_type":"REALTIME"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindTrade, msgs[0].Kind)
	assert.Equal(t, domain.SideSell, msgs[0].Trades[0].Side)
	assert.Equal(t, "17048673063910000", msgs[0].Trades[0].ID)

	msgs, err = ex.Parse([]byte(`{"type":"ticker","code":"KRW-BTC","opening_price":61500000,"high_price":61800000,"low_price":60500000,"trade_price":60990000,"acc_trade_volume_24h":2345.6,"timestamp":1704867306500}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindTicker, msgs[0].Kind)
	assert.Equal(t, "60990000", msgs[0].Ticker.Last.String())

	msgs, err = ex.Parse([]byte(`{"status":"UP"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindHeartbeat, msgs[0].Kind)

	msgs, err = ex.Parse([]byte(`{"error":{"name":"INVALID_PARAM","message":"code is invalid"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindError, msgs[0].Kind)
	assert.Empty(t, msgs[0].RequestID)
	assert.Equal(t, "INVALID_PARAM", msgs[0].Err.Code)

	_, err = ex.Parse([]byte(`{"type":"candle.1m","code":"KRW-BTC"}`))
	var parseErr *domain.ParseError
	assert.ErrorAs(t, err, &parseErr)
}
