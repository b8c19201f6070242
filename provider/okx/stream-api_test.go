package okx

import (
	"context"
	"hash/crc32"
	"testing"

	"github.com/spooky-finn/cryptostream/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange_SubscribeFrame(t *testing.T) {
	ex := New(nil, nil)

	frame, err := ex.SubscribeFrame("7", domain.SubscriptionKey{Channel: domain.ChannelOrderBook, Symbol: "BTC/USDT"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"7","op":"subscribe","args":[{"channel":"books","instId":"BTC-USDT"}]}`, string(frame))

	key := domain.SubscriptionKey{Channel: domain.ChannelCandles, Symbol: "ETH/USDT", Params: "4h"}
	frame, err = ex.UnsubscribeFrame("8", key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"8","op":"unsubscribe","args":[{"channel":"candle4H","instId":"ETH-USDT"}]}`, string(frame))

	endpoint, err := ex.Endpoint(key)
	require.NoError(t, err)
	assert.Equal(t, EndpointBusiness, endpoint)

	url, err := ex.DialURL(context.Background(), endpoint)
	require.NoError(t, err)
	assert.Equal(t, "wss://ws.okx.com:8443/ws/v5/business", url)

	_, err = ex.SubscribeFrame("9", domain.SubscriptionKey{Channel: domain.ChannelCandles, Symbol: "ETH/USDT", Params: "7m"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedChannel)
}

func TestExchange_ParseBooks(t *testing.T) {
	ex := New(nil, nil)
	_, err := ex.SubscribeFrame("1", domain.SubscriptionKey{Channel: domain.ChannelOrderBook, Symbol: "BTC/USDT"})
	require.NoError(t, err)

	msgs, err := ex.Parse([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"asks":[["8476.98","415","0","13"]],"bids":[["8476.97","256","0","12"]],"ts":"1597026383085","checksum":-855196043,"prevSeqId":-1,"seqId":123456}]}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.KindSnapshot, msgs[0].Kind)
	assert.Equal(t, "BTC/USDT", msgs[0].Symbol)
	assert.Equal(t, int64(123456), msgs[0].Snapshot.Sequence)
	assert.Equal(t, int64(-855196043), msgs[0].Snapshot.Checksum)
	assert.True(t, msgs[0].Snapshot.HasChecksum)

	msgs, err = ex.Parse([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[["8476.98","0","0","0"]],"bids":[],"ts":"1597026383086","checksum":1,"prevSeqId":123456,"seqId":123457}]}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindDiff, msgs[0].Kind)
	assert.Equal(t, int64(123456), msgs[0].Update.PrevSequenceEnd)
	assert.Equal(t, int64(123457), msgs[0].Update.SequenceEnd)
	assert.True(t, msgs[0].Update.Asks[0].Size.IsZero())
}

func TestExchange_ParseEvents(t *testing.T) {
	ex := New(nil, nil)

	msgs, err := ex.Parse([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, domain.KindHeartbeat, msgs[0].Kind)

	msgs, err = ex.Parse([]byte(`{"id":"1","event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT"},"connId":"a4d3ae55"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindSubscriptionAck, msgs[0].Kind)
	assert.Equal(t, "1", msgs[0].RequestID)

	msgs, err = ex.Parse([]byte(`{"id":"2","event":"error","code":"60018","msg":"Wrong URL or channel:books,instId:NOPE-USDT doesn't exist.","connId":"a4d3ae55"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindError, msgs[0].Kind)
	assert.Equal(t, "2", msgs[0].RequestID)
	assert.Equal(t, "60018", msgs[0].Err.Code)

	msgs, err = ex.Parse([]byte(`{"event":"channel-conn-count","channel":"books","connCount":"2","connId":"abcd1234"}`))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = ex.Parse([]byte(`{broken`))
	var parseErr *domain.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestExchange_ParseTradesTickersCandles(t *testing.T) {
	ex := New(nil, nil)
	_, err := ex.SubscribeFrame("1", domain.SubscriptionKey{Channel: domain.ChannelTrades, Symbol: "BTC/USDT"})
	require.NoError(t, err)

	msgs, err := ex.Parse([]byte(`{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","tradeId":"130639474","px":"42219.9","sz":"0.12060306","side":"sell","ts":"1630048897897","count":"3"}]}`))
	require.NoError(t, err)
	require.Len(t, msgs[0].Trades, 1)
	assert.Equal(t, domain.SideSell, msgs[0].Trades[0].Side)
	assert.Equal(t, "42219.9", msgs[0].Trades[0].Price.String())
	assert.Equal(t, int64(1630048897897), msgs[0].Trades[0].Timestamp.UnixMilli())

	msgs, err = ex.Parse([]byte(`{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"9999.99","lastSz":"0.1","askPx":"9999.99","askSz":"11","bidPx":"8888.88","bidSz":"5","open24h":"9000","high24h":"10000","low24h":"8888.88","volCcy24h":"2222","vol24h":"2222","ts":"1597026383085"}]}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindTicker, msgs[0].Kind)
	assert.Equal(t, "8888.88", msgs[0].Ticker.Bid.String())
	assert.Equal(t, "BTC/USDT", msgs[0].Symbol)

	msgs, err = ex.Parse([]byte(`{"arg":{"channel":"candle1D","instId":"BTC-USDT"},"data":[["1597026383085","8533.02","8553.74","8527.17","8548.26","45247","529.5858061","5.3","1"]]}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindCandle, msgs[0].Kind)
	assert.Equal(t, "1d", msgs[0].Params)
	assert.Equal(t, "8548.26", msgs[0].Candle.Close.String())
	assert.True(t, msgs[0].Candle.Closed)
}

func TestExchange_Checksum(t *testing.T) {
	ex := New(nil, nil)
	level := func(p, s string) domain.Level {
		l, err := domain.ParseLevel(p, s)
		require.NoError(t, err)
		return l
	}

	book := &domain.OrderBook{
		Bids: []domain.Level{level("3366.1", "7"), level("3366", "6")},
		Asks: []domain.Level{level("3366.8", "9")},
	}
	want := int64(int32(crc32.ChecksumIEEE([]byte("3366.1:7:3366.8:9:3366:6"))))
	assert.Equal(t, want, ex.Checksum(book))

	// wire text is hashed as received
	book.Bids[0] = level("3366.10", "7")
	assert.NotEqual(t, want, ex.Checksum(book))
}
