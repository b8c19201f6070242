package kucoin

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeREST struct {
	token     string
	book      string
	fullCalls int
	partDepth int64
	err       error
}

func ok(data string) *kucoin.ApiResponse {
	return &kucoin.ApiResponse{Code: kucoin.ApiSuccess, RawData: []byte(data)}
}

func (f *fakeREST) WebSocketPublicToken() (*kucoin.ApiResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return ok(f.token), nil
}

func (f *fakeREST) AggregatedPartOrderBook(_ string, depth int64) (*kucoin.ApiResponse, error) {
	f.partDepth = depth
	return ok(f.book), nil
}

func (f *fakeREST) AggregatedFullOrderBookV3(string) (*kucoin.ApiResponse, error) {
	f.fullCalls++
	return ok(f.book), nil
}

const tokenResponse = `{"token":"abc","instanceServers":[{"endpoint":"wss://ws-api-spot.kucoin.com/","encrypt":true,"protocol":"websocket","pingInterval":18000,"pingTimeout":10000}]}`

func TestExchange_DialURLBootstrapsToken(t *testing.T) {
	ex := newExchange(&fakeREST{token: tokenResponse}, nil)

	raw, err := ex.DialURL(context.Background(), EndpointPublic)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws-api-spot.kucoin.com", u.Host)
	assert.Equal(t, "abc", u.Query().Get("token"))
	assert.NotEmpty(t, u.Query().Get("connectId"))
	assert.Equal(t, 18*time.Second, ex.Keepalive().Interval)

	ex.override = "ws://127.0.0.1:9000/ws"
	raw, err = ex.DialURL(context.Background(), EndpointPublic)
	require.NoError(t, err)
	assert.Contains(t, raw, "ws://127.0.0.1:9000/ws?")

	failing := newExchange(&fakeREST{err: errors.New("503")}, nil)
	_, err = failing.DialURL(context.Background(), EndpointPublic)
	assert.Error(t, err)
}

func TestExchange_SubscribeFrame(t *testing.T) {
	ex := newExchange(&fakeREST{}, nil)

	frame, err := ex.SubscribeFrame("3", domain.SubscriptionKey{Channel: domain.ChannelOrderBook, Symbol: "BTC/USDT"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"3","type":"subscribe","topic":"/market/level2:BTC-USDT","privateChannel":false,"response":true}`, string(frame))

	frame, err = ex.UnsubscribeFrame("4", domain.SubscriptionKey{Channel: domain.ChannelCandles, Symbol: "BTC/USDT", Params: "1h"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"4","type":"unsubscribe","topic":"/market/candles:BTC-USDT_1hour","privateChannel":false,"response":true}`, string(frame))

	_, err = ex.SubscribeFrame("5", domain.SubscriptionKey{Channel: domain.ChannelCandles, Symbol: "BTC/USDT", Params: "7m"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedChannel)
}

func TestExchange_Parse(t *testing.T) {
	ex := newExchange(&fakeREST{}, nil)
	_, err := ex.SubscribeFrame("1", domain.SubscriptionKey{Channel: domain.ChannelOrderBook, Symbol: "BTC/USDT"})
	require.NoError(t, err)

	msgs, err := ex.Parse([]byte(`{"type":"message","topic":"/market/level2:BTC-USDT","subject":"trade.l2update","data":{"changes":{"asks":[["18906","0.00331","14103845"]],"bids":[]},"sequenceEnd":14103845,"sequenceStart":14103844,"symbol":"BTC-USDT","time":1663747970273}}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SubscriptionKey{Exchange: Name, Channel: domain.ChannelOrderBook, Symbol: "BTC/USDT"}, msgs[0].Key())
	assert.Equal(t, int64(14103844), msgs[0].Update.SequenceStart)
	assert.Equal(t, int64(14103845), msgs[0].Update.SequenceEnd)
	assert.Equal(t, "18906", msgs[0].Update.Asks[0].Price.String())

	msgs, err = ex.Parse([]byte(`{"type":"message","topic":"/market/match:BTC-USDT","subject":"trade.l3match","data":{"symbol":"BTC-USDT","side":"buy","size":"0.01","price":"20000","tradeId":"6364","time":"1663747970273000000"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SideBuy, msgs[0].Trades[0].Side)
	assert.Equal(t, int64(1663747970273), msgs[0].Trades[0].Timestamp.UnixMilli())

	msgs, err = ex.Parse([]byte(`{"type":"message","topic":"/market/candles:BTC-USDT_1hour","subject":"trade.candles.update","data":{"symbol":"BTC-USDT","candles":["1589968800","9786.9","9740.8","9806.1","9732","27.45","268280.09"],"time":1589970010253893337}}`))
	require.NoError(t, err)
	assert.Equal(t, "1h", msgs[0].Params)
	assert.Equal(t, "9740.8", msgs[0].Candle.Close.String())

	msgs, err = ex.Parse([]byte(`{"id":"1","type":"ack"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindSubscriptionAck, msgs[0].Kind)
	assert.Equal(t, "1", msgs[0].RequestID)

	msgs, err = ex.Parse([]byte(`{"id":"2","type":"error","code":404,"data":"topic /market/level2:NOPE-USDT is not found"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindError, msgs[0].Kind)
	assert.Equal(t, "404", msgs[0].Err.Code)

	msgs, err = ex.Parse([]byte(`{"id":"x","type":"welcome"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindHeartbeat, msgs[0].Kind)

	_, err = ex.Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestExchange_FetchSnapshot(t *testing.T) {
	rest := &fakeREST{book: `{"sequence":"3262786978","time":1550653727731,"bids":[["6500.12","0.45054140"]],"asks":[["6500.16","0.57753524"]]}`}
	ex := newExchange(rest, nil)
	symbol, _ := domain.NewMarketSymbol("btc", "usdt")

	snap, err := ex.FetchSnapshot(context.Background(), nil, symbol, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3262786978), snap.Sequence)
	assert.Equal(t, "BTC/USDT", snap.Symbol)
	assert.Equal(t, int64(20), rest.partDepth)
	assert.Equal(t, 0, rest.fullCalls)

	ex.authenticated = true
	_, err = ex.FetchSnapshot(context.Background(), nil, symbol, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rest.fullCalls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ex.FetchSnapshot(ctx, nil, symbol, 10)
	assert.ErrorIs(t, err, context.Canceled)
}
