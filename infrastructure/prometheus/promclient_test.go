package promclient

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spooky-finn/cryptostream/conn"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ conn.Observer   = (*Metrics)(nil)
	_ router.Observer = (*Metrics)(nil)
)

func TestMetrics_Subscriptions(t *testing.T) {
	m := NewMetrics()
	book := domain.SubscriptionKey{Exchange: "okx", Channel: domain.ChannelOrderBook, Symbol: "BTC/USDT"}
	trades := domain.SubscriptionKey{Exchange: "okx", Channel: domain.ChannelTrades, Symbol: "BTC/USDT"}

	m.SubscriptionOpened(book)
	m.SubscriptionOpened(trades)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OpenOrderBooks.WithLabelValues("okx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Subscriptions.WithLabelValues("okx", "trades")))

	m.SubscriptionClosed(book)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.OpenOrderBooks.WithLabelValues("okx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Subscriptions.WithLabelValues("okx", "trades")))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.ConnectionOpened("bybit")
	m.Reconnect("bybit")
	m.Reconnect("bybit")
	m.OrderBookDesynced("bybit", "gap")
	m.OrderBookSynced("bybit")
	m.DeliveryDropped("bybit", domain.ChannelTrades)
	m.ParseError("bybit")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Connections.WithLabelValues("bybit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Reconnects.WithLabelValues("bybit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OrderBookDesyncs.WithLabelValues("bybit", "gap")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeliveryDrops.WithLabelValues("bybit", "trades")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ParseErrors.WithLabelValues("bybit")))

	m.ConnectionClosed("bybit")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Connections.WithLabelValues("bybit")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.Reconnect("kucoin")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `cryptostream_reconnects_total{exchange="kucoin"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
