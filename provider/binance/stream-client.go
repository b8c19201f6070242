package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

const (
	Spot = "binance"
	USDM = "binanceusdm"

	EndpointStream = "stream"
	EndpointAPI    = "api"
)

var defaultEndpoints = map[string]map[string]string{
	Spot: {
		EndpointStream: "wss://stream.binance.com:9443/stream",
		EndpointAPI:    "wss://ws-api.binance.com:443/ws-api/v3",
	},
	USDM: {
		EndpointStream: "wss://fstream.binance.com/stream",
		EndpointAPI:    "wss://ws-fapi.binance.com/ws-fapi/v1",
	},
}

type WebSocketRequestModel struct {
	ReqId  uint64   `json:"id"`
	Params []string `json:"params"`
	Method string   `json:"method"`
}

// Exchange adapts Binance combined streams. The same type serves spot and
// USDⓈ-M futures; they differ in endpoints, trade stream and sequencing.
type Exchange struct {
	name      string
	endpoints map[string]string
	markets   *domain.MarketTable
	validator domain.DepthUpdateValidator
	log       *logger.Entry
}

func NewSpot(endpoints map[string]string, markets *domain.MarketTable) *Exchange {
	return newExchange(Spot, endpoints, markets, domain.RangeValidator{})
}

func NewUSDM(endpoints map[string]string, markets *domain.MarketTable) *Exchange {
	return newExchange(USDM, endpoints, markets, domain.BinanceFuturesValidator{})
}

func newExchange(name string, endpoints map[string]string, markets *domain.MarketTable, v domain.DepthUpdateValidator) *Exchange {
	merged := make(map[string]string, len(defaultEndpoints[name]))
	for k, url := range defaultEndpoints[name] {
		merged[k] = url
	}
	for k, url := range endpoints {
		if url != "" {
			merged[k] = url
		}
	}
	if markets == nil {
		markets = domain.NewMarketTable()
	}
	return &Exchange{
		name:      name,
		endpoints: merged,
		markets:   markets,
		validator: v,
		log:       logger.GetLogger().WithComponent(name + "_adapter"),
	}
}

func (e *Exchange) Name() string { return e.name }

func (e *Exchange) Endpoint(domain.SubscriptionKey) (string, error) {
	return EndpointStream, nil
}

func (e *Exchange) DialURL(_ context.Context, endpoint string) (string, error) {
	url, ok := e.endpoints[endpoint]
	if !ok {
		return "", fmt.Errorf("%s: unknown endpoint %q", e.name, endpoint)
	}
	return url, nil
}

func (e *Exchange) Keepalive() domain.Keepalive { return domain.Keepalive{} }

func (e *Exchange) Validator() domain.DepthUpdateValidator { return e.validator }

func (e *Exchange) marketID(symbol *domain.MarketSymbol) string {
	return e.markets.Lookup(e.name, symbol, func(s *domain.MarketSymbol) string {
		return s.Join("")
	}).ID
}

// streamName returns the combined stream name for a subscription key,
// e.g. btcusdt@depth@100ms.
func (e *Exchange) streamName(key domain.SubscriptionKey) (string, error) {
	symbol, err := domain.NewMarketSymbolFromString(key.Symbol)
	if err != nil {
		return "", err
	}
	id := strings.ToLower(e.marketID(symbol))

	switch key.Channel {
	case domain.ChannelOrderBook:
		return id + "@depth@100ms", nil
	case domain.ChannelTrades:
		if e.name == USDM {
			return id + "@aggTrade", nil
		}
		return id + "@trade", nil
	case domain.ChannelTicker:
		return id + "@ticker", nil
	case domain.ChannelCandles:
		interval := key.Params
		if interval == "" {
			interval = "1m"
		}
		return id + "@kline_" + interval, nil
	}
	return "", fmt.Errorf("%s %s: %w", e.name, key.Channel, domain.ErrUnsupportedChannel)
}

func (e *Exchange) SubscribeFrame(id string, key domain.SubscriptionKey) ([]byte, error) {
	return e.request("SUBSCRIBE", id, key)
}

func (e *Exchange) UnsubscribeFrame(id string, key domain.SubscriptionKey) ([]byte, error) {
	return e.request("UNSUBSCRIBE", id, key)
}

func (e *Exchange) request(method, id string, key domain.SubscriptionKey) ([]byte, error) {
	stream, err := e.streamName(key)
	if err != nil {
		return nil, err
	}
	reqID, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: request id %q is not numeric", e.name, id)
	}
	return json.Marshal(WebSocketRequestModel{
		Method: method,
		ReqId:  reqID,
		Params: []string{stream},
	})
}
