package bybit

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

const (
	Name = "bybit"

	EndpointSpot = "spot"

	bookDepth = 50
)

var defaultEndpoints = map[string]string{
	EndpointSpot: "wss://stream.bybit.com/v5/public/spot",
}

var intervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W",
}

type request struct {
	ReqID string   `json:"req_id"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// Exchange adapts the Bybit v5 public spot stream. Order book topics push a
// snapshot on subscribe followed by deltas with a consecutive update id.
type Exchange struct {
	endpoints map[string]string
	markets   *domain.MarketTable
	log       *logger.Entry
}

func New(endpoints map[string]string, markets *domain.MarketTable) *Exchange {
	merged := make(map[string]string, len(defaultEndpoints))
	for k, v := range defaultEndpoints {
		merged[k] = v
	}
	for k, v := range endpoints {
		if v != "" {
			merged[k] = v
		}
	}
	if markets == nil {
		markets = domain.NewMarketTable()
	}
	return &Exchange{
		endpoints: merged,
		markets:   markets,
		log:       logger.GetLogger().WithComponent(Name + "_adapter"),
	}
}

func (e *Exchange) Name() string { return Name }

func (e *Exchange) Endpoint(domain.SubscriptionKey) (string, error) { return EndpointSpot, nil }

func (e *Exchange) DialURL(_ context.Context, endpoint string) (string, error) {
	url, ok := e.endpoints[endpoint]
	if !ok {
		return "", fmt.Errorf("%s: unknown endpoint %q", Name, endpoint)
	}
	return url, nil
}

func (e *Exchange) Keepalive() domain.Keepalive {
	frame, _ := json.Marshal(request{ReqID: "ping", Op: "ping"})
	return domain.Keepalive{Interval: 20 * time.Second, Frame: frame}
}

func (e *Exchange) Validator() domain.DepthUpdateValidator { return domain.RangeValidator{} }

func (e *Exchange) ResyncBySubscribe() bool { return true }

func (e *Exchange) marketID(symbol *domain.MarketSymbol) string {
	return e.markets.Lookup(Name, symbol, func(s *domain.MarketSymbol) string {
		return s.Join("")
	}).ID
}

func (e *Exchange) topic(key domain.SubscriptionKey) (string, error) {
	symbol, err := domain.NewMarketSymbolFromString(key.Symbol)
	if err != nil {
		return "", err
	}
	id := e.marketID(symbol)

	switch key.Channel {
	case domain.ChannelOrderBook:
		return fmt.Sprintf("orderbook.%d.%s", bookDepth, id), nil
	case domain.ChannelTrades:
		return "publicTrade." + id, nil
	case domain.ChannelTicker:
		return "tickers." + id, nil
	case domain.ChannelCandles:
		interval, ok := intervals[key.Params]
		if !ok {
			return "", fmt.Errorf("%s: unsupported candle interval %q: %w", Name, key.Params, domain.ErrUnsupportedChannel)
		}
		return "kline." + interval + "." + id, nil
	}
	return "", fmt.Errorf("%s %s: %w", Name, key.Channel, domain.ErrUnsupportedChannel)
}

func (e *Exchange) SubscribeFrame(id string, key domain.SubscriptionKey) ([]byte, error) {
	return e.request("subscribe", id, key)
}

func (e *Exchange) UnsubscribeFrame(id string, key domain.SubscriptionKey) ([]byte, error) {
	return e.request("unsubscribe", id, key)
}

func (e *Exchange) request(op, id string, key domain.SubscriptionKey) ([]byte, error) {
	topic, err := e.topic(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(request{ReqID: id, Op: op, Args: []string{topic}})
}
