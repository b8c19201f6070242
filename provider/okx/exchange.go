package okx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

const (
	Name = "okx"

	EndpointPublic   = "public"
	EndpointBusiness = "business"
)

var defaultEndpoints = map[string]string{
	EndpointPublic:   "wss://ws.okx.com:8443/ws/v5/public",
	EndpointBusiness: "wss://ws.okx.com:8443/ws/v5/business",
}

var intervals = map[string]string{
	"1m": "1m", "3m": "3m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1H", "2h": "2H", "4h": "4H", "6h": "6H", "12h": "12H",
	"1d": "1D", "1w": "1W",
}

type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type request struct {
	ID   string       `json:"id"`
	Op   string       `json:"op"`
	Args []channelArg `json:"args"`
}

// Exchange adapts the OKX v5 public and business websockets. Books are
// pushed as a snapshot on subscribe followed by checksummed updates.
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

func (e *Exchange) Endpoint(key domain.SubscriptionKey) (string, error) {
	if key.Channel == domain.ChannelCandles {
		return EndpointBusiness, nil
	}
	return EndpointPublic, nil
}

func (e *Exchange) DialURL(_ context.Context, endpoint string) (string, error) {
	url, ok := e.endpoints[endpoint]
	if !ok {
		return "", fmt.Errorf("%s: unknown endpoint %q", Name, endpoint)
	}
	return url, nil
}

// Keepalive sends the literal "ping"; the server answers "pong" and drops
// connections idle for 30s.
func (e *Exchange) Keepalive() domain.Keepalive {
	return domain.Keepalive{Interval: 20 * time.Second, Frame: []byte("ping")}
}

func (e *Exchange) Validator() domain.DepthUpdateValidator { return domain.PrevLinkValidator{} }

func (e *Exchange) ResyncBySubscribe() bool { return true }

func (e *Exchange) marketID(symbol *domain.MarketSymbol) string {
	return e.markets.Lookup(Name, symbol, func(s *domain.MarketSymbol) string {
		return s.Join("-")
	}).ID
}

func (e *Exchange) arg(key domain.SubscriptionKey) (channelArg, error) {
	symbol, err := domain.NewMarketSymbolFromString(key.Symbol)
	if err != nil {
		return channelArg{}, err
	}
	id := e.marketID(symbol)

	switch key.Channel {
	case domain.ChannelOrderBook:
		return channelArg{Channel: "books", InstID: id}, nil
	case domain.ChannelTrades:
		return channelArg{Channel: "trades", InstID: id}, nil
	case domain.ChannelTicker:
		return channelArg{Channel: "tickers", InstID: id}, nil
	case domain.ChannelCandles:
		bar, ok := intervals[key.Params]
		if !ok {
			return channelArg{}, fmt.Errorf("%s: unsupported candle interval %q: %w", Name, key.Params, domain.ErrUnsupportedChannel)
		}
		return channelArg{Channel: "candle" + bar, InstID: id}, nil
	}
	return channelArg{}, fmt.Errorf("%s %s: %w", Name, key.Channel, domain.ErrUnsupportedChannel)
}

func (e *Exchange) SubscribeFrame(id string, key domain.SubscriptionKey) ([]byte, error) {
	return e.request("subscribe", id, key)
}

func (e *Exchange) UnsubscribeFrame(id string, key domain.SubscriptionKey) ([]byte, error) {
	return e.request("unsubscribe", id, key)
}

func (e *Exchange) request(op, id string, key domain.SubscriptionKey) ([]byte, error) {
	arg, err := e.arg(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(request{ID: id, Op: op, Args: []channelArg{arg}})
}

// canonicalInterval maps a candle channel such as candle1H back to 1h.
func canonicalInterval(channel string) string {
	bar := strings.TrimPrefix(channel, "candle")
	for canonical, b := range intervals {
		if b == bar {
			return canonical
		}
	}
	return bar
}
