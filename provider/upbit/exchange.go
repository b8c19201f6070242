package upbit

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

const (
	Name = "upbit"

	EndpointQuotation = "quotation"
)

var defaultEndpoints = map[string]string{
	EndpointQuotation: "wss://api.upbit.com/websocket/v1",
}

type ticket struct {
	Ticket string `json:"ticket"`
}

type typeField struct {
	Type  string   `json:"type"`
	Codes []string `json:"codes"`
}

type formatField struct {
	Format string `json:"format"`
}

// Exchange adapts the Upbit quotation websocket. A request replaces every
// subscription of its connection and there is no unsubscribe message, so
// each subscription gets a dedicated connection and ends when it is released.
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

// Endpoint names one connection per subscription key.
func (e *Exchange) Endpoint(key domain.SubscriptionKey) (string, error) {
	if key.Channel == domain.ChannelCandles {
		return "", fmt.Errorf("%s %s: %w", Name, key.Channel, domain.ErrUnsupportedChannel)
	}
	return key.String(), nil
}

func (e *Exchange) DialURL(context.Context, string) (string, error) {
	return e.endpoints[EndpointQuotation], nil
}

// Keepalive sends the text "PING"; the server answers {"status":"UP"} and
// closes connections idle for 120s.
func (e *Exchange) Keepalive() domain.Keepalive {
	return domain.Keepalive{Interval: 60 * time.Second, Frame: []byte("PING")}
}

// Upbit streams full books only.
func (e *Exchange) Validator() domain.DepthUpdateValidator { return domain.SnapshotOnlyValidator{} }

// marketID renders QUOTE-BASE, e.g. KRW-BTC.
func (e *Exchange) marketID(symbol *domain.MarketSymbol) string {
	return e.markets.Lookup(Name, symbol, func(s *domain.MarketSymbol) string {
		return s.QuoteAsset + "-" + s.BaseAsset
	}).ID
}

func (e *Exchange) SubscribeFrame(_ string, key domain.SubscriptionKey) ([]byte, error) {
	symbol, err := domain.NewMarketSymbolFromString(key.Symbol)
	if err != nil {
		return nil, err
	}

	var typ string
	switch key.Channel {
	case domain.ChannelOrderBook:
		typ = "orderbook"
	case domain.ChannelTrades:
		typ = "trade"
	case domain.ChannelTicker:
		typ = "ticker"
	default:
		return nil, fmt.Errorf("%s %s: %w", Name, key.Channel, domain.ErrUnsupportedChannel)
	}

	t := uuid.NewString()
	e.log.WithFields(logger.Fields{"ticket": t, "type": typ, "symbol": key.Symbol}).Debug("subscribe request")
	return json.Marshal([]any{
		ticket{Ticket: t},
		typeField{Type: typ, Codes: []string{e.marketID(symbol)}},
		formatField{Format: "DEFAULT"},
	})
}

func (e *Exchange) UnsubscribeFrame(string, domain.SubscriptionKey) ([]byte, error) {
	return nil, nil
}
