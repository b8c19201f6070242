package kucoin

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

const (
	Name = "kucoin"

	EndpointPublic = "public"
	EndpointRest   = "rest"

	defaultPingInterval = 18 * time.Second
)

var intervals = map[string]string{
	"1m": "1min", "3m": "3min", "5m": "5min", "15m": "15min", "30m": "30min",
	"1h": "1hour", "2h": "2hour", "4h": "4hour", "6h": "6hour", "8h": "8hour", "12h": "12hour",
	"1d": "1day", "1w": "1week",
}

type SubscribeMessage struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

// Exchange adapts the KuCoin spot websocket. Every dial bootstraps a fresh
// token through the REST api.
type Exchange struct {
	api           restAPI
	authenticated bool
	override      string
	markets       *domain.MarketTable
	pingInterval  atomic.Int64
	log           *logger.Entry
}

func New(endpoints map[string]string, markets *domain.MarketTable, creds domain.CredentialProvider) *Exchange {
	var cred domain.Credentials
	if creds != nil {
		cred, _ = creds.Credentials(Name)
	}
	e := newExchange(newApiService(endpoints[EndpointRest], cred), markets)
	e.authenticated = cred.APIKey != ""
	e.override = endpoints[EndpointPublic]
	return e
}

func newExchange(api restAPI, markets *domain.MarketTable) *Exchange {
	if markets == nil {
		markets = domain.NewMarketTable()
	}
	e := &Exchange{
		api:     api,
		markets: markets,
		log:     logger.GetLogger().WithComponent(Name + "_adapter"),
	}
	e.pingInterval.Store(int64(defaultPingInterval))
	return e
}

func (e *Exchange) Name() string { return Name }

func (e *Exchange) Endpoint(domain.SubscriptionKey) (string, error) {
	return EndpointPublic, nil
}

// DialURL fetches a token and returns the instance server url. A configured
// public endpoint replaces the server but still gets the token attached.
func (e *Exchange) DialURL(_ context.Context, endpoint string) (string, error) {
	if endpoint != EndpointPublic {
		return "", fmt.Errorf("%s: unknown endpoint %q", Name, endpoint)
	}

	opts, err := e.WsConnOpts()
	if err != nil {
		return "", err
	}
	server := opts.Servers[0]
	if server.PingInterval > 0 {
		e.pingInterval.Store(int64(time.Duration(server.PingInterval) * time.Millisecond))
	}

	base := server.Endpoint
	if e.override != "" {
		base = e.override
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%s: invalid endpoint %q: %w", Name, base, err)
	}
	q := u.Query()
	q.Set("token", opts.Token)
	q.Set("connectId", uuid.NewString())
	u.RawQuery = q.Encode()

	e.log.WithFields(logger.Fields{"endpoint": u.Host}).Debug("websocket token acquired")
	return u.String(), nil
}

func (e *Exchange) Keepalive() domain.Keepalive {
	return domain.Keepalive{
		Interval: time.Duration(e.pingInterval.Load()),
		Frame:    []byte(`{"id":"ping","type":"ping"}`),
	}
}

func (e *Exchange) Validator() domain.DepthUpdateValidator { return domain.RangeValidator{} }

func (e *Exchange) marketID(symbol *domain.MarketSymbol) string {
	return e.markets.Lookup(Name, symbol, func(s *domain.MarketSymbol) string {
		return s.Join("-")
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
		return "/market/level2:" + id, nil
	case domain.ChannelTrades:
		return "/market/match:" + id, nil
	case domain.ChannelTicker:
		return "/market/ticker:" + id, nil
	case domain.ChannelCandles:
		interval, ok := intervals[key.Params]
		if !ok {
			return "", fmt.Errorf("%s: unsupported candle interval %q: %w", Name, key.Params, domain.ErrUnsupportedChannel)
		}
		return "/market/candles:" + id + "_" + interval, nil
	}
	return "", fmt.Errorf("%s %s: %w", Name, key.Channel, domain.ErrUnsupportedChannel)
}

func NewSubscribeMessage(id, topic string, subscribe bool) SubscribeMessage {
	kind := "unsubscribe"
	if subscribe {
		kind = "subscribe"
	}
	return SubscribeMessage{
		ID:       id,
		Type:     kind,
		Topic:    topic,
		Response: true,
	}
}

func (e *Exchange) SubscribeFrame(id string, key domain.SubscriptionKey) ([]byte, error) {
	topic, err := e.topic(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(NewSubscribeMessage(id, topic, true))
}

func (e *Exchange) UnsubscribeFrame(id string, key domain.SubscriptionKey) ([]byte, error) {
	topic, err := e.topic(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(NewSubscribeMessage(id, topic, false))
}
