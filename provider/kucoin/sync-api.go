package kucoin

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/goccy/go-json"
	"github.com/spooky-finn/cryptostream/domain"
)

const defaultRestEndpoint = "https://api.kucoin.com"

// restAPI is the subset of kucoin.ApiService used by the adapter.
type restAPI interface {
	WebSocketPublicToken() (*kucoin.ApiResponse, error)
	AggregatedPartOrderBook(symbol string, depth int64) (*kucoin.ApiResponse, error)
	AggregatedFullOrderBookV3(symbol string) (*kucoin.ApiResponse, error)
}

type OrderBookSnapshot struct {
	Sequence string     `json:"sequence"`
	Time     int64      `json:"time"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}

func newApiService(baseURI string, cred domain.Credentials) *kucoin.ApiService {
	if baseURI == "" {
		baseURI = defaultRestEndpoint
	}
	return kucoin.NewApiService(
		kucoin.ApiBaseURIOption(baseURI),
		kucoin.ApiKeyOption(cred.APIKey),
		kucoin.ApiSecretOption(cred.Secret),
		kucoin.ApiPassPhraseOption(cred.Passphrase),
		kucoin.ApiKeyVersionOption(kucoin.ApiKeyVersionV2),
	)
}

// WsConnOpts bootstraps a public websocket token.
func (e *Exchange) WsConnOpts() (*kucoin.WebSocketTokenModel, error) {
	resp, err := e.api.WebSocketPublicToken()
	if err != nil {
		return nil, fmt.Errorf("failed to get ws connection options: %w", err)
	}
	if resp.Code != kucoin.ApiSuccess {
		return nil, fmt.Errorf("failed to get ws connection options: code %s: %s", resp.Code, resp.Message)
	}

	data := &kucoin.WebSocketTokenModel{}
	if err = json.Unmarshal([]byte(resp.RawData), data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w, response: %s", err, resp.Message)
	}
	if len(data.Servers) == 0 {
		return nil, fmt.Errorf("no websocket instance servers in token response")
	}

	return data, nil
}

// FetchSnapshot loads the level2 book over REST. The authenticated full
// book is used when credentials are configured, otherwise the public
// partial book of 20 or 100 levels.
func (e *Exchange) FetchSnapshot(ctx context.Context, _ domain.RoundTripper, symbol *domain.MarketSymbol, depth int) (*domain.OrderBookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := e.marketID(symbol)

	var (
		resp *kucoin.ApiResponse
		err  error
	)
	if e.authenticated {
		resp, err = e.api.AggregatedFullOrderBookV3(id)
	} else {
		resp, err = e.api.AggregatedPartOrderBook(id, partDepth(depth))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order book snapshot: %w", err)
	}
	if resp.Code != kucoin.ApiSuccess {
		return nil, &domain.ProtocolError{Exchange: Name, Code: resp.Code, Message: resp.Message}
	}

	data := &OrderBookSnapshot{}
	if err = json.Unmarshal(resp.RawData, data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w, response: %s", err, resp.RawData)
	}

	lastUpdId, err := strconv.ParseInt(data.Sequence, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to convert sequence to int: %w, response: %s", err, resp.RawData)
	}

	bids, err := domain.ParseLevels(data.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := domain.ParseLevels(data.Asks)
	if err != nil {
		return nil, err
	}

	return &domain.OrderBookSnapshot{
		Source:    domain.OrderBookSource_Provider,
		Exchange:  Name,
		Symbol:    symbol.String(),
		Sequence:  lastUpdId,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.UnixMilli(data.Time),
	}, nil
}

func partDepth(depth int) int64 {
	if depth > 0 && depth <= 20 {
		return 20
	}
	return 100
}
