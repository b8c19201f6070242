package binance

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

// Futures only accept a fixed set of depth limits; spot accepts any of them.
var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

type depthRequest struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params depthParams `json:"params"`
}

type depthParams struct {
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit"`
}

// FetchSnapshot requests the order book over the WebSocket API. The request
// travels on the shared "api" connection and is matched to its response by id.
func (e *Exchange) FetchSnapshot(ctx context.Context, rt domain.RoundTripper, symbol *domain.MarketSymbol, depth int) (*domain.OrderBookSnapshot, error) {
	limit := depthLimit(depth)
	msg, err := rt.RoundTrip(ctx, EndpointAPI, func(id string) ([]byte, error) {
		return json.Marshal(depthRequest{
			ID:     id,
			Method: "depth",
			Params: depthParams{Symbol: e.marketID(symbol), Limit: limit},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s depth %s: %w", e.name, symbol, err)
	}
	if msg.Snapshot == nil {
		return nil, fmt.Errorf("%s depth %s: unexpected %s response", e.name, symbol, msg.Kind)
	}

	snapshot := *msg.Snapshot
	snapshot.Symbol = symbol.String()

	e.log.WithFields(logger.Fields{
		"symbol":   snapshot.Symbol,
		"sequence": snapshot.Sequence,
		"limit":    limit,
	}).Debug("depth snapshot received")
	return &snapshot, nil
}

func depthLimit(depth int) int {
	for _, l := range depthLimits {
		if depth <= l {
			return l
		}
	}
	return depthLimits[len(depthLimits)-1]
}
