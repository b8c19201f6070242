package kucoin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/cryptostream/domain"
)

type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Code    json.RawMessage `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type DepthUpdateModel struct {
	Changes       OrderBookChanges `json:"changes"`
	SequenceEnd   int64            `json:"sequenceEnd"`
	SequenceStart int64            `json:"sequenceStart"`
	Symbol        string           `json:"symbol"`
	Time          int64            `json:"time"`
}

type OrderBookChanges struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
}

type MatchModel struct {
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	TradeID string `json:"tradeId"`
	Time    string `json:"time"`
}

type TickerModel struct {
	Price       string `json:"price"`
	Size        string `json:"size"`
	BestAsk     string `json:"bestAsk"`
	BestAskSize string `json:"bestAskSize"`
	BestBid     string `json:"bestBid"`
	BestBidSize string `json:"bestBidSize"`
	Time        int64  `json:"time"`
}

type CandleModel struct {
	Symbol  string   `json:"symbol"`
	Candles []string `json:"candles"`
	Time    int64    `json:"time"`
}

// Parse normalizes welcome, ack, pong, error and topic message frames.
func (e *Exchange) Parse(frame []byte) ([]domain.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, domain.NewParseError(Name, frame, err)
	}

	switch env.Type {
	case "welcome", "pong":
		return []domain.Message{{Kind: domain.KindHeartbeat, Exchange: Name}}, nil
	case "ack":
		return []domain.Message{{Kind: domain.KindSubscriptionAck, Exchange: Name, RequestID: env.ID}}, nil
	case "error":
		var reason string
		_ = json.Unmarshal(env.Data, &reason)
		return []domain.Message{{
			Kind:      domain.KindError,
			Exchange:  Name,
			RequestID: env.ID,
			Err:       &domain.ProtocolError{Exchange: Name, Code: strings.Trim(string(env.Code), `"`), Message: reason},
		}}, nil
	case "message":
	default:
		return nil, nil
	}

	msg, err := e.parseTopic(env)
	if err != nil {
		return nil, domain.NewParseError(Name, frame, err)
	}
	return []domain.Message{msg}, nil
}

func (e *Exchange) parseTopic(env envelope) (domain.Message, error) {
	prefix, target, ok := strings.Cut(env.Topic, ":")
	if !ok {
		return domain.Message{}, fmt.Errorf("topic %q has no symbol", env.Topic)
	}

	switch prefix {
	case "/market/level2":
		var d DepthUpdateModel
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return domain.Message{}, err
		}
		return e.depthUpdate(target, d)

	case "/market/match":
		var d MatchModel
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return domain.Message{}, err
		}
		return e.match(target, d)

	case "/market/ticker":
		var d TickerModel
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return domain.Message{}, err
		}
		return e.ticker(target, d), nil

	case "/market/candles":
		var d CandleModel
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return domain.Message{}, err
		}
		return e.candle(target, d)
	}
	return domain.Message{}, fmt.Errorf("unknown topic %q", env.Topic)
}

func (e *Exchange) depthUpdate(id string, d DepthUpdateModel) (domain.Message, error) {
	bids, err := domain.ParseLevels(d.Changes.Bids)
	if err != nil {
		return domain.Message{}, err
	}
	asks, err := domain.ParseLevels(d.Changes.Asks)
	if err != nil {
		return domain.Message{}, err
	}
	symbol := e.markets.CanonicalSymbol(Name, id)
	return domain.Message{
		Kind:     domain.KindDiff,
		Exchange: Name,
		Channel:  domain.ChannelOrderBook,
		Symbol:   symbol,
		Update: &domain.OrderBookUpdate{
			Symbol:        symbol,
			SequenceStart: d.SequenceStart,
			SequenceEnd:   d.SequenceEnd,
			Bids:          bids,
			Asks:          asks,
			Timestamp:     time.UnixMilli(d.Time),
		},
	}, nil
}

func (e *Exchange) match(id string, d MatchModel) (domain.Message, error) {
	level, err := domain.ParseLevel(d.Price, d.Size)
	if err != nil {
		return domain.Message{}, err
	}
	// match time is in nanoseconds
	ns, _ := strconv.ParseInt(d.Time, 10, 64)
	symbol := e.markets.CanonicalSymbol(Name, id)
	return domain.Message{
		Kind:     domain.KindTrade,
		Exchange: Name,
		Channel:  domain.ChannelTrades,
		Symbol:   symbol,
		Trades: []domain.Trade{{
			ID:        d.TradeID,
			Symbol:    symbol,
			Price:     level.Price,
			Size:      level.Size,
			Side:      domain.Side(d.Side),
			Timestamp: time.Unix(0, ns),
		}},
	}, nil
}

func (e *Exchange) ticker(id string, d TickerModel) domain.Message {
	symbol := e.markets.CanonicalSymbol(Name, id)
	return domain.Message{
		Kind:     domain.KindTicker,
		Exchange: Name,
		Channel:  domain.ChannelTicker,
		Symbol:   symbol,
		Ticker: &domain.Ticker{
			Symbol:    symbol,
			Last:      dec(d.Price),
			Bid:       dec(d.BestBid),
			BidSize:   dec(d.BestBidSize),
			Ask:       dec(d.BestAsk),
			AskSize:   dec(d.BestAskSize),
			Timestamp: time.UnixMilli(d.Time),
		},
	}
}

// candle parses topics of the form BTC-USDT_1min. Candle fields are
// [start, open, close, high, low, volume, turnover].
func (e *Exchange) candle(target string, d CandleModel) (domain.Message, error) {
	id, wire, ok := strings.Cut(target, "_")
	if !ok {
		return domain.Message{}, fmt.Errorf("candle topic %q has no interval", target)
	}
	if len(d.Candles) < 6 {
		return domain.Message{}, fmt.Errorf("candle has %d fields", len(d.Candles))
	}
	start, err := strconv.ParseInt(d.Candles[0], 10, 64)
	if err != nil {
		return domain.Message{}, err
	}

	interval := wire
	for canonical, w := range intervals {
		if w == wire {
			interval = canonical
			break
		}
	}

	symbol := e.markets.CanonicalSymbol(Name, id)
	return domain.Message{
		Kind:     domain.KindCandle,
		Exchange: Name,
		Channel:  domain.ChannelCandles,
		Symbol:   symbol,
		Params:   interval,
		Candle: &domain.Candle{
			Symbol:   symbol,
			Interval: interval,
			Start:    time.Unix(start, 0),
			Open:     dec(d.Candles[1]),
			Close:    dec(d.Candles[2]),
			High:     dec(d.Candles[3]),
			Low:      dec(d.Candles[4]),
			Volume:   dec(d.Candles[5]),
		},
	}, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
