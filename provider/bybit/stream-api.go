package bybit

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

type envelope struct {
	// command responses
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ReqID   string `json:"req_id"`
	Op      string `json:"op"`

	// pushes
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type OrderBookData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Seq      int64      `json:"seq"`
}

type TradeData struct {
	Time    int64  `json:"T"`
	Symbol  string `json:"s"`
	Side    string `json:"S"`
	Size    string `json:"v"`
	Price   string `json:"p"`
	TradeID string `json:"i"`
}

type TickerData struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	PrevPrice24h string `json:"prevPrice24h"`
	Volume24h    string `json:"volume24h"`
	Bid1Price    string `json:"bid1Price"`
	Bid1Size     string `json:"bid1Size"`
	Ask1Price    string `json:"ask1Price"`
	Ask1Size     string `json:"ask1Size"`
}

type KlineData struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

// Parse normalizes command responses and topic pushes.
func (e *Exchange) Parse(frame []byte) ([]domain.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, domain.NewParseError(Name, frame, err)
	}

	if env.Topic == "" {
		return e.response(env), nil
	}

	msgs, err := e.parsePush(env)
	if err != nil {
		return nil, domain.NewParseError(Name, frame, err)
	}
	return msgs, nil
}

func (e *Exchange) response(env envelope) []domain.Message {
	// spot answers ping with op "ping" and ret_msg "pong", derivatives with op "pong"
	if env.Op == "ping" || env.Op == "pong" {
		return []domain.Message{{Kind: domain.KindHeartbeat, Exchange: Name}}
	}
	if env.Success == nil {
		e.log.WithFields(logger.Fields{"op": env.Op, "req_id": env.ReqID}).Debug("unhandled response")
		return nil
	}
	if *env.Success {
		return []domain.Message{{Kind: domain.KindSubscriptionAck, Exchange: Name, RequestID: env.ReqID}}
	}
	return []domain.Message{{
		Kind:      domain.KindError,
		Exchange:  Name,
		RequestID: env.ReqID,
		Err:       &domain.ProtocolError{Exchange: Name, Code: env.Op, Message: env.RetMsg},
	}}
}

func (e *Exchange) parsePush(env envelope) ([]domain.Message, error) {
	parts := strings.Split(env.Topic, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("unknown topic %q", env.Topic)
	}
	symbol := e.markets.CanonicalSymbol(Name, parts[len(parts)-1])

	switch parts[0] {
	case "orderbook":
		var d OrderBookData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		msg, err := orderBook(symbol, env, d)
		if err != nil {
			return nil, err
		}
		return []domain.Message{msg}, nil

	case "publicTrade":
		var data []TradeData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		trades := make([]domain.Trade, 0, len(data))
		for _, d := range data {
			level, err := domain.ParseLevel(d.Price, d.Size)
			if err != nil {
				return nil, err
			}
			trades = append(trades, domain.Trade{
				ID:        d.TradeID,
				Symbol:    symbol,
				Price:     level.Price,
				Size:      level.Size,
				Side:      domain.Side(strings.ToLower(d.Side)),
				Timestamp: time.UnixMilli(d.Time),
			})
		}
		return []domain.Message{{
			Kind:     domain.KindTrade,
			Exchange: Name,
			Channel:  domain.ChannelTrades,
			Symbol:   symbol,
			Trades:   trades,
		}}, nil

	case "tickers":
		var d TickerData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		return []domain.Message{{
			Kind:     domain.KindTicker,
			Exchange: Name,
			Channel:  domain.ChannelTicker,
			Symbol:   symbol,
			Ticker: &domain.Ticker{
				Symbol:    symbol,
				Last:      dec(d.LastPrice),
				Bid:       dec(d.Bid1Price),
				BidSize:   dec(d.Bid1Size),
				Ask:       dec(d.Ask1Price),
				AskSize:   dec(d.Ask1Size),
				Open:      dec(d.PrevPrice24h),
				High:      dec(d.HighPrice24h),
				Low:       dec(d.LowPrice24h),
				Volume:    dec(d.Volume24h),
				Timestamp: time.UnixMilli(env.Ts),
			},
		}}, nil

	case "kline":
		var data []KlineData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		interval := canonicalInterval(parts[1])
		msgs := make([]domain.Message, 0, len(data))
		for _, d := range data {
			msgs = append(msgs, domain.Message{
				Kind:     domain.KindCandle,
				Exchange: Name,
				Channel:  domain.ChannelCandles,
				Symbol:   symbol,
				Params:   interval,
				Candle: &domain.Candle{
					Symbol:   symbol,
					Interval: interval,
					Start:    time.UnixMilli(d.Start),
					Open:     dec(d.Open),
					High:     dec(d.High),
					Low:      dec(d.Low),
					Close:    dec(d.Close),
					Volume:   dec(d.Volume),
					Closed:   d.Confirm,
				},
			})
		}
		return msgs, nil
	}
	return nil, fmt.Errorf("unknown topic %q", env.Topic)
}

// orderBook maps snapshot and delta pushes. A delta covers exactly one
// update id; a snapshot may arrive mid-stream after a service restart and
// replaces the book.
func orderBook(symbol string, env envelope, d OrderBookData) (domain.Message, error) {
	bids, err := domain.ParseLevels(d.Bids)
	if err != nil {
		return domain.Message{}, err
	}
	asks, err := domain.ParseLevels(d.Asks)
	if err != nil {
		return domain.Message{}, err
	}
	ts := time.UnixMilli(env.Ts)

	if env.Type == "snapshot" {
		return domain.Message{
			Kind:     domain.KindSnapshot,
			Exchange: Name,
			Channel:  domain.ChannelOrderBook,
			Symbol:   symbol,
			Snapshot: &domain.OrderBookSnapshot{
				Source:    domain.OrderBookSource_Provider,
				Exchange:  Name,
				Symbol:    symbol,
				Sequence:  d.UpdateID,
				Bids:      bids,
				Asks:      asks,
				Timestamp: ts,
			},
		}, nil
	}

	return domain.Message{
		Kind:     domain.KindDiff,
		Exchange: Name,
		Channel:  domain.ChannelOrderBook,
		Symbol:   symbol,
		Update: &domain.OrderBookUpdate{
			Symbol:          symbol,
			SequenceStart:   d.UpdateID,
			SequenceEnd:     d.UpdateID,
			PrevSequenceEnd: d.UpdateID - 1,
			Bids:            bids,
			Asks:            asks,
			Timestamp:       ts,
		},
	}, nil
}

func canonicalInterval(wire string) string {
	for canonical, w := range intervals {
		if w == wire {
			return canonical
		}
	}
	return wire
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
