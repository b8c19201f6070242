package okx

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

type envelope struct {
	ID     string          `json:"id"`
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    channelArg      `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type BookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  int64      `json:"checksum"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

type TradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type TickerData struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	AskPx   string `json:"askPx"`
	AskSz   string `json:"askSz"`
	BidPx   string `json:"bidPx"`
	BidSz   string `json:"bidSz"`
	Open24h string `json:"open24h"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Vol24h  string `json:"vol24h"`
	Ts      string `json:"ts"`
}

var pong = []byte("pong")

// Parse normalizes event responses and channel pushes. The text frame
// "pong" answers the keepalive.
func (e *Exchange) Parse(frame []byte) ([]domain.Message, error) {
	if bytes.Equal(bytes.TrimSpace(frame), pong) {
		return []domain.Message{{Kind: domain.KindHeartbeat, Exchange: Name}}, nil
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, domain.NewParseError(Name, frame, err)
	}

	switch env.Event {
	case "subscribe", "unsubscribe":
		return []domain.Message{{Kind: domain.KindSubscriptionAck, Exchange: Name, RequestID: env.ID}}, nil
	case "error":
		return []domain.Message{{
			Kind:      domain.KindError,
			Exchange:  Name,
			RequestID: env.ID,
			Err:       &domain.ProtocolError{Exchange: Name, Code: env.Code, Message: env.Msg},
		}}, nil
	case "":
	default:
		// login, channel-conn-count and notice events
		e.log.WithFields(logger.Fields{"event": env.Event, "code": env.Code}).Debug(env.Msg)
		return nil, nil
	}
	if env.Data == nil {
		return nil, nil
	}

	msgs, err := e.parsePush(env)
	if err != nil {
		return nil, domain.NewParseError(Name, frame, err)
	}
	return msgs, nil
}

func (e *Exchange) parsePush(env envelope) ([]domain.Message, error) {
	symbol := e.markets.CanonicalSymbol(Name, env.Arg.InstID)

	switch {
	case env.Arg.Channel == "books":
		var data []BookData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		msgs := make([]domain.Message, 0, len(data))
		for _, d := range data {
			msg, err := book(symbol, env.Action, d)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, msg)
		}
		return msgs, nil

	case env.Arg.Channel == "trades":
		var data []TradeData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		trades := make([]domain.Trade, 0, len(data))
		for _, d := range data {
			level, err := domain.ParseLevel(d.Px, d.Sz)
			if err != nil {
				return nil, err
			}
			trades = append(trades, domain.Trade{
				ID:        d.TradeID,
				Symbol:    symbol,
				Price:     level.Price,
				Size:      level.Size,
				Side:      domain.Side(d.Side),
				Timestamp: millis(d.Ts),
			})
		}
		return []domain.Message{{
			Kind:     domain.KindTrade,
			Exchange: Name,
			Channel:  domain.ChannelTrades,
			Symbol:   symbol,
			Trades:   trades,
		}}, nil

	case env.Arg.Channel == "tickers":
		var data []TickerData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		msgs := make([]domain.Message, 0, len(data))
		for _, d := range data {
			msgs = append(msgs, domain.Message{
				Kind:     domain.KindTicker,
				Exchange: Name,
				Channel:  domain.ChannelTicker,
				Symbol:   symbol,
				Ticker: &domain.Ticker{
					Symbol:    symbol,
					Last:      dec(d.Last),
					Bid:       dec(d.BidPx),
					BidSize:   dec(d.BidSz),
					Ask:       dec(d.AskPx),
					AskSize:   dec(d.AskSz),
					Open:      dec(d.Open24h),
					High:      dec(d.High24h),
					Low:       dec(d.Low24h),
					Volume:    dec(d.Vol24h),
					Timestamp: millis(d.Ts),
				},
			})
		}
		return msgs, nil

	case strings.HasPrefix(env.Arg.Channel, "candle"):
		// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]
		var data [][]string
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, err
		}
		interval := canonicalInterval(env.Arg.Channel)
		msgs := make([]domain.Message, 0, len(data))
		for _, row := range data {
			if len(row) < 6 {
				return nil, fmt.Errorf("candle has %d fields", len(row))
			}
			msgs = append(msgs, domain.Message{
				Kind:     domain.KindCandle,
				Exchange: Name,
				Channel:  domain.ChannelCandles,
				Symbol:   symbol,
				Params:   interval,
				Candle: &domain.Candle{
					Symbol:   symbol,
					Interval: interval,
					Start:    millis(row[0]),
					Open:     dec(row[1]),
					High:     dec(row[2]),
					Low:      dec(row[3]),
					Close:    dec(row[4]),
					Volume:   dec(row[5]),
					Closed:   len(row) > 8 && row[8] == "1",
				},
			})
		}
		return msgs, nil
	}
	return nil, fmt.Errorf("unknown channel %q", env.Arg.Channel)
}

func book(symbol, action string, d BookData) (domain.Message, error) {
	bids, err := domain.ParseLevels(d.Bids)
	if err != nil {
		return domain.Message{}, err
	}
	asks, err := domain.ParseLevels(d.Asks)
	if err != nil {
		return domain.Message{}, err
	}
	ts := millis(d.Ts)

	if action == "snapshot" {
		return domain.Message{
			Kind:     domain.KindSnapshot,
			Exchange: Name,
			Channel:  domain.ChannelOrderBook,
			Symbol:   symbol,
			Snapshot: &domain.OrderBookSnapshot{
				Source:      domain.OrderBookSource_Provider,
				Exchange:    Name,
				Symbol:      symbol,
				Sequence:    d.SeqID,
				Bids:        bids,
				Asks:        asks,
				Checksum:    d.Checksum,
				HasChecksum: true,
				Timestamp:   ts,
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
			SequenceStart:   d.SeqID,
			SequenceEnd:     d.SeqID,
			PrevSequenceEnd: d.PrevSeqID,
			Bids:            bids,
			Asks:            asks,
			Checksum:        d.Checksum,
			HasChecksum:     true,
			Timestamp:       ts,
		},
	}, nil
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
