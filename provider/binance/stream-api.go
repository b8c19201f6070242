package binance

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/cryptostream/domain"
)

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     json.RawMessage `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type DepthUpdateData struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateId int64      `json:"U"`
	FinalUpdateId int64      `json:"u"`
	PrevUpdateId  int64      `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type TradeData struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type TickerData struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	BidQty    string `json:"B"`
	Ask       string `json:"a"`
	AskQty    string `json:"A"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
}

type KlineData struct {
	Symbol string `json:"s"`
	Kline  struct {
		Start    int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

type DepthSnapshotData struct {
	LastUpdateId int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Parse normalizes combined stream frames, subscription acks and WS-API
// responses.
func (e *Exchange) Parse(frame []byte) ([]domain.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, domain.NewParseError(e.name, frame, err)
	}

	if env.Stream != "" {
		msg, err := e.parseStream(env.Stream, env.Data)
		if err != nil {
			return nil, domain.NewParseError(e.name, frame, err)
		}
		return []domain.Message{msg}, nil
	}

	id := requestID(env.ID)
	switch {
	case env.Error != nil:
		return []domain.Message{e.protocolError(id, env.Error.Code, env.Error.Msg)}, nil
	case env.Code != 0 && env.Msg != "":
		return []domain.Message{e.protocolError(id, env.Code, env.Msg)}, nil
	case id == "":
		return nil, nil
	}

	result := bytes.TrimSpace(env.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return []domain.Message{{Kind: domain.KindSubscriptionAck, Exchange: e.name, RequestID: id}}, nil
	}

	var depth DepthSnapshotData
	if err := json.Unmarshal(result, &depth); err != nil {
		return nil, domain.NewParseError(e.name, frame, err)
	}
	snapshot, err := e.snapshot(depth)
	if err != nil {
		return nil, domain.NewParseError(e.name, frame, err)
	}
	return []domain.Message{{
		Kind:      domain.KindSnapshot,
		Exchange:  e.name,
		Channel:   domain.ChannelOrderBook,
		RequestID: id,
		Snapshot:  snapshot,
	}}, nil
}

func (e *Exchange) protocolError(id string, code int, msg string) domain.Message {
	return domain.Message{
		Kind:      domain.KindError,
		Exchange:  e.name,
		RequestID: id,
		Err:       &domain.ProtocolError{Exchange: e.name, Code: strconv.Itoa(code), Message: msg},
	}
}

func (e *Exchange) parseStream(stream string, data json.RawMessage) (domain.Message, error) {
	_, kind, _ := strings.Cut(stream, "@")

	switch {
	case strings.HasPrefix(kind, "depth"):
		var d DepthUpdateData
		if err := json.Unmarshal(data, &d); err != nil {
			return domain.Message{}, err
		}
		return e.depthUpdate(d)

	case kind == "trade" || kind == "aggTrade":
		var d TradeData
		if err := json.Unmarshal(data, &d); err != nil {
			return domain.Message{}, err
		}
		return e.trade(d)

	case kind == "ticker":
		var d TickerData
		if err := json.Unmarshal(data, &d); err != nil {
			return domain.Message{}, err
		}
		return e.ticker(d), nil

	case strings.HasPrefix(kind, "kline_"):
		var d KlineData
		if err := json.Unmarshal(data, &d); err != nil {
			return domain.Message{}, err
		}
		return e.candle(d), nil
	}
	return domain.Message{}, fmt.Errorf("unknown stream %q", stream)
}

func (e *Exchange) depthUpdate(d DepthUpdateData) (domain.Message, error) {
	bids, err := domain.ParseLevels(d.Bids)
	if err != nil {
		return domain.Message{}, err
	}
	asks, err := domain.ParseLevels(d.Asks)
	if err != nil {
		return domain.Message{}, err
	}
	symbol := e.markets.CanonicalSymbol(e.name, d.Symbol)
	return domain.Message{
		Kind:     domain.KindDiff,
		Exchange: e.name,
		Channel:  domain.ChannelOrderBook,
		Symbol:   symbol,
		Update: &domain.OrderBookUpdate{
			Symbol:          symbol,
			SequenceStart:   d.FirstUpdateId,
			SequenceEnd:     d.FinalUpdateId,
			PrevSequenceEnd: d.PrevUpdateId,
			Bids:            bids,
			Asks:            asks,
			Timestamp:       time.UnixMilli(d.EventTime),
		},
	}, nil
}

func (e *Exchange) trade(d TradeData) (domain.Message, error) {
	level, err := domain.ParseLevel(d.Price, d.Quantity)
	if err != nil {
		return domain.Message{}, err
	}
	id := d.TradeID
	if id == 0 {
		id = d.AggTradeID
	}
	side := domain.SideBuy
	if d.BuyerIsMaker {
		side = domain.SideSell
	}
	symbol := e.markets.CanonicalSymbol(e.name, d.Symbol)
	return domain.Message{
		Kind:     domain.KindTrade,
		Exchange: e.name,
		Channel:  domain.ChannelTrades,
		Symbol:   symbol,
		Trades: []domain.Trade{{
			ID:        strconv.FormatInt(id, 10),
			Symbol:    symbol,
			Price:     level.Price,
			Size:      level.Size,
			Side:      side,
			Timestamp: time.UnixMilli(d.TradeTime),
		}},
	}, nil
}

func (e *Exchange) ticker(d TickerData) domain.Message {
	symbol := e.markets.CanonicalSymbol(e.name, d.Symbol)
	return domain.Message{
		Kind:     domain.KindTicker,
		Exchange: e.name,
		Channel:  domain.ChannelTicker,
		Symbol:   symbol,
		Ticker: &domain.Ticker{
			Symbol:    symbol,
			Last:      dec(d.Last),
			Bid:       dec(d.Bid),
			BidSize:   dec(d.BidQty),
			Ask:       dec(d.Ask),
			AskSize:   dec(d.AskQty),
			Open:      dec(d.Open),
			High:      dec(d.High),
			Low:       dec(d.Low),
			Volume:    dec(d.Volume),
			Timestamp: time.UnixMilli(d.EventTime),
		},
	}
}

func (e *Exchange) candle(d KlineData) domain.Message {
	symbol := e.markets.CanonicalSymbol(e.name, d.Symbol)
	k := d.Kline
	return domain.Message{
		Kind:     domain.KindCandle,
		Exchange: e.name,
		Channel:  domain.ChannelCandles,
		Symbol:   symbol,
		Params:   k.Interval,
		Candle: &domain.Candle{
			Symbol:   symbol,
			Interval: k.Interval,
			Start:    time.UnixMilli(k.Start),
			Open:     dec(k.Open),
			High:     dec(k.High),
			Low:      dec(k.Low),
			Close:    dec(k.Close),
			Volume:   dec(k.Volume),
			Closed:   k.Closed,
		},
	}
}

func (e *Exchange) snapshot(d DepthSnapshotData) (*domain.OrderBookSnapshot, error) {
	bids, err := domain.ParseLevels(d.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := domain.ParseLevels(d.Asks)
	if err != nil {
		return nil, err
	}
	return &domain.OrderBookSnapshot{
		Source:    domain.OrderBookSource_Provider,
		Exchange:  e.name,
		Sequence:  d.LastUpdateId,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now(),
	}, nil
}

// requestID renders a numeric or string json id as the correlator key.
func requestID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return strings.Trim(string(raw), `"`)
}

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
