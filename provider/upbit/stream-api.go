package upbit

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/cryptostream/domain"
)

type envelope struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
	Error     *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

type OrderBookUnit struct {
	AskPrice decimal.Decimal `json:"ask_price"`
	BidPrice decimal.Decimal `json:"bid_price"`
	AskSize  decimal.Decimal `json:"ask_size"`
	BidSize  decimal.Decimal `json:"bid_size"`
}

type OrderBookData struct {
	Code           string          `json:"code"`
	Timestamp      int64           `json:"timestamp"`
	OrderbookUnits []OrderBookUnit `json:"orderbook_units"`
}

type TradeData struct {
	Code           string          `json:"code"`
	TradeTimestamp int64           `json:"trade_timestamp"`
	TradePrice     decimal.Decimal `json:"trade_price"`
	TradeVolume    decimal.Decimal `json:"trade_volume"`
	AskBid         string          `json:"ask_bid"`
	SequentialID   int64           `json:"sequential_id"`
}

type TickerData struct {
	Code              string          `json:"code"`
	OpeningPrice      decimal.Decimal `json:"opening_price"`
	HighPrice         decimal.Decimal `json:"high_price"`
	LowPrice          decimal.Decimal `json:"low_price"`
	TradePrice        decimal.Decimal `json:"trade_price"`
	AccTradeVolume24h decimal.Decimal `json:"acc_trade_volume_24h"`
	Timestamp         int64           `json:"timestamp"`
}

// Parse normalizes DEFAULT format pushes. Errors carry no request reference;
// the connection holds a single subscription they belong to.
func (e *Exchange) Parse(frame []byte) ([]domain.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, domain.NewParseError(Name, frame, err)
	}

	if env.Error != nil {
		return []domain.Message{{
			Kind:     domain.KindError,
			Exchange: Name,
			Err:      &domain.ProtocolError{Exchange: Name, Code: env.Error.Name, Message: env.Error.Message},
		}}, nil
	}
	if env.Status != "" {
		return []domain.Message{{Kind: domain.KindHeartbeat, Exchange: Name}}, nil
	}

	symbol := e.markets.CanonicalSymbol(Name, env.Code)
	var (
		msg domain.Message
		err error
	)
	switch env.Type {
	case "orderbook":
		var d OrderBookData
		if err = json.Unmarshal(frame, &d); err == nil {
			msg = orderBook(symbol, d)
		}
	case "trade":
		var d TradeData
		if err = json.Unmarshal(frame, &d); err == nil {
			msg = trade(symbol, d)
		}
	case "ticker":
		var d TickerData
		if err = json.Unmarshal(frame, &d); err == nil {
			msg = ticker(symbol, d)
		}
	default:
		err = fmt.Errorf("unknown type %q", env.Type)
	}
	if err != nil {
		return nil, domain.NewParseError(Name, frame, err)
	}
	return []domain.Message{msg}, nil
}

// orderBook turns a full book push into a snapshot. The timestamp stands in
// for a sequence since Upbit does not number its books.
func orderBook(symbol string, d OrderBookData) domain.Message {
	bids := make([]domain.Level, 0, len(d.OrderbookUnits))
	asks := make([]domain.Level, 0, len(d.OrderbookUnits))
	for _, u := range d.OrderbookUnits {
		if u.BidSize.IsPositive() {
			bids = append(bids, level(u.BidPrice, u.BidSize))
		}
		if u.AskSize.IsPositive() {
			asks = append(asks, level(u.AskPrice, u.AskSize))
		}
	}
	return domain.Message{
		Kind:     domain.KindSnapshot,
		Exchange: Name,
		Channel:  domain.ChannelOrderBook,
		Symbol:   symbol,
		Snapshot: &domain.OrderBookSnapshot{
			Source:    domain.OrderBookSource_Provider,
			Exchange:  Name,
			Symbol:    symbol,
			Sequence:  d.Timestamp,
			Bids:      bids,
			Asks:      asks,
			Timestamp: time.UnixMilli(d.Timestamp),
		},
	}
}

func trade(symbol string, d TradeData) domain.Message {
	// ask_bid names the aggressor: ASK is a market sell
	side := domain.SideBuy
	if d.AskBid == "ASK" {
		side = domain.SideSell
	}
	return domain.Message{
		Kind:     domain.KindTrade,
		Exchange: Name,
		Channel:  domain.ChannelTrades,
		Symbol:   symbol,
		Trades: []domain.Trade{{
			ID:        fmt.Sprint(d.SequentialID),
			Symbol:    symbol,
			Price:     d.TradePrice,
			Size:      d.TradeVolume,
			Side:      side,
			Timestamp: time.UnixMilli(d.TradeTimestamp),
		}},
	}
}

func ticker(symbol string, d TickerData) domain.Message {
	return domain.Message{
		Kind:     domain.KindTicker,
		Exchange: Name,
		Channel:  domain.ChannelTicker,
		Symbol:   symbol,
		Ticker: &domain.Ticker{
			Symbol:    symbol,
			Last:      d.TradePrice,
			Open:      d.OpeningPrice,
			High:      d.HighPrice,
			Low:       d.LowPrice,
			Volume:    d.AccTradeVolume24h,
			Timestamp: time.UnixMilli(d.Timestamp),
		},
	}
}

func level(price, size decimal.Decimal) domain.Level {
	return domain.Level{Price: price, Size: size, PriceText: price.String(), SizeText: size.String()}
}
