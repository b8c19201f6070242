package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Channel string

const (
	ChannelOrderBook Channel = "orderbook"
	ChannelTrades    Channel = "trades"
	ChannelTicker    Channel = "ticker"
	ChannelCandles   Channel = "candles"
)

// SubscriptionKey identifies one logical stream. Params carries channel
// specific options such as the candle interval.
type SubscriptionKey struct {
	Exchange string
	Channel  Channel
	Symbol   string
	Params   string
}

func (k SubscriptionKey) String() string {
	if k.Params == "" {
		return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Channel, k.Symbol)
	}
	return fmt.Sprintf("%s:%s:%s:%s", k.Exchange, k.Channel, k.Symbol, k.Params)
}

type Kind int

const (
	KindUnknown Kind = iota
	KindSnapshot
	KindDiff
	KindTrade
	KindTicker
	KindCandle
	KindSubscriptionAck
	KindError
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindDiff:
		return "diff"
	case KindTrade:
		return "trade"
	case KindTicker:
		return "ticker"
	case KindCandle:
		return "candle"
	case KindSubscriptionAck:
		return "ack"
	case KindError:
		return "error"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Message is the normalized form of one inbound event. Exactly one payload
// field is set, matching Kind. RequestID is set on responses to requests
// sent by this client.
type Message struct {
	Kind      Kind
	Exchange  string
	Channel   Channel
	Symbol    string
	Params    string
	RequestID string

	Snapshot *OrderBookSnapshot
	Update   *OrderBookUpdate
	Trades   []Trade
	Ticker   *Ticker
	Candle   *Candle
	Err      *ProtocolError
}

func (m Message) Key() SubscriptionKey {
	return SubscriptionKey{Exchange: m.Exchange, Channel: m.Channel, Symbol: m.Symbol, Params: m.Params}
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Trade struct {
	ID        string
	Symbol    string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      Side
	Timestamp time.Time
}

type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	BidSize   decimal.Decimal
	Ask       decimal.Decimal
	AskSize   decimal.Decimal
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

type Candle struct {
	Symbol   string
	Interval string
	Start    time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Closed   bool
}
