package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type OrderBookSource string

const (
	OrderBookSource_Provider       OrderBookSource = "Provider"
	OrderBookSource_LocalOrderBook OrderBookSource = "LocalOrderBook"
)

// Level is a single price level. The wire text is kept next to the parsed
// values because some checksums hash the strings exactly as sent.
type Level struct {
	Price     decimal.Decimal
	Size      decimal.Decimal
	PriceText string
	SizeText  string
}

func ParseLevel(price, size string) (Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Level{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return Level{}, fmt.Errorf("invalid size %q: %w", size, err)
	}
	if p.IsNegative() || s.IsNegative() {
		return Level{}, fmt.Errorf("negative level %s@%s", size, price)
	}
	return Level{Price: p, Size: s, PriceText: price, SizeText: size}, nil
}

// ParseLevels converts [price, size, ...] tuples. Extra tuple fields are ignored.
func ParseLevels(depth [][]string) ([]Level, error) {
	result := make([]Level, 0, len(depth))
	for _, raw := range depth {
		if len(raw) < 2 {
			return nil, fmt.Errorf("price level has %d fields", len(raw))
		}
		level, err := ParseLevel(raw[0], raw[1])
		if err != nil {
			return nil, err
		}
		result = append(result, level)
	}
	return result, nil
}

// OrderBookSnapshot is an immutable view of a book. It is produced either by
// a provider (REST/WS snapshot) or by taking a copy of a local book.
type OrderBookSnapshot struct {
	Source      OrderBookSource
	Exchange    string
	Symbol      string
	Sequence    int64
	Bids        []Level
	Asks        []Level
	Checksum    int64
	HasChecksum bool
	Timestamp   time.Time
}

// Limit returns a copy restricted to the best `limit` levels per side.
func (s *OrderBookSnapshot) Limit(limit int) *OrderBookSnapshot {
	if s == nil || limit <= 0 || (len(s.Bids) <= limit && len(s.Asks) <= limit) {
		return s
	}
	out := *s
	out.Bids = limitDepth(s.Bids, limit)
	out.Asks = limitDepth(s.Asks, limit)
	return &out
}

// OrderBookUpdate is an incremental change. SequenceStart..SequenceEnd is the
// range of exchange update ids it covers; PrevSequenceEnd links it to the
// previous update on exchanges that publish such a link.
type OrderBookUpdate struct {
	Symbol          string
	SequenceStart   int64
	SequenceEnd     int64
	PrevSequenceEnd int64
	Bids            []Level
	Asks            []Level
	Checksum        int64
	HasChecksum     bool
	Timestamp       time.Time
}

type OrderBook struct {
	Exchange       string
	Symbol         string
	Bids           []Level
	Asks           []Level
	LastUpdateID   int64
	LastUpdateTime time.Time
}

func NewOrderBook(exchange string, snapshot *OrderBookSnapshot) *OrderBook {
	ob := &OrderBook{
		Exchange:       exchange,
		Symbol:         snapshot.Symbol,
		Bids:           make([]Level, 0, len(snapshot.Bids)),
		Asks:           make([]Level, 0, len(snapshot.Asks)),
		LastUpdateID:   snapshot.Sequence,
		LastUpdateTime: snapshot.Timestamp,
	}
	ob.Bids = updateDepth(ob.Bids, snapshot.Bids, true)
	ob.Asks = updateDepth(ob.Asks, snapshot.Asks, false)
	return ob
}

// ApplyUpdate applies levels in wire order: zero size removes a level,
// anything else inserts or replaces it.
func (ob *OrderBook) ApplyUpdate(update *OrderBookUpdate) {
	ob.Bids = updateDepth(ob.Bids, update.Bids, true)
	ob.Asks = updateDepth(ob.Asks, update.Asks, false)
	ob.LastUpdateID = update.SequenceEnd
	if update.Timestamp.IsZero() {
		ob.LastUpdateTime = time.Now()
	} else {
		ob.LastUpdateTime = update.Timestamp
	}
}

// IsCrossed reports best bid >= best ask.
func (ob *OrderBook) IsCrossed() bool {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return false
	}
	return ob.Bids[0].Price.GreaterThanOrEqual(ob.Asks[0].Price)
}

func (ob *OrderBook) TakeSnapshot(limit int) *OrderBookSnapshot {
	return &OrderBookSnapshot{
		Source:    OrderBookSource_LocalOrderBook,
		Exchange:  ob.Exchange,
		Symbol:    ob.Symbol,
		Sequence:  ob.LastUpdateID,
		Bids:      slices.Clone(limitDepth(ob.Bids, limit)),
		Asks:      slices.Clone(limitDepth(ob.Asks, limit)),
		Timestamp: ob.LastUpdateTime,
	}
}

func limitDepth(depth []Level, limit int) []Level {
	if limit > 0 && len(depth) > limit {
		return depth[:limit]
	}

	return depth
}

// updateDepth keeps bids descending and asks ascending by price.
func updateDepth(depth []Level, changes []Level, descending bool) []Level {
	for _, level := range changes {
		i, found := slices.BinarySearchFunc(depth, level.Price, func(e Level, price decimal.Decimal) int {
			if descending {
				return price.Cmp(e.Price)
			}
			return e.Price.Cmp(price)
		})

		switch {
		case level.Size.IsZero():
			if found {
				depth = slices.Delete(depth, i, i+1)
			}
		case found:
			depth[i] = level
		default:
			depth = slices.Insert(depth, i, level)
		}
	}

	return depth
}
