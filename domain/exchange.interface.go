package domain

import (
	"context"
	"time"
)

// Exchange is the per-exchange adapter the engine drives. Implementations
// are stateless with respect to connections: they build frames and parse
// them, the engine owns sockets and books.
type Exchange interface {
	Name() string
	// Endpoint names the logical connection a subscription is carried on.
	Endpoint(key SubscriptionKey) (string, error)
	// DialURL resolves the url for an endpoint. It may perform network calls
	// (token bootstrap) and is invoked before every dial.
	DialURL(ctx context.Context, endpoint string) (string, error)
	SubscribeFrame(id string, key SubscriptionKey) ([]byte, error)
	// UnsubscribeFrame returns nil when the exchange has no unsubscribe
	// message; the stream then stops when the connection is released.
	UnsubscribeFrame(id string, key SubscriptionKey) ([]byte, error)
	Parse(frame []byte) ([]Message, error)
	Keepalive() Keepalive
	Validator() DepthUpdateValidator
}

// Keepalive describes the application level ping. A nil Frame means a
// websocket ping control frame.
type Keepalive struct {
	Interval time.Duration
	Frame    []byte
}

// Checksummer computes the exchange checksum of a book, compared with the
// checksum carried by updates.
type Checksummer interface {
	Checksum(book *OrderBook) int64
}

// SnapshotFetcher is implemented by exchanges whose streams carry only diffs.
// Exchanges that push a snapshot on subscribe do not implement it and are
// resynchronized by resubscribing.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, rt RoundTripper, symbol *MarketSymbol, depth int) (*OrderBookSnapshot, error)
}

// Resubscriber marks exchanges that push a fresh snapshot after an
// unsubscribe/subscribe cycle.
type Resubscriber interface {
	ResyncBySubscribe() bool
}

// RoundTripper sends a correlated request on a connection of one exchange
// and waits for the response carrying the same id.
type RoundTripper interface {
	RoundTrip(ctx context.Context, endpoint string, build func(id string) ([]byte, error)) (Message, error)
}
