package domain

import (
	"errors"
	"sync/atomic"

	"github.com/gammazero/deque"
)

type SyncState int

const (
	Uninitialized SyncState = iota
	Synced
	Desynced
)

func (s SyncState) String() string {
	switch s {
	case Synced:
		return "synced"
	case Desynced:
		return "desynced"
	default:
		return "uninitialized"
	}
}

// OrderbookMaintainer reconstructs one order book from a snapshot and a
// stream of updates. All mutating methods must be called from a single
// goroutine; Current may be called from anywhere.
type OrderbookMaintainer struct {
	exchange string
	symbol   string

	orderBook   *OrderBook
	validator   DepthUpdateValidator
	checksummer Checksummer

	depthUpdateQueue deque.Deque[*OrderBookUpdate]
	queueLimit       int
	dropped          int

	state   SyncState
	bridged bool
	current atomic.Pointer[OrderBookSnapshot]
}

func NewOrderBookMaintainer(
	exchange string,
	symbol string,
	validator DepthUpdateValidator,
	checksummer Checksummer,
	queueLimit int,
) *OrderbookMaintainer {
	if validator == nil {
		validator = PrevLinkValidator{}
	}
	if queueLimit <= 0 {
		queueLimit = 1000
	}
	return &OrderbookMaintainer{
		exchange:    exchange,
		symbol:      symbol,
		validator:   validator,
		checksummer: checksummer,
		queueLimit:  queueLimit,
	}
}

func (m *OrderbookMaintainer) State() SyncState {
	return m.state
}

// Current returns the last published snapshot or nil while the book is not
// synchronized.
func (m *OrderbookMaintainer) Current() *OrderBookSnapshot {
	return m.current.Load()
}

func (m *OrderbookMaintainer) Buffered() int {
	return m.depthUpdateQueue.Len()
}

// Dropped counts updates evicted from a full buffer since the last snapshot.
func (m *OrderbookMaintainer) Dropped() int {
	return m.dropped
}

// Reset forgets the book and every buffered update, e.g. after a reconnect.
func (m *OrderbookMaintainer) Reset() {
	m.orderBook = nil
	m.depthUpdateQueue.Clear()
	m.dropped = 0
	m.state = Uninitialized
	m.bridged = false
	m.current.Store(nil)
}

// ApplyUpdate buffers the update until a snapshot arrives, otherwise applies
// it. It returns the new published snapshot, or nil when nothing changed.
// A returned error wraps ErrDesync; the book is then dropped and subsequent
// updates are buffered for the next snapshot.
func (m *OrderbookMaintainer) ApplyUpdate(update *OrderBookUpdate) (*OrderBookSnapshot, error) {
	if m.state != Synced {
		m.enqueue(update)
		return nil, nil
	}

	applied, err := m.apply(update)
	if err != nil {
		return nil, m.desync(err)
	}
	if !applied {
		return nil, nil
	}
	return m.publish(), nil
}

// ApplySnapshot replaces the book, replays buffered updates newer than the
// snapshot and publishes the result. ErrSnapshotTooOld means the snapshot
// does not reach the oldest buffered update; fetch a newer one.
func (m *OrderbookMaintainer) ApplySnapshot(snapshot *OrderBookSnapshot) (*OrderBookSnapshot, error) {
	if m.depthUpdateQueue.Len() > 0 {
		first := m.depthUpdateQueue.Front()
		if snapshot.Sequence+1 < first.SequenceStart {
			return nil, ErrSnapshotTooOld
		}
	}

	m.orderBook = NewOrderBook(m.exchange, snapshot)
	if m.orderBook.Symbol == "" {
		m.orderBook.Symbol = m.symbol
	}
	m.state = Synced
	m.bridged = false
	m.dropped = 0

	if m.orderBook.IsCrossed() {
		return nil, m.desync(ErrCrossedBook)
	}
	if snapshot.HasChecksum && m.checksummer != nil {
		if m.checksummer.Checksum(m.orderBook) != snapshot.Checksum {
			return nil, m.desync(ErrChecksumMismatch)
		}
	}

	for m.depthUpdateQueue.Len() > 0 {
		update := m.depthUpdateQueue.PopFront()
		if _, err := m.apply(update); err != nil {
			return nil, m.desync(err)
		}
	}

	return m.publish(), nil
}

func (m *OrderbookMaintainer) enqueue(update *OrderBookUpdate) {
	m.depthUpdateQueue.PushBack(update)
	for m.depthUpdateQueue.Len() > m.queueLimit {
		m.depthUpdateQueue.PopFront()
		m.dropped++
	}
}

func (m *OrderbookMaintainer) apply(update *OrderBookUpdate) (bool, error) {
	err := m.validator.IsValidUpd(update, m.orderBook.LastUpdateID, m.bridged)
	if errors.Is(err, ErrOrderBookUpdateIsOutdated) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.orderBook.ApplyUpdate(update)
	m.bridged = true

	if m.orderBook.IsCrossed() {
		return false, ErrCrossedBook
	}
	if update.HasChecksum && m.checksummer != nil {
		if m.checksummer.Checksum(m.orderBook) != update.Checksum {
			return false, ErrChecksumMismatch
		}
	}
	return true, nil
}

func (m *OrderbookMaintainer) desync(cause error) error {
	m.orderBook = nil
	m.depthUpdateQueue.Clear()
	m.state = Desynced
	m.bridged = false
	m.current.Store(nil)
	return desyncError(cause)
}

func (m *OrderbookMaintainer) publish() *OrderBookSnapshot {
	snapshot := m.orderBook.TakeSnapshot(0)
	m.current.Store(snapshot)
	return snapshot
}
