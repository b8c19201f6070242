package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
	"github.com/spooky-finn/cryptostream/router"
)

const STARTING = "starting"

type snapshotSource interface {
	Storage() *domain.OrderBookStorage
	RoundTripper(exchange string) (domain.RoundTripper, error)
}

// OrderBookSnapshotUseCase answers one-shot book reads. A book is served
// from the local synchronized copy when there is one; otherwise a watch is
// started in the background and the read falls back to the exchange
// snapshot, or ErrOrderBookInitializing when the exchange has none.
type OrderBookSnapshotUseCase struct {
	marketData *MarketDataUseCase
	source     snapshotSource
	registry   router.Registry

	ctx         context.Context
	waitingRoom sync.Map
	timeout     time.Duration
	log         *logger.Entry
}

func NewOrderBookSnapshotUseCase(
	ctx context.Context,
	marketData *MarketDataUseCase,
	source snapshotSource,
	registry router.Registry,
) *OrderBookSnapshotUseCase {
	return &OrderBookSnapshotUseCase{
		marketData: marketData,
		source:     source,
		registry:   registry,
		ctx:        ctx,
		timeout:    10 * time.Second,
		log:        logger.GetLogger().WithComponent("orderbook_snapshot_usecase"),
	}
}

// GetOrderBookSnapshot returns the orderbook snapshot from the runtime storage or from provider api.
func (o *OrderBookSnapshotUseCase) GetOrderBookSnapshot(
	ctx context.Context, provider string, symbol *domain.MarketSymbol, limit int,
) (*domain.OrderBookSnapshot, error) {
	ex, err := o.registry.Exchange(provider)
	if err != nil {
		return nil, err
	}

	maintainer, err := o.source.Storage().Get(provider, symbol.String())
	if err == nil {
		if snapshot := maintainer.Current(); snapshot != nil {
			return snapshot.Limit(limit), nil
		}
	} else if _, waiting := o.waitingRoom.Load(o.getWaitingRoomKey(provider, symbol)); !waiting {
		go o.createOrderBook(provider, symbol)
	}

	// the local book is initializing
	fetcher, ok := ex.(domain.SnapshotFetcher)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrOrderBookInitializing, provider, symbol)
	}
	rt, err := o.source.RoundTripper(provider)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	o.log.WithFields(logger.Fields{"provider": provider, "symbol": symbol.String()}).Debug("orderbook is initing, provider snapshot returned")
	snapshot, err := fetcher.FetchSnapshot(ctx, rt, symbol, limit)
	if err != nil {
		return nil, err
	}
	return snapshot.Limit(limit), nil
}

// createOrderBook keeps a book watch open until it fails or the use case
// context ends.
func (o *OrderBookSnapshotUseCase) createOrderBook(provider string, symbol *domain.MarketSymbol) {
	key := o.getWaitingRoomKey(provider, symbol)
	if _, loaded := o.waitingRoom.LoadOrStore(key, STARTING); loaded {
		return
	}
	defer o.waitingRoom.Delete(key)

	fields := logger.Fields{"provider": provider, "symbol": symbol.String()}
	err := o.marketData.Watch(o.ctx, provider, domain.ChannelOrderBook, symbol.String(), 0, "")
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.log.WithError(err).WithFields(fields).Warn("failed to start orderbook")
		}
		return
	}
	o.log.WithFields(fields).Info("orderbook is added to the runtime storage")
}

func (o *OrderBookSnapshotUseCase) getWaitingRoomKey(provider string, symbol *domain.MarketSymbol) string {
	return fmt.Sprintf("%s-%s", provider, symbol.String())
}
