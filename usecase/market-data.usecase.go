package usecase

import (
	"context"
	"fmt"

	"github.com/spooky-finn/cryptostream/conn"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
	"github.com/spooky-finn/cryptostream/router"
)

const defaultInterval = "1m"

type MarketDataOptions struct {
	// DeliveryBuffer is the per-handle queue length.
	DeliveryBuffer int
	DefaultDepth   int
}

// MarketDataUseCase is the caller facing engine. Every Watch call returns
// once the first value arrived; cancelling ctx unsubscribes.
type MarketDataUseCase struct {
	router  *router.Router
	manager *conn.Manager
	opts    MarketDataOptions
	log     *logger.Entry
}

func NewMarketDataUseCase(r *router.Router, manager *conn.Manager, opts MarketDataOptions) *MarketDataUseCase {
	if opts.DeliveryBuffer <= 0 {
		opts.DeliveryBuffer = 64
	}
	if opts.DefaultDepth <= 0 {
		opts.DefaultDepth = 100
	}
	return &MarketDataUseCase{
		router:  r,
		manager: manager,
		opts:    opts,
		log:     logger.GetLogger().WithComponent("usecase"),
	}
}

// WatchOrderBook streams the synchronized book limited to depth levels per
// side. Only the latest book is queued when the caller falls behind.
func (u *MarketDataUseCase) WatchOrderBook(ctx context.Context, exchange, symbol string, depth int) (*domain.Subscription[*domain.OrderBookSnapshot], error) {
	if depth <= 0 {
		depth = u.opts.DefaultDepth
	}
	key := domain.SubscriptionKey{Exchange: exchange, Channel: domain.ChannelOrderBook, Symbol: symbol}
	return watch(ctx, u, key, depth, router.Coalesce, func(msg domain.Message) []*domain.OrderBookSnapshot {
		if msg.Snapshot == nil {
			return nil
		}
		return []*domain.OrderBookSnapshot{msg.Snapshot.Limit(depth)}
	})
}

func (u *MarketDataUseCase) WatchTicker(ctx context.Context, exchange, symbol string) (*domain.Subscription[*domain.Ticker], error) {
	key := domain.SubscriptionKey{Exchange: exchange, Channel: domain.ChannelTicker, Symbol: symbol}
	return watch(ctx, u, key, 0, router.Coalesce, func(msg domain.Message) []*domain.Ticker {
		if msg.Ticker == nil {
			return nil
		}
		return []*domain.Ticker{msg.Ticker}
	})
}

// WatchTrades delivers every trade; trades arriving while the queue is full
// are dropped and counted.
func (u *MarketDataUseCase) WatchTrades(ctx context.Context, exchange, symbol string) (*domain.Subscription[domain.Trade], error) {
	key := domain.SubscriptionKey{Exchange: exchange, Channel: domain.ChannelTrades, Symbol: symbol}
	return watch(ctx, u, key, 0, router.DropNewest, func(msg domain.Message) []domain.Trade {
		return msg.Trades
	})
}

func (u *MarketDataUseCase) WatchCandles(ctx context.Context, exchange, symbol, interval string) (*domain.Subscription[*domain.Candle], error) {
	if interval == "" {
		interval = defaultInterval
	}
	key := domain.SubscriptionKey{Exchange: exchange, Channel: domain.ChannelCandles, Symbol: symbol, Params: interval}
	return watch(ctx, u, key, 0, router.Coalesce, func(msg domain.Message) []*domain.Candle {
		if msg.Candle == nil {
			return nil
		}
		return []*domain.Candle{msg.Candle}
	})
}

// Watch keeps a subscription open until ctx is cancelled or the stream
// fails, discarding its values. It backs the configured startup watches that
// keep books warm for snapshot reads.
func (u *MarketDataUseCase) Watch(ctx context.Context, exchange string, channel domain.Channel, symbol string, depth int, interval string) error {
	var next func(context.Context) error
	switch channel {
	case domain.ChannelOrderBook:
		s, err := u.WatchOrderBook(ctx, exchange, symbol, depth)
		if err != nil {
			return err
		}
		next = func(ctx context.Context) error { _, err := s.Next(ctx); return err }
	case domain.ChannelTicker:
		s, err := u.WatchTicker(ctx, exchange, symbol)
		if err != nil {
			return err
		}
		next = func(ctx context.Context) error { _, err := s.Next(ctx); return err }
	case domain.ChannelTrades:
		s, err := u.WatchTrades(ctx, exchange, symbol)
		if err != nil {
			return err
		}
		next = func(ctx context.Context) error { _, err := s.Next(ctx); return err }
	case domain.ChannelCandles:
		s, err := u.WatchCandles(ctx, exchange, symbol, interval)
		if err != nil {
			return err
		}
		next = func(ctx context.Context) error { _, err := s.Next(ctx); return err }
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedChannel, channel)
	}

	go func() {
		for {
			if err := next(ctx); err != nil {
				if ctx.Err() == nil {
					u.log.WithError(err).WithFields(logger.Fields{
						"exchange": exchange, "channel": channel, "symbol": symbol,
					}).Warn("watch ended")
				}
				return
			}
		}
	}()
	return nil
}

// Close fails every open subscription with ErrEngineClosed and shuts the
// connections down.
func (u *MarketDataUseCase) Close() {
	u.router.Close()
	u.manager.Close()
	u.log.Info("market data engine closed")
}

func watch[T any](ctx context.Context, u *MarketDataUseCase, key domain.SubscriptionKey, depth int, policy router.DeliveryPolicy, extract func(domain.Message) []T) (*domain.Subscription[T], error) {
	sink := router.NewSink(u.opts.DeliveryBuffer, policy, extract).WithDepth(depth)
	h, err := u.router.Subscribe(ctx, key, sink)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { u.router.Unsubscribe(h) })
	sub := domain.NewSubscription(h.Key().String(), sink.Stream(), sink.Errors(), func() {
		stop()
		u.router.Unsubscribe(h)
	})

	initial, err := sub.Next(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.Initial = initial

	u.log.WithFields(logger.Fields{"topic": sub.Topic, "handle": h.ID()}).Debug("watch started")
	return sub, nil
}
