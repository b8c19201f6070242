package router

import (
	"context"
	"errors"

	"github.com/spooky-finn/cryptostream/conn"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

// exchangeRoundTripper carries snapshot requests over the router's shared
// connections, so request traffic obeys the same rate limits as streams.
type exchangeRoundTripper struct {
	r  *Router
	ex domain.Exchange
}

func (rt *exchangeRoundTripper) RoundTrip(ctx context.Context, endpoint string, build func(id string) ([]byte, error)) (domain.Message, error) {
	c, err := rt.r.manager.Acquire(rt.ex, endpoint, rt.r)
	if err != nil {
		return domain.Message{}, err
	}
	defer rt.r.manager.Release(c)

	if err := c.WaitOpen(ctx); err != nil {
		return domain.Message{}, err
	}
	return c.Request(ctx, build)
}

// RoundTripper returns a request channel bound to the named exchange.
func (r *Router) RoundTripper(exchange string) (domain.RoundTripper, error) {
	ex, err := r.registry.Exchange(exchange)
	if err != nil {
		return nil, err
	}
	return &exchangeRoundTripper{r: r, ex: ex}, nil
}

// startFetchLocked requests a snapshot for exchanges whose streams carry
// only diffs. The result is applied on the stream connection's dispatch
// goroutine so it is ordered with the buffered diffs.
func (r *Router) startFetchLocked(sub *subscription) {
	fetcher, ok := sub.exchange.(domain.SnapshotFetcher)
	if !ok || sub.resyncing {
		return
	}
	sub.resyncing = true

	c := sub.conn
	epoch := c.Epoch()
	depth := r.fetchDepthLocked(sub)
	rt := &exchangeRoundTripper{r: r, ex: sub.exchange}

	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, 2*r.opts.RequestTimeout)
		defer cancel()

		snap, err := fetcher.FetchSnapshot(ctx, rt, sub.symbol, depth)
		c.Submit(func() {
			r.applyFetched(c, sub, epoch, snap, err)
		})
	}()
}

// fetchDepthLocked is the deepest depth asked for by the subscription's
// handles. A handle joining with a deeper depth takes effect on the next fetch.
func (r *Router) fetchDepthLocked(sub *subscription) int {
	depth := 0
	for _, h := range sub.handles {
		depth = max(depth, h.depth)
	}
	if depth <= 0 {
		return r.opts.DefaultDepth
	}
	return depth
}

func (r *Router) applyFetched(c *conn.Connection, sub *subscription, epoch int64, snap *domain.OrderBookSnapshot, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs[sub.key] != sub || sub.state == Closed {
		return
	}
	sub.resyncing = false

	log := r.log.WithFields(logger.Fields{"key": sub.key.String()})

	if c.Epoch() != epoch || c.State() != conn.Open {
		// the stream reconnected meanwhile; its buffered diffs belong to the
		// new session
		if sub.maintainer.Buffered() > 0 {
			r.startFetchLocked(sub)
		}
		return
	}

	if err != nil {
		if errors.Is(err, domain.ErrEngineClosed) {
			return
		}
		log.WithError(err).Warn("snapshot fetch failed")
		r.resyncLocked(sub, err)
		return
	}

	published, err := sub.maintainer.ApplySnapshot(snap)
	if errors.Is(err, domain.ErrSnapshotTooOld) {
		sub.snapshotAttempts++
		if sub.snapshotAttempts < r.opts.SnapshotAttempts {
			log.WithFields(logger.Fields{
				"attempt":  sub.snapshotAttempts,
				"sequence": snap.Sequence,
			}).Debug("snapshot older than buffered diffs, refetching")
			r.startFetchLocked(sub)
			return
		}
		sub.snapshotAttempts = 0
		r.observer.OrderBookDesynced(sub.key.Exchange, reason(err))
		r.resyncLocked(sub, err)
		return
	}
	sub.snapshotAttempts = 0

	if err != nil {
		r.observer.OrderBookDesynced(sub.key.Exchange, reason(err))
		log.WithError(err).Warn("order book desynchronized")
		r.resyncLocked(sub, err)
		return
	}

	r.observer.OrderBookSynced(sub.key.Exchange)
	sub.state = Active
	r.publishLocked(sub, published)
}
