package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spooky-finn/cryptostream/conn"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/logger"
)

// Registry resolves exchange adapters by name.
type Registry interface {
	Exchange(name string) (domain.Exchange, error)
}

// Observer receives subscription and book events, e.g. for metrics.
type Observer interface {
	SubscriptionOpened(key domain.SubscriptionKey)
	SubscriptionClosed(key domain.SubscriptionKey)
	OrderBookSynced(exchange string)
	OrderBookDesynced(exchange string, reason string)
	DeliveryDropped(exchange string, channel domain.Channel)
	ParseError(exchange string)
}

type nopObserver struct{}

func (nopObserver) SubscriptionOpened(domain.SubscriptionKey) {}
func (nopObserver) SubscriptionClosed(domain.SubscriptionKey) {}
func (nopObserver) OrderBookSynced(string)                    {}
func (nopObserver) OrderBookDesynced(string, string)          {}
func (nopObserver) DeliveryDropped(string, domain.Channel)    {}
func (nopObserver) ParseError(string)                         {}

type Options struct {
	DiffBufferSize   int
	SnapshotAttempts int
	ResyncAttempts   int
	DefaultDepth     int
	RequestTimeout   time.Duration
}

type SubState int

const (
	Pending SubState = iota
	Acked
	Active
	Unsubscribing
	Closed
)

func (s SubState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Acked:
		return "acked"
	case Active:
		return "active"
	case Unsubscribing:
		return "unsubscribing"
	default:
		return "closed"
	}
}

// Handle is one caller's view of a shared subscription.
type Handle struct {
	id    string
	key   domain.SubscriptionKey
	sink  Sink
	depth int
}

func (h *Handle) ID() string                  { return h.id }
func (h *Handle) Key() domain.SubscriptionKey { return h.key }

type subscription struct {
	key      domain.SubscriptionKey
	symbol   *domain.MarketSymbol
	exchange domain.Exchange
	conn     *conn.Connection
	handles  map[string]*Handle

	state     SubState
	requestID string
	sentEpoch int64

	maintainer *domain.OrderbookMaintainer
	last       *domain.Message

	resyncing        bool
	resyncAttempts   int
	snapshotAttempts int
}

type connState struct {
	subs map[domain.SubscriptionKey]*subscription
	acks map[string]*subscription
}

// Router multiplexes logical subscriptions over shared connections and
// demultiplexes inbound frames to the subscribed handles. It implements
// conn.Handler for every connection it acquires.
type Router struct {
	registry Registry
	manager  *conn.Manager
	storage  *domain.OrderBookStorage
	observer Observer
	opts     Options

	mu     sync.Mutex
	subs   map[domain.SubscriptionKey]*subscription
	conns  map[*conn.Connection]*connState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	log *logger.Entry
}

func New(registry Registry, manager *conn.Manager, storage *domain.OrderBookStorage, observer Observer, opts Options) *Router {
	if storage == nil {
		storage = domain.NewOrderBookStorage()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if opts.DiffBufferSize <= 0 {
		opts.DiffBufferSize = 1000
	}
	if opts.SnapshotAttempts <= 0 {
		opts.SnapshotAttempts = 3
	}
	if opts.ResyncAttempts <= 0 {
		opts.ResyncAttempts = 5
	}
	if opts.DefaultDepth <= 0 {
		opts.DefaultDepth = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		registry: registry,
		manager:  manager,
		storage:  storage,
		observer: observer,
		opts:     opts,
		subs:     make(map[domain.SubscriptionKey]*subscription),
		conns:    make(map[*conn.Connection]*connState),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.GetLogger().WithComponent("router"),
	}
}

// Storage exposes the live order books.
func (r *Router) Storage() *domain.OrderBookStorage { return r.storage }

// Subscribe attaches sink to the stream identified by key. The first handle
// for a key sends the exchange subscribe frame; later handles share it and
// immediately receive the cached book, ticker or candle if one exists.
func (r *Router) Subscribe(ctx context.Context, key domain.SubscriptionKey, sink Sink) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ex, err := r.registry.Exchange(key.Exchange)
	if err != nil {
		return nil, err
	}
	symbol, err := domain.NewMarketSymbolFromString(key.Symbol)
	if err != nil {
		return nil, err
	}
	key.Exchange = ex.Name()
	key.Symbol = symbol.String()

	endpoint, err := ex.Endpoint(key)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.ErrEngineClosed
	}

	h := &Handle{id: uuid.NewString(), key: key, sink: sink}
	if ds, ok := sink.(DepthSink); ok {
		h.depth = ds.Depth()
	}

	if sub, ok := r.subs[key]; ok {
		sub.handles[h.id] = h
		r.replayLocked(sub, h)
		r.log.WithFields(logger.Fields{"key": key.String(), "handles": len(sub.handles)}).Debug("joined subscription")
		return h, nil
	}

	c, err := r.manager.Acquire(ex, endpoint, r)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		key:      key,
		symbol:   symbol,
		exchange: ex,
		conn:     c,
		handles:  map[string]*Handle{h.id: h},
		state:    Pending,
	}
	if key.Channel == domain.ChannelOrderBook {
		checksummer, _ := ex.(domain.Checksummer)
		sub.maintainer = domain.NewOrderBookMaintainer(ex.Name(), key.Symbol, ex.Validator(), checksummer, r.opts.DiffBufferSize)
		r.storage.Add(ex.Name(), key.Symbol, sub.maintainer)
	}

	r.subs[key] = sub
	r.connStateLocked(c).subs[key] = sub
	r.observer.SubscriptionOpened(key)

	if c.State() == conn.Open {
		r.sendSubscribeLocked(c, sub)
	}

	r.log.WithFields(logger.Fields{"key": key.String(), "endpoint": endpoint}).Info("subscription created")
	return h, nil
}

// Unsubscribe detaches the handle. The exchange subscription is torn down
// when its last handle leaves. Calling it twice is a no-op.
func (r *Router) Unsubscribe(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[h.key]
	if !ok {
		return
	}
	if _, ok := sub.handles[h.id]; !ok {
		return
	}
	delete(sub.handles, h.id)
	h.sink.Close()

	if len(sub.handles) > 0 {
		return
	}

	sub.state = Unsubscribing
	if sub.conn.State() == conn.Open {
		frame, err := sub.exchange.UnsubscribeFrame(sub.conn.NextID(), sub.key)
		if err != nil {
			r.log.WithError(err).WithFields(logger.Fields{"key": sub.key.String()}).Warn("failed to build unsubscribe frame")
		} else if frame != nil {
			_ = sub.conn.Post(frame)
		}
	}

	r.removeLocked(sub)
	r.manager.Release(sub.conn)
	r.log.WithFields(logger.Fields{"key": sub.key.String()}).Info("subscription closed")
}

// Len returns the number of exchange level subscriptions.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close fails every handle with ErrEngineClosed. Connections are left to
// the manager.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.cancel()

	for _, sub := range r.subs {
		for _, h := range sub.handles {
			h.sink.Fail(domain.ErrEngineClosed)
		}
		r.removeLocked(sub)
	}
	r.log.Info("router closed")
}

func (r *Router) connStateLocked(c *conn.Connection) *connState {
	cs, ok := r.conns[c]
	if !ok {
		cs = &connState{
			subs: make(map[domain.SubscriptionKey]*subscription),
			acks: make(map[string]*subscription),
		}
		r.conns[c] = cs
	}
	return cs
}

func (r *Router) removeLocked(sub *subscription) {
	sub.state = Closed
	delete(r.subs, sub.key)

	if cs, ok := r.conns[sub.conn]; ok {
		delete(cs.subs, sub.key)
		for id, s := range cs.acks {
			if s == sub {
				delete(cs.acks, id)
			}
		}
		if len(cs.subs) == 0 {
			delete(r.conns, sub.conn)
		}
	}

	if sub.maintainer != nil {
		r.storage.Remove(sub.exchange.Name(), sub.key.Symbol)
	}
	r.observer.SubscriptionClosed(sub.key)
}

// failLocked terminates a subscription and all its handles with err.
func (r *Router) failLocked(sub *subscription, err error) {
	if sub.state == Closed {
		return
	}
	for _, h := range sub.handles {
		h.sink.Fail(err)
	}
	sub.handles = nil

	if sub.conn.State() == conn.Open {
		if frame, ferr := sub.exchange.UnsubscribeFrame(sub.conn.NextID(), sub.key); ferr == nil && frame != nil {
			_ = sub.conn.Post(frame)
		}
	}

	r.removeLocked(sub)
	r.manager.Release(sub.conn)
	r.log.WithError(err).WithFields(logger.Fields{"key": sub.key.String()}).Warn("subscription failed")
}

func (r *Router) sendSubscribeLocked(c *conn.Connection, sub *subscription) {
	epoch := c.Epoch()
	if sub.sentEpoch == epoch {
		return
	}

	id := c.NextID()
	frame, err := sub.exchange.SubscribeFrame(id, sub.key)
	if err != nil {
		r.failLocked(sub, err)
		return
	}
	if err := c.Post(frame); err != nil {
		r.log.WithError(err).WithFields(logger.Fields{"key": sub.key.String()}).Debug("subscribe deferred until reconnect")
		return
	}

	cs := r.connStateLocked(c)
	if sub.requestID != "" {
		delete(cs.acks, sub.requestID)
	}
	sub.requestID = id
	sub.sentEpoch = epoch
	sub.state = Pending
	cs.acks[id] = sub
}

func (r *Router) replayLocked(sub *subscription, h *Handle) {
	if sub.maintainer != nil {
		if snap := sub.maintainer.Current(); snap != nil {
			r.deliverTo(sub, h, domain.Message{
				Kind:     domain.KindSnapshot,
				Exchange: sub.key.Exchange,
				Channel:  sub.key.Channel,
				Symbol:   sub.key.Symbol,
				Snapshot: snap,
			})
		}
		return
	}
	if sub.last != nil {
		r.deliverTo(sub, h, *sub.last)
	}
}

func (r *Router) deliverLocked(sub *subscription, msg domain.Message) {
	for _, h := range sub.handles {
		r.deliverTo(sub, h, msg)
	}
}

func (r *Router) deliverTo(sub *subscription, h *Handle, msg domain.Message) {
	if !h.sink.Deliver(msg) {
		r.observer.DeliveryDropped(sub.key.Exchange, sub.key.Channel)
	}
}

// HandleOpen sends subscribe frames for every subscription carried by the
// connection, including those restored after a reconnect.
func (r *Router) HandleOpen(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.conns[c]
	if !ok {
		return
	}
	for _, sub := range cs.subs {
		r.sendSubscribeLocked(c, sub)
	}
}

// HandleClose moves the connection's subscriptions back to pending and drops
// their books. They are resubscribed by HandleOpen.
func (r *Router) HandleClose(c *conn.Connection, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.conns[c]
	if !ok {
		return
	}
	cs.acks = make(map[string]*subscription)
	for _, sub := range cs.subs {
		sub.state = Pending
		sub.requestID = ""
		sub.resyncing = false
		sub.snapshotAttempts = 0
		if sub.maintainer != nil {
			sub.maintainer.Reset()
		}
	}
	r.log.WithError(err).WithFields(logger.Fields{
		"exchange":      c.Exchange().Name(),
		"subscriptions": len(cs.subs),
	}).Warn("connection lost, subscriptions pending")
}

// HandleFailed terminates the connection's subscriptions.
func (r *Router) HandleFailed(c *conn.Connection, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.conns[c]
	if !ok {
		return
	}
	for _, sub := range cs.subs {
		r.failLocked(sub, err)
	}
	delete(r.conns, c)
}

// HandleFrame parses a frame, resolves correlated responses and routes the
// rest to their subscriptions.
func (r *Router) HandleFrame(c *conn.Connection, frame []byte) {
	ex := c.Exchange()
	msgs, err := ex.Parse(frame)
	if err != nil {
		r.observer.ParseError(ex.Name())
		r.log.WithError(err).WithFields(logger.Fields{"exchange": ex.Name()}).Warn("failed to parse frame")
	}

	for _, msg := range msgs {
		if msg.RequestID != "" && c.Resolve(msg) {
			continue
		}
		r.route(c, msg)
	}
}

func (r *Router) route(c *conn.Connection, msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Kind {
	case domain.KindHeartbeat, domain.KindUnknown:
		return

	case domain.KindSubscriptionAck:
		if sub := r.lookupLocked(c, msg); sub != nil && sub.state == Pending {
			sub.state = Acked
		}

	case domain.KindError:
		var err error = domain.ErrUnsupportedChannel
		if msg.Err != nil {
			err = msg.Err
		}
		sub := r.lookupLocked(c, msg)
		if sub == nil {
			r.log.WithError(err).WithFields(logger.Fields{"exchange": c.Exchange().Name()}).Warn("unmatched protocol error")
			return
		}
		r.failLocked(sub, err)

	case domain.KindSnapshot, domain.KindDiff:
		sub, ok := r.subs[msg.Key()]
		if !ok || sub.maintainer == nil || sub.conn != c {
			return
		}
		r.handleBookLocked(sub, msg)

	case domain.KindTrade, domain.KindTicker, domain.KindCandle:
		sub, ok := r.subs[msg.Key()]
		if !ok || sub.conn != c {
			return
		}
		sub.state = Active
		if msg.Kind != domain.KindTrade {
			cached := msg
			sub.last = &cached
		}
		r.deliverLocked(sub, msg)
	}
}

func (r *Router) lookupLocked(c *conn.Connection, msg domain.Message) *subscription {
	if cs, ok := r.conns[c]; ok && msg.RequestID != "" {
		if sub, ok := cs.acks[msg.RequestID]; ok {
			return sub
		}
	}
	if msg.Symbol != "" {
		if sub, ok := r.subs[msg.Key()]; ok && sub.conn == c {
			return sub
		}
		return nil
	}
	if msg.RequestID != "" {
		return nil
	}
	// exchanges that report errors without any reference still identify
	// the subscription when it is alone on its connection
	if cs, ok := r.conns[c]; ok && len(cs.subs) == 1 {
		for _, sub := range cs.subs {
			return sub
		}
	}
	return nil
}

func (r *Router) handleBookLocked(sub *subscription, msg domain.Message) {
	m := sub.maintainer

	var (
		snap *domain.OrderBookSnapshot
		err  error
	)
	switch msg.Kind {
	case domain.KindSnapshot:
		snap, err = m.ApplySnapshot(msg.Snapshot)
		if err == nil {
			if _, snapshotOnly := sub.exchange.Validator().(domain.SnapshotOnlyValidator); snapshotOnly {
				sub.resyncAttempts = 0
			}
		}
	default:
		snap, err = m.ApplyUpdate(msg.Update)
		if err == nil && snap != nil {
			sub.resyncAttempts = 0
		}
	}

	if err != nil {
		r.observer.OrderBookDesynced(sub.key.Exchange, reason(err))
		r.log.WithError(err).WithFields(logger.Fields{"key": sub.key.String()}).Warn("order book desynchronized")
		r.resyncLocked(sub, err)
		return
	}

	if snap == nil {
		if m.State() != domain.Synced {
			r.startFetchLocked(sub)
		}
		return
	}

	if msg.Kind == domain.KindSnapshot || sub.state != Active {
		r.observer.OrderBookSynced(sub.key.Exchange)
	}
	sub.state = Active
	r.publishLocked(sub, snap)
}

func (r *Router) publishLocked(sub *subscription, snap *domain.OrderBookSnapshot) {
	r.deliverLocked(sub, domain.Message{
		Kind:     domain.KindSnapshot,
		Exchange: sub.key.Exchange,
		Channel:  sub.key.Channel,
		Symbol:   sub.key.Symbol,
		Snapshot: snap,
	})
}

func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, domain.ErrCrossedBook):
		return "crossed"
	case errors.Is(err, domain.ErrSnapshotTooOld):
		return "snapshot_too_old"
	case errors.Is(err, domain.ErrOrderBookUpdateIsOutOfSequence):
		return "gap"
	default:
		return "other"
	}
}

// resyncLocked recovers a desynchronized book, either by fetching a new
// snapshot or by resubscribing, and fails the subscription once the
// attempts are exhausted.
func (r *Router) resyncLocked(sub *subscription, cause error) {
	sub.resyncAttempts++
	if sub.resyncAttempts > r.opts.ResyncAttempts {
		r.failLocked(sub, fmt.Errorf("%w: %w", domain.ErrResyncExhausted, cause))
		return
	}

	if _, ok := sub.exchange.(domain.SnapshotFetcher); ok {
		r.startFetchLocked(sub)
		return
	}

	if rs, ok := sub.exchange.(domain.Resubscriber); ok && rs.ResyncBySubscribe() {
		c := sub.conn
		if c.State() != conn.Open {
			return
		}
		if frame, err := sub.exchange.UnsubscribeFrame(c.NextID(), sub.key); err == nil && frame != nil {
			_ = c.Post(frame)
		}
		sub.sentEpoch = 0
		r.sendSubscribeLocked(c, sub)
	}
}
