package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spooky-finn/cryptostream/conn"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/governor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type venueRequest struct {
	Op      string `json:"op"`
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// fakeVenue is a scripted websocket exchange. Every received request is
// published on requests; respond, when set, answers requests inline.
type fakeVenue struct {
	url      string
	requests chan venueRequest
	respond  func(v *fakeVenue, req venueRequest)

	mu       sync.Mutex
	ws       *websocket.Conn
	accepted int
	opened   chan int
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	v := &fakeVenue{
		requests: make(chan venueRequest, 64),
		opened:   make(chan int, 8),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		v.mu.Lock()
		v.ws = ws
		v.accepted++
		n := v.accepted
		v.mu.Unlock()
		v.opened <- n

		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req venueRequest
			if err := json.Unmarshal(frame, &req); err != nil {
				continue
			}
			v.requests <- req
			if v.respond != nil {
				v.respond(v, req)
			}
		}
	}))
	t.Cleanup(srv.Close)
	v.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return v
}

func (v *fakeVenue) send(frame string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ws != nil {
		_ = v.ws.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

func (v *fakeVenue) drop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ws != nil {
		_ = v.ws.Close()
	}
}

func (v *fakeVenue) expect(t *testing.T, op string) venueRequest {
	t.Helper()
	for {
		select {
		case req := <-v.requests:
			if req.Op == op {
				return req
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("venue did not receive %q", op)
			return venueRequest{}
		}
	}
}

func (v *fakeVenue) expectNone(t *testing.T, op string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case req := <-v.requests:
			if req.Op == op {
				t.Fatalf("venue unexpectedly received %q", op)
			}
		case <-deadline:
			return
		}
	}
}

type venueFrame struct {
	Type   string     `json:"type"`
	ID     string     `json:"id"`
	Symbol string     `json:"symbol"`
	Seq    int64      `json:"seq"`
	Start  int64      `json:"start"`
	End    int64      `json:"end"`
	Prev   int64      `json:"prev"`
	Bids   [][]string `json:"bids"`
	Asks   [][]string `json:"asks"`
	Price  string     `json:"price"`
	Size   string     `json:"size"`
	Code   string     `json:"code"`
	Msg    string     `json:"msg"`
}

type fakeExchange struct {
	url         string
	validator   domain.DepthUpdateValidator
	resubscribe bool
}

func (f *fakeExchange) Name() string { return "fake" }
func (f *fakeExchange) Endpoint(domain.SubscriptionKey) (string, error) {
	return "public", nil
}
func (f *fakeExchange) DialURL(context.Context, string) (string, error) { return f.url, nil }

func (f *fakeExchange) SubscribeFrame(id string, key domain.SubscriptionKey) ([]byte, error) {
	return json.Marshal(venueRequest{Op: "subscribe", ID: id, Channel: string(key.Channel), Symbol: key.Symbol})
}

func (f *fakeExchange) UnsubscribeFrame(id string, key domain.SubscriptionKey) ([]byte, error) {
	return json.Marshal(venueRequest{Op: "unsubscribe", ID: id, Channel: string(key.Channel), Symbol: key.Symbol})
}

func (f *fakeExchange) Keepalive() domain.Keepalive { return domain.Keepalive{} }

func (f *fakeExchange) Validator() domain.DepthUpdateValidator { return f.validator }

func (f *fakeExchange) ResyncBySubscribe() bool { return f.resubscribe }

func (f *fakeExchange) Parse(frame []byte) ([]domain.Message, error) {
	var v venueFrame
	if err := json.Unmarshal(frame, &v); err != nil {
		return nil, domain.NewParseError("fake", frame, err)
	}
	base := domain.Message{Exchange: "fake", Symbol: v.Symbol, RequestID: v.ID}

	switch v.Type {
	case "ack":
		base.Kind = domain.KindSubscriptionAck
	case "error":
		base.Kind = domain.KindError
		base.Err = &domain.ProtocolError{Exchange: "fake", Code: v.Code, Message: v.Msg}
	case "snapshot", "depth":
		bids, _ := domain.ParseLevels(v.Bids)
		asks, _ := domain.ParseLevels(v.Asks)
		base.Kind = domain.KindSnapshot
		base.Channel = domain.ChannelOrderBook
		base.Snapshot = &domain.OrderBookSnapshot{Exchange: "fake", Symbol: v.Symbol, Sequence: v.Seq, Bids: bids, Asks: asks}
	case "diff":
		bids, _ := domain.ParseLevels(v.Bids)
		asks, _ := domain.ParseLevels(v.Asks)
		base.Kind = domain.KindDiff
		base.Channel = domain.ChannelOrderBook
		base.Update = &domain.OrderBookUpdate{
			Symbol:          v.Symbol,
			SequenceStart:   v.Start,
			SequenceEnd:     v.End,
			PrevSequenceEnd: v.Prev,
			Bids:            bids,
			Asks:            asks,
		}
	case "trade":
		price, _ := domain.ParseLevel(v.Price, v.Size)
		base.Kind = domain.KindTrade
		base.Channel = domain.ChannelTrades
		base.Trades = []domain.Trade{{ID: v.ID, Symbol: v.Symbol, Price: price.Price, Size: price.Size}}
		base.RequestID = ""
	default:
		return nil, nil
	}
	return []domain.Message{base}, nil
}

// fetchingExchange streams diffs only and fetches snapshots by request.
type fetchingExchange struct {
	fakeExchange
}

func (f *fetchingExchange) FetchSnapshot(ctx context.Context, rt domain.RoundTripper, symbol *domain.MarketSymbol, depth int) (*domain.OrderBookSnapshot, error) {
	msg, err := rt.RoundTrip(ctx, "public", func(id string) ([]byte, error) {
		return json.Marshal(venueRequest{Op: "depth", ID: id, Symbol: symbol.String()})
	})
	if err != nil {
		return nil, err
	}
	return msg.Snapshot, nil
}

type registry map[string]domain.Exchange

func (r registry) Exchange(name string) (domain.Exchange, error) {
	ex, ok := r[name]
	if !ok {
		return nil, domain.ErrUnknownExchange
	}
	return ex, nil
}

func newTestRouter(t *testing.T, ex domain.Exchange, opts Options) *Router {
	t.Helper()
	gov := governor.New(governor.BackoffConfig{
		Min:         10 * time.Millisecond,
		Max:         50 * time.Millisecond,
		Factor:      2,
		MaxAttempts: 5,
	}, nil)
	m := conn.NewManager(gov, conn.Options{RequestTimeout: 2 * time.Second, IdleGrace: time.Second}, nil)
	r := New(registry{ex.Name(): ex}, m, nil, nil, opts)
	t.Cleanup(func() {
		r.Close()
		m.Close()
	})
	return r
}

func messageSink() *TypedSink[domain.Message] {
	return NewSink[domain.Message](32, DropNewest, func(m domain.Message) []domain.Message {
		return []domain.Message{m}
	})
}

func next(t *testing.T, s *TypedSink[domain.Message]) domain.Message {
	t.Helper()
	select {
	case m, ok := <-s.Stream():
		require.True(t, ok, "stream closed")
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
		return domain.Message{}
	}
}

func nothing(t *testing.T, s *TypedSink[domain.Message], wait time.Duration) {
	t.Helper()
	select {
	case m := <-s.Stream():
		t.Fatalf("unexpected delivery: %v", m.Kind)
	case <-time.After(wait):
	}
}

func bookKey(symbol string) domain.SubscriptionKey {
	return domain.SubscriptionKey{Exchange: "fake", Channel: domain.ChannelOrderBook, Symbol: symbol}
}

const snapshot10 = `{"type":"snapshot","symbol":"BTC/USDT","seq":10,"bids":[["100","1"]],"asks":[["101","1"]]}`

func TestRouter_SharedSubscriptionIsRefCounted(t *testing.T) {
	v := newFakeVenue(t)
	r := newTestRouter(t, &fakeExchange{url: v.url}, Options{})
	ctx := context.Background()

	a, b := messageSink(), messageSink()
	ha, err := r.Subscribe(ctx, bookKey("btc/usdt"), a)
	require.NoError(t, err)
	hb, err := r.Subscribe(ctx, bookKey("BTC/USDT"), b)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	sub := v.expect(t, "subscribe")
	assert.Equal(t, "BTC/USDT", sub.Symbol)
	v.send(`{"type":"ack","id":"` + sub.ID + `"}`)
	v.send(snapshot10)

	assert.Equal(t, int64(10), next(t, a).Snapshot.Sequence)
	assert.Equal(t, int64(10), next(t, b).Snapshot.Sequence)

	// a late joiner gets the cached book without a second subscribe
	c := messageSink()
	hc, err := r.Subscribe(ctx, bookKey("BTC/USDT"), c)
	require.NoError(t, err)
	assert.Equal(t, int64(10), next(t, c).Snapshot.Sequence)
	v.expectNone(t, "subscribe", 100*time.Millisecond)

	r.Unsubscribe(ha)
	r.Unsubscribe(ha)
	r.Unsubscribe(hb)
	v.expectNone(t, "unsubscribe", 100*time.Millisecond)

	r.Unsubscribe(hc)
	v.expect(t, "unsubscribe")
	assert.Equal(t, 0, r.Len())
	_, err = r.Storage().Get("fake", "BTC/USDT")
	assert.Error(t, err)
}

func TestRouter_GapResubscribesWithoutPublishing(t *testing.T) {
	v := newFakeVenue(t)
	r := newTestRouter(t, &fakeExchange{url: v.url, validator: domain.PrevLinkValidator{}, resubscribe: true}, Options{})

	s := messageSink()
	_, err := r.Subscribe(context.Background(), bookKey("BTC/USDT"), s)
	require.NoError(t, err)
	v.expect(t, "subscribe")

	v.send(snapshot10)
	assert.Equal(t, int64(10), next(t, s).Snapshot.Sequence)

	v.send(`{"type":"diff","symbol":"BTC/USDT","end":11,"prev":10,"bids":[["100","2"]]}`)
	got := next(t, s).Snapshot
	assert.Equal(t, int64(11), got.Sequence)
	assert.Equal(t, "2", got.Bids[0].Size.String())

	// prev 13 does not link to 11
	v.send(`{"type":"diff","symbol":"BTC/USDT","end":14,"prev":13,"bids":[["100","3"]]}`)
	v.expect(t, "unsubscribe")
	v.expect(t, "subscribe")
	nothing(t, s, 100*time.Millisecond)

	v.send(`{"type":"snapshot","symbol":"BTC/USDT","seq":20,"bids":[["99","1"]],"asks":[["101","1"]]}`)
	assert.Equal(t, int64(20), next(t, s).Snapshot.Sequence)
}

func TestRouter_FetchedSnapshotBridgesBufferedDiffs(t *testing.T) {
	v := newFakeVenue(t)
	release := make(chan struct{})
	v.respond = func(v *fakeVenue, req venueRequest) {
		if req.Op == "depth" {
			<-release
			v.send(`{"type":"depth","id":"` + req.ID + `","symbol":"BTC/USDT","seq":100,"bids":[["100","1"]],"asks":[["101","1"]]}`)
		}
	}
	ex := &fetchingExchange{fakeExchange{url: v.url, validator: domain.RangeValidator{}}}
	r := newTestRouter(t, ex, Options{})

	s := messageSink()
	_, err := r.Subscribe(context.Background(), bookKey("BTC/USDT"), s)
	require.NoError(t, err)
	v.expect(t, "subscribe")

	v.send(`{"type":"diff","symbol":"BTC/USDT","start":99,"end":100,"bids":[["100","5"]]}`)
	v.expect(t, "depth")
	v.send(`{"type":"diff","symbol":"BTC/USDT","start":101,"end":102,"asks":[["101","2"]]}`)
	close(release)

	got := next(t, s).Snapshot
	assert.Equal(t, int64(102), got.Sequence)
	assert.Equal(t, "1", got.Bids[0].Size.String())
	assert.Equal(t, "2", got.Asks[0].Size.String())

	v.send(`{"type":"diff","symbol":"BTC/USDT","start":103,"end":103,"bids":[["100","4"]]}`)
	assert.Equal(t, int64(103), next(t, s).Snapshot.Sequence)
}

// depthRecordingExchange reports the depth of every snapshot fetch.
type depthRecordingExchange struct {
	fetchingExchange
	depths chan int
}

func (f *depthRecordingExchange) FetchSnapshot(ctx context.Context, rt domain.RoundTripper, symbol *domain.MarketSymbol, depth int) (*domain.OrderBookSnapshot, error) {
	f.depths <- depth
	return f.fetchingExchange.FetchSnapshot(ctx, rt, symbol, depth)
}

func TestRouter_FetchUsesDeepestRequestedDepth(t *testing.T) {
	v := newFakeVenue(t)
	v.respond = func(v *fakeVenue, req venueRequest) {
		if req.Op == "depth" {
			v.send(`{"type":"depth","id":"` + req.ID + `","symbol":"BTC/USDT","seq":100,"bids":[["100","1"]],"asks":[["101","1"]]}`)
		}
	}
	ex := &depthRecordingExchange{
		fetchingExchange: fetchingExchange{fakeExchange{url: v.url, validator: domain.RangeValidator{}}},
		depths:           make(chan int, 4),
	}
	r := newTestRouter(t, ex, Options{DefaultDepth: 100})

	shallow := messageSink()
	_, err := r.Subscribe(context.Background(), bookKey("BTC/USDT"), shallow)
	require.NoError(t, err)
	v.expect(t, "subscribe")
	_, err = r.Subscribe(context.Background(), bookKey("BTC/USDT"), messageSink().WithDepth(500))
	require.NoError(t, err)

	v.send(`{"type":"diff","symbol":"BTC/USDT","start":99,"end":100,"bids":[["100","5"]]}`)
	select {
	case depth := <-ex.depths:
		assert.Equal(t, 500, depth)
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot fetch")
	}
	assert.Equal(t, int64(100), next(t, shallow).Snapshot.Sequence)
}

func TestRouter_FetchDepthDefaults(t *testing.T) {
	r := &Router{opts: Options{DefaultDepth: 100}}
	sub := &subscription{handles: map[string]*Handle{"a": {id: "a"}}}
	assert.Equal(t, 100, r.fetchDepthLocked(sub))

	sub.handles["b"] = &Handle{id: "b", depth: 20}
	assert.Equal(t, 20, r.fetchDepthLocked(sub))
}

func TestRouter_ProtocolErrorFailsOnlyAffectedSubscription(t *testing.T) {
	v := newFakeVenue(t)
	r := newTestRouter(t, &fakeExchange{url: v.url}, Options{})
	ctx := context.Background()

	tradesKey := func(symbol string) domain.SubscriptionKey {
		return domain.SubscriptionKey{Exchange: "fake", Channel: domain.ChannelTrades, Symbol: symbol}
	}

	btc, eth := messageSink(), messageSink()
	_, err := r.Subscribe(ctx, tradesKey("BTC/USDT"), btc)
	require.NoError(t, err)
	v.expect(t, "subscribe")
	_, err = r.Subscribe(ctx, tradesKey("ETH/USDT"), eth)
	require.NoError(t, err)
	bad := v.expect(t, "subscribe")
	require.Equal(t, "ETH/USDT", bad.Symbol)

	v.send(`{"type":"error","id":"` + bad.ID + `","code":"60018","msg":"unknown symbol"}`)

	select {
	case err := <-eth.Errors():
		var perr *domain.ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "60018", perr.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("affected subscription was not failed")
	}

	v.send(`{"type":"trade","id":"t1","symbol":"BTC/USDT","price":"100","size":"0.5"}`)
	msg := next(t, btc)
	require.Len(t, msg.Trades, 1)
	assert.Equal(t, "t1", msg.Trades[0].ID)
	assert.Equal(t, 1, r.Len())
}

func TestRouter_ReconnectResubscribesAndResetsBook(t *testing.T) {
	v := newFakeVenue(t)
	r := newTestRouter(t, &fakeExchange{url: v.url}, Options{})

	s := messageSink()
	_, err := r.Subscribe(context.Background(), bookKey("BTC/USDT"), s)
	require.NoError(t, err)
	v.expect(t, "subscribe")
	v.send(snapshot10)
	assert.Equal(t, int64(10), next(t, s).Snapshot.Sequence)

	v.drop()
	v.expect(t, "subscribe")

	book, err := r.Storage().Get("fake", "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, book.Current())

	v.send(`{"type":"snapshot","symbol":"BTC/USDT","seq":50,"bids":[["100","1"]],"asks":[["101","1"]]}`)
	assert.Equal(t, int64(50), next(t, s).Snapshot.Sequence)
}

func TestRouter_ResyncExhaustedFailsSubscription(t *testing.T) {
	v := newFakeVenue(t)
	r := newTestRouter(t, &fakeExchange{url: v.url, resubscribe: true}, Options{ResyncAttempts: 1})

	s := messageSink()
	_, err := r.Subscribe(context.Background(), bookKey("BTC/USDT"), s)
	require.NoError(t, err)
	v.expect(t, "subscribe")

	v.send(snapshot10)
	next(t, s)
	v.send(`{"type":"diff","symbol":"BTC/USDT","end":14,"prev":13}`)
	v.expect(t, "subscribe")

	v.send(snapshot10)
	next(t, s)
	v.send(`{"type":"diff","symbol":"BTC/USDT","end":14,"prev":13}`)

	select {
	case err := <-s.Errors():
		assert.ErrorIs(t, err, domain.ErrResyncExhausted)
		assert.ErrorIs(t, err, domain.ErrDesync)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not fail")
	}
	assert.Equal(t, 0, r.Len())
}

func TestRouter_CloseFailsHandles(t *testing.T) {
	v := newFakeVenue(t)
	r := newTestRouter(t, &fakeExchange{url: v.url}, Options{})

	s := messageSink()
	_, err := r.Subscribe(context.Background(), bookKey("BTC/USDT"), s)
	require.NoError(t, err)

	r.Close()
	assert.ErrorIs(t, <-s.Errors(), domain.ErrEngineClosed)

	_, err = r.Subscribe(context.Background(), bookKey("BTC/USDT"), messageSink())
	assert.ErrorIs(t, err, domain.ErrEngineClosed)
}

func TestRouter_UnknownExchange(t *testing.T) {
	v := newFakeVenue(t)
	r := newTestRouter(t, &fakeExchange{url: v.url}, Options{})

	_, err := r.Subscribe(context.Background(), domain.SubscriptionKey{Exchange: "nope", Channel: domain.ChannelTrades, Symbol: "BTC/USDT"}, messageSink())
	assert.ErrorIs(t, err, domain.ErrUnknownExchange)
}
