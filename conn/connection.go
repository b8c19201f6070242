package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spooky-finn/cryptostream/correlator"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/governor"
	"github.com/spooky-finn/cryptostream/logger"
)

type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handler receives connection events. Every method runs on the connection's
// dispatch goroutine, so a handler sees frames strictly in wire order and
// never concurrently with tasks passed to Submit.
type Handler interface {
	HandleOpen(c *Connection)
	HandleFrame(c *Connection, frame []byte)
	// HandleClose is called after an unexpected close, before reconnecting.
	HandleClose(c *Connection, err error)
	// HandleFailed is called once when reconnect attempts are exhausted.
	HandleFailed(c *Connection, err error)
}

type writeReq struct {
	frame  []byte
	ping   bool
	result chan error
}

type session struct {
	ws    *websocket.Conn
	epoch int64
	out   *outbox
	done  chan struct{}

	// ctx ends with the session so a writer waiting on the limiter exits.
	ctx    context.Context
	cancel context.CancelFunc
}

// Connection owns one websocket to an exchange endpoint and reconnects it
// until released or failed.
type Connection struct {
	mgr      *Manager
	exchange domain.Exchange
	endpoint string
	handler  Handler

	correlator *correlator.Correlator
	limiter    *governor.Limiter
	backoff    *governor.Backoff

	state        atomic.Int32
	epoch        atomic.Int64
	lastActivity atomic.Int64
	sess         atomic.Pointer[session]

	mu      sync.Mutex
	changed chan struct{}

	// guarded by mgr.mu
	users     int
	idleTimer *time.Timer

	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	log    *logger.Entry
}

func newConnection(ctx context.Context, mgr *Manager, ex domain.Exchange, endpoint string, h Handler) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		mgr:        mgr,
		exchange:   ex,
		endpoint:   endpoint,
		handler:    h,
		correlator: correlator.New(),
		limiter:    mgr.governor.SendLimiter(ex.Name()),
		backoff:    mgr.governor.Backoff(),
		changed:    make(chan struct{}),
		tasks:      make(chan func(), 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log: logger.GetLogger().WithComponent("connection").WithFields(logger.Fields{
			"exchange": ex.Name(),
			"endpoint": endpoint,
		}),
	}
	return c
}

func (c *Connection) Exchange() domain.Exchange { return c.exchange }
func (c *Connection) Endpoint() string          { return c.endpoint }
func (c *Connection) State() State              { return State(c.state.Load()) }

// Epoch increments on every successful open.
func (c *Connection) Epoch() int64 { return c.epoch.Load() }

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) NextID() string { return c.correlator.NextID() }

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// WaitOpen blocks until the connection is open, failed or ctx is done.
func (c *Connection) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		ch := c.changed
		c.mu.Unlock()

		switch c.State() {
		case Open:
			return nil
		case Failed:
			return domain.ErrConnectionFailed
		case Closed:
			return domain.ErrEngineClosed
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Post queues a text frame on the current socket without waiting for the write.
func (c *Connection) Post(frame []byte) error {
	_, err := c.enqueue(writeReq{frame: frame})
	return err
}

// Send writes a text frame and waits for the result.
func (c *Connection) Send(ctx context.Context, frame []byte) error {
	req := writeReq{frame: frame, result: make(chan error, 1)}
	s, err := c.enqueue(req)
	if err != nil {
		return err
	}
	select {
	case err := <-req.result:
		return err
	case <-s.done:
		return domain.ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue never blocks: a dead session rejects the frame instead.
func (c *Connection) enqueue(req writeReq) (*session, error) {
	if c.ctx.Err() != nil {
		return nil, domain.ErrEngineClosed
	}
	s := c.sess.Load()
	if s == nil || !s.out.push(req) {
		return nil, domain.ErrConnectionLost
	}
	return s, nil
}

// Request sends the frame built for a fresh request id and waits for the
// response carrying that id.
func (c *Connection) Request(ctx context.Context, build func(id string) ([]byte, error)) (domain.Message, error) {
	id := c.correlator.NextID()
	frame, err := build(id)
	if err != nil {
		return domain.Message{}, err
	}

	pending, err := c.correlator.Register(id)
	if err != nil {
		return domain.Message{}, err
	}
	if err := c.Send(ctx, frame); err != nil {
		c.correlator.Fail(id, err)
		return domain.Message{}, err
	}
	return pending.Wait(ctx, c.mgr.opts.RequestTimeout)
}

// Resolve hands a response to the request waiting for its id.
func (c *Connection) Resolve(msg domain.Message) bool {
	if msg.RequestID == "" {
		return false
	}
	return c.correlator.Resolve(msg.RequestID, msg)
}

// Submit runs fn on the dispatch goroutine. It returns false once the
// connection is gone.
func (c *Connection) Submit(fn func()) bool {
	select {
	case c.tasks <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connection) shutdown() {
	c.cancel()
}

// Done is closed when the connection goroutine has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) run() {
	defer close(c.done)

	for {
		err := c.serve()
		if c.ctx.Err() != nil {
			c.correlator.FailAll(domain.ErrEngineClosed)
			c.setState(Closed)
			c.log.Debug("connection closed")
			return
		}

		delay, berr := c.backoff.Next()
		if berr != nil {
			c.setState(Failed)
			c.correlator.FailAll(domain.ErrConnectionFailed)
			ferr := &domain.ConnectionError{Exchange: c.exchange.Name(), Endpoint: c.endpoint, Err: fmt.Errorf("%w: %v", berr, err)}
			c.log.WithError(err).Error("reconnect attempts exhausted")
			c.mgr.forget(c)
			c.handler.HandleFailed(c, ferr)
			return
		}

		c.mgr.observer.Reconnect(c.exchange.Name())
		c.log.WithError(err).WithFields(logger.Fields{
			"attempt": c.backoff.Attempts(),
			"delay":   delay.String(),
		}).Warn("connection lost, reconnecting")

		if !c.sleep(delay) {
			c.correlator.FailAll(domain.ErrEngineClosed)
			c.setState(Closed)
			return
		}
	}
}

// sleep waits for the backoff delay while still running submitted tasks.
func (c *Connection) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return true
		case fn := <-c.tasks:
			fn()
		case <-c.ctx.Done():
			return false
		}
	}
}

func (c *Connection) dial() (*websocket.Conn, error) {
	c.setState(Connecting)

	if err := c.mgr.governor.DialLimiter(c.exchange.Name()).Wait(c.ctx); err != nil {
		return nil, err
	}

	url, err := c.exchange.DialURL(c.ctx, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolve url: %w", err)
	}

	ws, _, err := c.mgr.dialer.DialContext(c.ctx, url, nil)
	if err != nil {
		return nil, &domain.ConnectionError{Exchange: c.exchange.Name(), Endpoint: c.endpoint, Err: err}
	}
	return ws, nil
}

func (c *Connection) serve() error {
	ws, err := c.dial()
	if err != nil {
		return err
	}

	sctx, scancel := context.WithCancel(c.ctx)
	s := &session{
		ws:     ws,
		epoch:  c.epoch.Add(1),
		out:    newOutbox(),
		done:   make(chan struct{}),
		ctx:    sctx,
		cancel: scancel,
	}
	c.touch()
	c.backoff.MarkOpen(time.Now())

	ws.SetPingHandler(func(data string) error {
		c.touch()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	frames := make(chan []byte, 256)
	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)
	go c.readLoop(s, frames, readErr)
	go c.writeLoop(s, writeErr)

	c.sess.Store(s)
	c.setState(Open)
	c.mgr.observer.ConnectionOpened(c.exchange.Name())
	c.log.WithFields(logger.Fields{"epoch": s.epoch}).Info("connection opened")
	c.handler.HandleOpen(c)

	keepalive := c.exchange.Keepalive()
	if keepalive.Interval <= 0 {
		keepalive.Interval = c.mgr.opts.HeartbeatTimeout / 2
	}
	pingTicker := time.NewTicker(keepalive.Interval)
	defer pingTicker.Stop()

	watchdogEvery := c.mgr.opts.HeartbeatTimeout / 4
	if watchdogEvery <= 0 {
		watchdogEvery = time.Second
	}
	watchdog := time.NewTicker(watchdogEvery)
	defer watchdog.Stop()

	var cause error
loop:
	for {
		select {
		case frame := <-frames:
			c.handler.HandleFrame(c, frame)
		case fn := <-c.tasks:
			fn()
		case err := <-readErr:
			cause = err
			break loop
		case err := <-writeErr:
			cause = err
			break loop
		case <-pingTicker.C:
			_, _ = c.enqueue(writeReq{frame: keepalive.Frame, ping: keepalive.Frame == nil})
		case <-watchdog.C:
			if idle := time.Since(c.LastActivity()); idle > c.mgr.opts.HeartbeatTimeout {
				cause = fmt.Errorf("heartbeat timeout after %s", idle.Truncate(time.Millisecond))
				break loop
			}
		case <-c.ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			cause = c.ctx.Err()
			break loop
		}
	}

	c.setState(Closing)
	c.sess.Store(nil)
	close(s.done)
	s.cancel()
	s.out.close(domain.ErrConnectionLost)
	_ = ws.Close()
	c.backoff.MarkClosed(time.Now())
	c.mgr.observer.ConnectionClosed(c.exchange.Name())

	if c.ctx.Err() != nil {
		return cause
	}

	c.correlator.FailAll(domain.ErrConnectionLost)
	c.handler.HandleClose(c, cause)
	return &domain.ConnectionError{Exchange: c.exchange.Name(), Endpoint: c.endpoint, Err: cause}
}

func (c *Connection) readLoop(s *session, frames chan<- []byte, errc chan<- error) {
	for {
		_, msg, err := s.ws.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		c.touch()
		select {
		case frames <- msg:
		case <-s.done:
			return
		}
	}
}

// writeLoop drains the session outbox through the send limiter. On a write
// error it closes the outbox so later frames fail fast, and reports the error
// to the dispatch goroutine.
func (c *Connection) writeLoop(s *session, errc chan<- error) {
	defer s.out.close(domain.ErrConnectionLost)

	for {
		req, ok := s.out.pop()
		if !ok {
			select {
			case <-s.out.ready:
				continue
			case <-s.done:
				return
			}
		}

		err := c.limiter.Wait(s.ctx)
		if err == nil {
			_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if req.ping {
				err = s.ws.WriteMessage(websocket.PingMessage, nil)
			} else {
				err = s.ws.WriteMessage(websocket.TextMessage, req.frame)
			}
		}
		if req.result != nil {
			req.result <- err
		}
		if err != nil {
			select {
			case errc <- err:
			default:
			}
			return
		}
	}
}
