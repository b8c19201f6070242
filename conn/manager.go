package conn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/governor"
	"github.com/spooky-finn/cryptostream/logger"
)

type Options struct {
	HeartbeatTimeout time.Duration
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	// IdleGrace keeps a released connection open for late subscribers.
	IdleGrace time.Duration
}

// Observer receives connection lifecycle events, e.g. for metrics.
type Observer interface {
	ConnectionOpened(exchange string)
	ConnectionClosed(exchange string)
	Reconnect(exchange string)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened(string) {}
func (nopObserver) ConnectionClosed(string) {}
func (nopObserver) Reconnect(string)        {}

type connKey struct {
	exchange string
	endpoint string
}

// Manager shares one Connection per (exchange, endpoint) between its users.
type Manager struct {
	governor *governor.Governor
	opts     Options
	dialer   *websocket.Dialer
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[connKey]*Connection
	closed bool
	wg     sync.WaitGroup

	log *logger.Entry
}

func NewManager(gov *governor.Governor, opts Options, observer Observer) *Manager {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if observer == nil {
		observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		governor: gov,
		opts:     opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[connKey]*Connection),
		log:      logger.GetLogger().WithComponent("conn_manager"),
	}
}

// Acquire returns the connection for the exchange endpoint, starting it when
// none exists. Every Acquire must be paired with a Release.
func (m *Manager) Acquire(ex domain.Exchange, endpoint string, h Handler) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, domain.ErrEngineClosed
	}

	key := connKey{exchange: ex.Name(), endpoint: endpoint}
	if c, ok := m.conns[key]; ok {
		c.users++
		if c.idleTimer != nil {
			c.idleTimer.Stop()
			c.idleTimer = nil
		}
		return c, nil
	}

	c := newConnection(m.ctx, m, ex, endpoint, h)
	c.users = 1
	m.conns[key] = c

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.run()
	}()

	m.log.WithFields(logger.Fields{"exchange": key.exchange, "endpoint": endpoint}).Debug("connection started")
	return c, nil
}

// Release drops one user. The last release closes the connection after the
// idle grace period unless it is acquired again meanwhile.
func (m *Manager) Release(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.users > 0 {
		c.users--
	}
	if c.users > 0 || m.conns[connKey{c.exchange.Name(), c.endpoint}] != c {
		return
	}

	if m.opts.IdleGrace <= 0 {
		m.closeLocked(c)
		return
	}
	if c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(m.opts.IdleGrace, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			c.idleTimer = nil
			if c.users == 0 && m.conns[connKey{c.exchange.Name(), c.endpoint}] == c {
				m.closeLocked(c)
			}
		})
	}
}

func (m *Manager) closeLocked(c *Connection) {
	delete(m.conns, connKey{c.exchange.Name(), c.endpoint})
	c.shutdown()
	m.log.WithFields(logger.Fields{"exchange": c.exchange.Name(), "endpoint": c.endpoint}).Debug("idle connection closed")
}

// forget removes a failed connection so the next Acquire dials afresh.
func (m *Manager) forget(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := connKey{c.exchange.Name(), c.endpoint}
	if m.conns[key] == c {
		delete(m.conns, key)
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// Len returns the number of live connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close stops every connection and waits for their goroutines. Outstanding
// requests fail with ErrEngineClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for key, c := range m.conns {
		if c.idleTimer != nil {
			c.idleTimer.Stop()
			c.idleTimer = nil
		}
		delete(m.conns, key)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.log.Info("connection manager closed")
}
