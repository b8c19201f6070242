package correlator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spooky-finn/cryptostream/domain"
)

type result struct {
	msg domain.Message
	err error
}

// Pending is one outstanding request. It completes exactly once.
type Pending struct {
	ID   string
	c    *Correlator
	done chan result
}

// Wait blocks until the response, a failure, the timeout or ctx. On timeout
// or cancellation the entry is removed so a late response is ignored.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (domain.Message, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-p.done:
		return r.msg, r.err
	case <-timer:
		p.c.remove(p.ID)
		return domain.Message{}, domain.ErrTimeout
	case <-ctx.Done():
		p.c.remove(p.ID)
		return domain.Message{}, ctx.Err()
	}
}

// Correlator matches responses to requests on one connection.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Pending
	seq     atomic.Int64
}

func New() *Correlator {
	return &Correlator{pending: make(map[string]*Pending)}
}

// NextID returns a request id unique for this correlator.
func (c *Correlator) NextID() string {
	return strconv.FormatInt(c.seq.Add(1), 10)
}

func (c *Correlator) Register(id string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		return nil, domain.ErrDuplicateRequestID
	}
	p := &Pending{ID: id, c: c, done: make(chan result, 1)}
	c.pending[id] = p
	return p, nil
}

// Resolve completes the request with msg. It reports false when no request
// with that id is waiting.
func (c *Correlator) Resolve(id string, msg domain.Message) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	if msg.Kind == domain.KindError && msg.Err != nil {
		p.done <- result{msg: msg, err: msg.Err}
		return true
	}
	p.done <- result{msg: msg}
	return true
}

func (c *Correlator) Fail(id string, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.done <- result{err: err}
	return true
}

// FailAll fails every outstanding request, used when the connection drops.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*Pending)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- result{err: err}
	}
	return len(pending)
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) take(id string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Correlator) remove(id string) {
	c.take(id)
}
