package conn

import (
	"sync"

	"github.com/gammazero/deque"
)

// outbox is the write queue of one session. push never blocks; the writer
// drains it in order until the session ends.
type outbox struct {
	mu     sync.Mutex
	queue  deque.Deque[writeReq]
	closed bool
	ready  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

// push appends req. It returns false once the outbox is closed.
func (o *outbox) push(req writeReq) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue.PushBack(req)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) pop() (writeReq, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queue.Len() == 0 {
		return writeReq{}, false
	}
	return o.queue.PopFront(), true
}

func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len()
}

// close rejects further pushes and fails every queued request waiting for
// its write result with err.
func (o *outbox) close(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for o.queue.Len() > 0 {
		req := o.queue.PopFront()
		if req.result != nil {
			req.result <- err
		}
	}
}
