package router

import (
	"sync"

	"github.com/spooky-finn/cryptostream/domain"
)

type DeliveryPolicy int

const (
	// Coalesce replaces the oldest queued value when the buffer is full.
	// Used for order books where only the latest state matters.
	Coalesce DeliveryPolicy = iota
	// DropNewest discards the incoming value when the buffer is full.
	DropNewest
)

// Sink is the delivery side of one caller handle. Deliver must not block.
type Sink interface {
	// Deliver reports false when a value was discarded.
	Deliver(msg domain.Message) bool
	Fail(err error)
	Close()
}

// DepthSink is a Sink that needs at least Depth order book levels per side.
// The router seeds fetched snapshots with the deepest depth its handles ask for.
type DepthSink interface {
	Sink
	Depth() int
}

// TypedSink converts messages to T and queues them on a bounded channel.
type TypedSink[T any] struct {
	mu      sync.Mutex
	ch      chan T
	errs    chan error
	policy  DeliveryPolicy
	extract func(domain.Message) []T
	depth   int
	closed  bool
}

func NewSink[T any](buffer int, policy DeliveryPolicy, extract func(domain.Message) []T) *TypedSink[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &TypedSink[T]{
		ch:      make(chan T, buffer),
		errs:    make(chan error, 1),
		policy:  policy,
		extract: extract,
	}
}

// WithDepth records the book depth the caller reads from this sink.
func (s *TypedSink[T]) WithDepth(depth int) *TypedSink[T] {
	s.depth = depth
	return s
}

func (s *TypedSink[T]) Depth() int { return s.depth }

func (s *TypedSink[T]) Stream() <-chan T     { return s.ch }
func (s *TypedSink[T]) Errors() <-chan error { return s.errs }

func (s *TypedSink[T]) Deliver(msg domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	delivered := true
	for _, v := range s.extract(msg) {
		select {
		case s.ch <- v:
			continue
		default:
		}

		if s.policy == DropNewest {
			delivered = false
			continue
		}

		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- v:
		default:
			delivered = false
		}
	}
	return delivered
}

// Fail delivers a terminal error and closes the stream.
func (s *TypedSink[T]) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.errs <- err
	s.closed = true
	close(s.ch)
}

func (s *TypedSink[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
