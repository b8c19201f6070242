package domain

import (
	"context"
	"sync"
)

// Subscription is the caller side of a stream. Stream is closed after the
// subscription ends; a terminal error, if any, is delivered on Errors first.
type Subscription[T any] struct {
	Stream  <-chan T
	Errors  <-chan error
	Topic   string
	Initial T

	unsubscribe func()
	once        sync.Once
}

func NewSubscription[T any](topic string, stream <-chan T, errs <-chan error, unsubscribe func()) *Subscription[T] {
	return &Subscription[T]{
		Stream:      stream,
		Errors:      errs,
		Topic:       topic,
		unsubscribe: unsubscribe,
	}
}

// Unsubscribe releases the subscription. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}

// Next waits for the next value. Cancelling ctx releases the subscription
// in the background and returns ctx.Err().
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-s.Stream:
		if !ok {
			return zero, s.closedErr()
		}
		return v, nil
	case err := <-s.Errors:
		if err == nil {
			return zero, ErrSubscriptionClosed
		}
		return zero, err
	case <-ctx.Done():
		go s.Unsubscribe()
		return zero, ctx.Err()
	}
}

func (s *Subscription[T]) closedErr() error {
	select {
	case err, ok := <-s.Errors:
		if ok && err != nil {
			return err
		}
	default:
	}
	return ErrSubscriptionClosed
}
