package governor

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/spooky-finn/cryptostream/domain"
)

type BackoffConfig struct {
	Min                time.Duration
	Max                time.Duration
	Factor             float64
	Jitter             bool
	StabilityThreshold time.Duration
	MaxAttempts        int
}

// Backoff tracks reconnect attempts of one connection. Attempts count
// consecutive failed dials and reset on every successful open. The delay
// schedule resets to Min only once a connection stayed open longer than
// StabilityThreshold, so a flapping endpoint keeps backing off without ever
// being declared failed.
type Backoff struct {
	mu       sync.Mutex
	cfg      BackoffConfig
	b        *backoff.Backoff
	attempts int
	openedAt time.Time
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{
		cfg: cfg,
		b: &backoff.Backoff{
			Min:    cfg.Min,
			Max:    cfg.Max,
			Factor: cfg.Factor,
			Jitter: cfg.Jitter,
		},
	}
}

// Next returns the delay before the next attempt, or ErrConnectionFailed
// once MaxAttempts consecutive dials failed.
func (b *Backoff) Next() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.MaxAttempts > 0 && b.attempts >= b.cfg.MaxAttempts {
		return 0, domain.ErrConnectionFailed
	}
	b.attempts++
	return b.b.Duration(), nil
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// MarkOpen records a successful open, which clears the failed attempt count.
func (b *Backoff) MarkOpen(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = at
	b.attempts = 0
}

// MarkClosed resets the delay schedule when the connection had been stable.
func (b *Backoff) MarkClosed(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return
	}
	if at.Sub(b.openedAt) >= b.cfg.StabilityThreshold {
		b.b.Reset()
	}
	b.openedAt = time.Time{}
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.b.Reset()
}
