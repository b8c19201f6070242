package governor

import "sync"

type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type ExchangeLimits struct {
	Send RateLimit
	Dial RateLimit
}

// Governor hands out send limiters per connection, dial limiters shared per
// exchange and reconnect schedules. One instance lives as long as the engine.
type Governor struct {
	backoff BackoffConfig
	limits  map[string]ExchangeLimits

	mu   sync.Mutex
	dial map[string]*Limiter
}

func New(backoff BackoffConfig, limits map[string]ExchangeLimits) *Governor {
	if limits == nil {
		limits = map[string]ExchangeLimits{}
	}
	return &Governor{
		backoff: backoff,
		limits:  limits,
		dial:    make(map[string]*Limiter),
	}
}

// SendLimiter returns a new bucket for one connection of the exchange.
func (g *Governor) SendLimiter(exchange string) *Limiter {
	l := g.limits[exchange].Send
	return NewLimiter(l.RequestsPerSecond, l.Burst)
}

// DialLimiter returns the bucket shared by every connection of the exchange.
func (g *Governor) DialLimiter(exchange string) *Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.dial[exchange]; ok {
		return l
	}
	cfg := g.limits[exchange].Dial
	l := NewLimiter(cfg.RequestsPerSecond, cfg.Burst)
	g.dial[exchange] = l
	return l
}

func (g *Governor) Backoff() *Backoff {
	return NewBackoff(g.backoff)
}
