package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spooky-finn/cryptostream/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelator_Resolve(t *testing.T) {
	c := New()
	id := c.NextID()

	p, err := c.Register(id)
	require.NoError(t, err)

	go c.Resolve(id, domain.Message{Kind: domain.KindSnapshot, RequestID: id})

	msg, err := p.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, msg.RequestID)
	assert.Equal(t, 0, c.Len())

	// second resolve is a no-op
	assert.False(t, c.Resolve(id, domain.Message{}))
}

func TestCorrelator_DuplicateID(t *testing.T) {
	c := New()
	_, err := c.Register("1")
	require.NoError(t, err)

	_, err = c.Register("1")
	assert.ErrorIs(t, err, domain.ErrDuplicateRequestID)
}

func TestCorrelator_ErrorResponse(t *testing.T) {
	c := New()
	p, _ := c.Register("9")

	c.Resolve("9", domain.Message{Kind: domain.KindError, Err: &domain.ProtocolError{Code: "-1121", Message: "Invalid symbol."}})

	_, err := p.Wait(context.Background(), time.Second)
	var perr *domain.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "-1121", perr.Code)
}

func TestCorrelator_Timeout(t *testing.T) {
	c := New()
	p, _ := c.Register(c.NextID())

	_, err := p.Wait(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Resolve(p.ID, domain.Message{}), "late response is ignored")
}

func TestCorrelator_ContextCancel(t *testing.T) {
	c := New()
	p, _ := c.Register(c.NextID())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelator_FailAllExactlyOnce(t *testing.T) {
	c := New()

	const n = 20
	var waiters []*Pending
	for i := 0; i < n; i++ {
		p, err := c.Register(c.NextID())
		require.NoError(t, err)
		waiters = append(waiters, p)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, p := range waiters {
		wg.Add(1)
		go func(p *Pending) {
			defer wg.Done()
			_, err := p.Wait(context.Background(), time.Second)
			errs <- err
		}(p)
	}

	assert.Equal(t, n, c.FailAll(domain.ErrConnectionLost))
	assert.Equal(t, 0, c.FailAll(domain.ErrConnectionLost))
	wg.Wait()
	close(errs)

	count := 0
	for err := range errs {
		assert.ErrorIs(t, err, domain.ErrConnectionLost)
		count++
	}
	assert.Equal(t, n, count)
}
