package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/allowance-scanner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cfg := DefaultConfig("test")
	cfg.MaxFailures = 3
	cfg.HalfOpenMaxCalls = 1
	cfg.Timeout = 10 * time.Second
	cfg.now = clock.now
	return New(cfg)
}

var errRPC = errors.New("rpc down")

func fail(context.Context) error    { return errRPC }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errRPC)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.advance(11 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.advance(11 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errRPC)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cfg := DefaultConfig("test")
	cfg.MaxFailures = 3
	cfg.FailureThreshold = 1.1 // only consecutive failures trip
	cfg.now = clock.now
	cb := New(cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, fail)
		require.NoError(t, cb.Execute(ctx, succeed))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestSet_OneBreakerPerChain(t *testing.T) {
	set := NewSet(DefaultConfig(""))

	eth := set.For(types.ChainEthereum)
	assert.Same(t, eth, set.For(types.ChainEthereum))
	assert.NotSame(t, eth, set.For(types.ChainBase))

	for i := 0; i < eth.cfg.MaxFailures; i++ {
		_ = eth.Execute(context.Background(), fail)
	}

	states := set.States()
	assert.Equal(t, StateOpen, states[types.ChainEthereum])
	assert.Equal(t, StateClosed, states[types.ChainBase])
}
