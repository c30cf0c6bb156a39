package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errPublish = errors.New("publish refused")

func fail() error    { return errPublish }
func succeed() error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	newBreaker := func(opts ...CircuitBreakerOption) (*CircuitBreaker, *fakeClock) {
		clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		opts = append([]CircuitBreakerOption{withClock(clock.Now)}, opts...)
		return NewCircuitBreaker(opts...), clock
	}

	t.Run("starts closed and runs work", func(t *testing.T) {
		cb, _ := newBreaker()
		executed := false

		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("opens after consecutive failures and refuses work", func(t *testing.T) {
		cb, _ := newBreaker(WithFailureThreshold(3), WithName("rpc"))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errPublish)
		}
		assert.Equal(t, StateOpen, cb.State())

		err := cb.Execute(ctx, succeed)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "rpc", cbErr.Name)
		assert.Equal(t, 3, cbErr.Failures)
		assert.Equal(t, int64(1), cb.Metrics().Rejected)
	})

	t.Run("a success resets the failure streak", func(t *testing.T) {
		cb, _ := newBreaker(WithFailureThreshold(2))

		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open trial success closes the circuit", func(t *testing.T) {
		cb, clock := newBreaker(WithFailureThreshold(1), WithTimeout(time.Minute))
		_ = cb.Execute(ctx, fail)

		clock.Advance(time.Minute)
		assert.Equal(t, StateHalfOpen, cb.State())

		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open trial failure reopens the circuit", func(t *testing.T) {
		cb, clock := newBreaker(WithFailureThreshold(1), WithTimeout(time.Minute))
		_ = cb.Execute(ctx, fail)
		clock.Advance(time.Minute)

		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("half-open admits a limited number of trials", func(t *testing.T) {
		cb, clock := newBreaker(WithFailureThreshold(1), WithTimeout(time.Second), WithHalfOpenRequests(1))
		_ = cb.Execute(ctx, fail)
		clock.Advance(time.Second)

		entered := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error)
		go func() {
			done <- cb.Execute(ctx, func() error {
				close(entered)
				<-release
				return nil
			})
		}()
		<-entered

		err := cb.Execute(ctx, succeed)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateHalfOpen, cbErr.State)

		close(release)
		assert.NoError(t, <-done)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("context cancellation is not a failure", func(t *testing.T) {
		cb, _ := newBreaker(WithFailureThreshold(1))
		cctx, cancel := context.WithCancel(ctx)

		err := cb.Execute(cctx, func() error {
			cancel()
			return cctx.Err()
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
		assert.ErrorIs(t, cb.Execute(cctx, succeed), context.Canceled)
	})

	t.Run("Reset closes an open circuit", func(t *testing.T) {
		cb, _ := newBreaker(WithFailureThreshold(1))
		_ = cb.Execute(ctx, fail)

		cb.Reset()

		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 0, cb.Metrics().CurrentFailures)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
