package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := NewBreaker(5, 30*time.Second, 30*time.Second)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)
	errBoom := errors.New("boom")

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Record(errBoom)
		assert.Equal(t, StateClosed, b.State())
	}

	require.NoError(t, b.Allow())
	b.Record(errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	errBoom := errors.New("boom")

	for i := 0; i < 4; i++ {
		b.Record(errBoom)
	}
	b.Record(nil)
	b.Record(errBoom)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerWindowExpiryStartsFreshCount(t *testing.T) {
	b, clock := newTestBreaker(t)
	errBoom := errors.New("boom")

	for i := 0; i < 4; i++ {
		b.Record(errBoom)
	}

	// Past the rolling window the old failures no longer count.
	*clock = clock.Add(31 * time.Second)
	b.Record(errBoom)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(t)
	errBoom := errors.New("boom")

	for i := 0; i < 5; i++ {
		b.Record(errBoom)
	}
	require.Equal(t, StateOpen, b.State())

	// Before the reset timer: still rejecting.
	*clock = clock.Add(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// After the reset timer: one probe admitted.
	*clock = clock.Add(2 * time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// Failed probe reopens immediately.
	b.Record(errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// Next probe succeeds and closes the breaker.
	*clock = clock.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
