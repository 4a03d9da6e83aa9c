package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/tickstock/relay/internal/monitoring"
)

// ErrCircuitOpen is returned when the breaker rejects an operation without
// touching the bus.
var ErrCircuitOpen = errors.New("bus: circuit breaker open")

// State is the circuit breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker opens after threshold consecutive failures inside a rolling window
// and rejects operations until resetAfter elapses. The first operation after
// the reset timer is a half-open probe: success closes the breaker, failure
// re-opens it.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time

	threshold  int
	window     time.Duration
	resetAfter time.Duration

	now func() time.Time // injectable clock for tests
}

// NewBreaker creates a breaker with the given consecutive-failure threshold,
// rolling window, and reset timer.
func NewBreaker(threshold int, window, resetAfter time.Duration) *Breaker {
	return &Breaker{
		threshold:  threshold,
		window:     window,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// Allow reports whether an operation may proceed. In the open state it
// returns ErrCircuitOpen until the reset timer elapses, at which point the
// breaker transitions to half-open and admits a single probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.resetAfter {
			b.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// Record registers the outcome of an operation.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	if b.state == StateHalfOpen {
		// Probe failed: straight back to open.
		b.openedAt = b.now()
		b.setState(StateOpen)
		return
	}

	now := b.now()
	if b.failures == 0 || now.Sub(b.firstFailure) > b.window {
		// Start a fresh window.
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++

	if b.failures >= b.threshold {
		b.openedAt = now
		b.setState(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s State) {
	b.state = s
	monitoring.BusCircuitState.Set(float64(s))
}
