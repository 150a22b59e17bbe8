// Package resilience guards backend adapters against hammering a store that
// is already failing. Each adapter routes driver calls through one named
// CircuitBreaker; an open circuit surfaces to callers as a fast error instead
// of a hung connection.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's position in the closed/open/half-open cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned without invoking the call while the circuit is
// open, or while a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit open")

// Settings parameterizes one breaker. Zero values fall back to defaults so a
// partially filled config still yields a working breaker.
type Settings struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before admitting a
	// single probe.
	Cooldown time.Duration
}

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 10 * time.Second
)

// CircuitBreaker is safe for concurrent use. While half-open it admits
// exactly one probe call; everything else is rejected until the probe
// reports back.
type CircuitBreaker struct {
	name     string
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func New(name string, s Settings, logger *slog.Logger) *CircuitBreaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = defaultFailureThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = defaultCooldown
	}
	return &CircuitBreaker{
		name:     name,
		settings: s,
		logger:   logger.WithGroup("breaker"),
		now:      time.Now,
		state:    StateClosed,
	}
}

// Execute runs fn unless the circuit rejects it. The call's own error is
// passed through untouched so adapters can classify it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// CurrentState reports the breaker position, which the adapters map onto
// their health signal.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// admit decides whether a call may proceed. An open circuit whose cooldown
// has elapsed moves to half-open and admits the caller as the probe.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.settings.Cooldown {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probing = false
	}
	if err != nil {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.settings.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
		return
	}
	cb.failures = 0
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		// Reopening after another failure in open only refreshes openedAt.
		return
	}
	from := cb.state
	cb.state = to
	switch to {
	case StateOpen:
		cb.logger.Warn("Circuit opened",
			"breaker", cb.name, "from", from.String(),
			"failures", cb.failures, "cooldown", cb.settings.Cooldown)
	case StateHalfOpen:
		cb.logger.Info("Circuit half-open, admitting probe", "breaker", cb.name)
	case StateClosed:
		cb.logger.Info("Circuit closed", "breaker", cb.name, "from", from.String())
	}
}
