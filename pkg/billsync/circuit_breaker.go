package billsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to a failing dependency.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after a run of consecutive failures and
// lets a single probe through once the reset timeout elapsed.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	now                 func() time.Time

	// ignore lists errors that are answers, not failures (for example ErrRecordNotFound).
	ignore []error

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a circuit breaker from cfg.
func NewDefaultCircuitBreaker(cfg CircuitBreakerConfig, onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		now:              time.Now,
		ignore:           []error{ErrRecordNotFound, ErrRecordExists, ErrVersionConflict, ErrCustomerInUse},
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.changeState(StateHalfOpen)
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && !cb.ignored(err) {
		cb.failure()
		return err
	}
	cb.success()
	return err
}

func (cb *DefaultCircuitBreaker) ignored(err error) bool {
	for _, e := range cb.ignore {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	switch cb.currentState() {
	case StateHalfOpen:
		cb.openedAt = cb.now()
		cb.changeState(StateOpen)
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.openedAt = cb.now()
			cb.changeState(StateOpen)
		}
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}
