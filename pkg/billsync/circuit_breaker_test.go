package billsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	var states []CircuitBreakerState
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute},
		func(state CircuitBreakerState) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error { return errors.New("fail") })
		assert.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	// Third failure opens the circuit
	_ = cb.Execute(ctx, func() error { return errors.New("fail") })
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Failed probe reopens
	_ = cb.Execute(ctx, func() error { return errors.New("fail") })
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Minute)
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}, states)
}

func TestDefaultCircuitBreaker_DomainAnswersAreNotFailures(t *testing.T) {
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1}, nil)
	ctx := context.Background()

	err := cb.Execute(ctx, func() error { return ErrRecordNotFound })
	assert.ErrorIs(t, err, ErrRecordNotFound)
	err = cb.Execute(ctx, func() error { return ErrVersionConflict })
	assert.ErrorIs(t, err, ErrVersionConflict)

	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_Defaults(t *testing.T) {
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{}, nil)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
}

func TestDefaultCircuitBreaker_CanceledContext(t *testing.T) {
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
