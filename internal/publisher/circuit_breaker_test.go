package publisher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Hour})

	for i := 0; i < 2; i++ {
		assert.True(t, cb.allow())
		cb.recordFailure()
	}
	assert.Equal(t, circuitClosed, cb.currentState())

	assert.True(t, cb.allow())
	cb.recordFailure()
	assert.Equal(t, circuitOpen, cb.currentState())
	assert.False(t, cb.allow())
}

func TestCircuitBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond})

	cb.recordFailure()
	assert.Equal(t, circuitOpen, cb.currentState())

	time.Sleep(2 * time.Millisecond)
	assert.True(t, cb.allow())
	assert.Equal(t, circuitHalfOpen, cb.currentState())

	cb.recordSuccess()
	assert.Equal(t, circuitHalfOpen, cb.currentState())
	cb.recordSuccess()
	assert.Equal(t, circuitClosed, cb.currentState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newCircuitBreaker(circuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond})

	cb.recordFailure()
	time.Sleep(2 * time.Millisecond)
	assert.True(t, cb.allow())
	cb.recordFailure()
	assert.Equal(t, circuitOpen, cb.currentState())
}
