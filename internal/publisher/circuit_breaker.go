package publisher

import (
	"sync"
	"time"
)

// circuitState is a connection's health as tracked by the outbound loop's
// circuit breaker around broker publish attempts.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuitBreakerConfig tunes how many consecutive publish failures open the
// breaker, how many half-open successes close it again, and how long it
// stays open before probing.
type circuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// defaultCircuitBreakerConfig mirrors the outbound loop's own 50ms publish
// cadence: five failures is one quarter-second of a dead broker before the
// loop stops burning publish attempts, and a one-minute cooldown is long
// enough to not thrash a broker that's mid-restart.
var defaultCircuitBreakerConfig = circuitBreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          1 * time.Minute,
}

// circuitBreaker guards the outbound loop's publish attempts against a
// broker that's accepting TCP connections but rejecting every publish (a
// degraded state the MQTT client's own AutoReconnect doesn't catch, since
// the transport itself stays up).
type circuitBreaker struct {
	mu              sync.Mutex
	cfg             circuitBreakerConfig
	state           circuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

func newCircuitBreaker(cfg circuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{cfg: cfg, state: circuitClosed}
}

// allow reports whether a publish attempt should proceed right now.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if time.Since(cb.lastFailureTime) > cb.cfg.Timeout {
			cb.state = circuitHalfOpen
			cb.successCount = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		cb.failureCount = 0
	case circuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.state = circuitClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case circuitClosed:
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.state = circuitOpen
		}
	case circuitHalfOpen:
		cb.state = circuitOpen
		cb.successCount = 0
	}
}

func (cb *circuitBreaker) currentState() circuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
