// Circuit breaker around Block Run/Render calls — a SPEC_FULL supplement,
// advisory only: it never changes the semantics of a Plan's policy (halt/
// continue/retry still decide node and Run outcome), it only short-circuits
// calls to a Block id that has been failing repeatedly, surfacing that as a
// BLOCK_INTERNAL error immediately rather than waiting out a timeout.
// Adapted from the teacher's internal/engine/circuit_breaker.go.
package runner

import (
	"sync"
	"time"

	"github.com/yujihama/planrunner/pkg/planerr"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreakerConfig configures the per-block-id circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               circuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// circuitBreakerRegistry tracks one circuit breaker per block id.
type circuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

func newCircuitBreakerRegistry(cfg CircuitBreakerConfig) *circuitBreakerRegistry {
	return &circuitBreakerRegistry{breakers: map[string]*circuitBreaker{}, config: cfg}
}

func (r *circuitBreakerRegistry) getOrCreate(blockID string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[blockID]
	if !ok {
		cb = &circuitBreaker{state: circuitClosed, config: r.config}
		r.breakers[blockID] = cb
	}
	return cb
}

func (r *circuitBreakerRegistry) allow(blockID string) error {
	cb := r.getOrCreate(blockID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return nil
	case circuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = circuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return planerr.Newf(planerr.CodeBlockInternal,
			"circuit open for block %q: %d consecutive failures", blockID, cb.consecutiveFailures)
	case circuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return planerr.Newf(planerr.CodeBlockInternal, "circuit half-open for block %q: max test calls reached", blockID)
		}
		cb.halfOpenAttempts++
		return nil
	}
	return nil
}

func (r *circuitBreakerRegistry) recordSuccess(blockID string) {
	cb := r.getOrCreate(blockID)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = circuitClosed
}

func (r *circuitBreakerRegistry) recordFailure(blockID string) {
	cb := r.getOrCreate(blockID)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()
	if cb.state == circuitHalfOpen {
		cb.state = circuitOpen
		return
	}
	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = circuitOpen
	}
}
