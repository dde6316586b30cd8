package scheduler

import (
	"sync"
	"time"
)

// CircuitState is the current admission posture of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal admission
	CircuitHalfOpen                     // testing recovery with limited traffic
	CircuitOpen                         // rejecting new assignments
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards task assignment against an overloaded or
// unhealthy worker pool, grounded on the teacher's
// scheduler.CircuitBreaker but keyed on queue depth and worker
// saturation rather than agent dispatch, and with its thresholds
// pulled from Config instead of hardcoded — swarmctl runs in-process
// inside a caller's own process, where a 1000-task queue and a
// 30-second cooldown may be wildly wrong for the workload, unlike the
// teacher's network service where every deployment shared the same
// admission posture.
type CircuitBreaker struct {
	mu    sync.RWMutex
	state CircuitState

	queueThreshold      int
	saturationThreshold float64
	cooldownPeriod      time.Duration

	openedAt  time.Time
	testCount int
	testLimit int
}

// NewCircuitBreaker constructs a breaker that opens once queue depth
// exceeds queueThreshold or worker saturation exceeds
// saturationThreshold. cooldown is how long the breaker stays open
// before sampling recovery traffic; testLimit is how many half-open
// samples must pass before it closes again. Zero/negative values for
// saturationThreshold, cooldown, or testLimit fall back to production
// defaults (95% saturation, 30s cooldown, 5 test samples).
func NewCircuitBreaker(queueThreshold int, saturationThreshold float64, cooldown time.Duration, testLimit int) *CircuitBreaker {
	if saturationThreshold <= 0 {
		saturationThreshold = 0.95
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if testLimit <= 0 {
		testLimit = 5
	}
	return &CircuitBreaker{
		state:               CircuitClosed,
		queueThreshold:      queueThreshold,
		saturationThreshold: saturationThreshold,
		cooldownPeriod:      cooldown,
		testLimit:           testLimit,
	}
}

// ShouldAdmit reports whether a newly ready task should be pushed onto
// the queue given the current queue depth and worker saturation (the
// pool's mean worker load).
func (cb *CircuitBreaker) ShouldAdmit(queueDepth int, workerSaturation float64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		if queueDepth < cb.queueThreshold/2 && workerSaturation < cb.saturationThreshold {
			cb.state = CircuitClosed
			return true
		}
		return false
	}

	if queueDepth > cb.queueThreshold || workerSaturation > cb.saturationThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return false
	}

	return cb.state == CircuitClosed
}

// RecordSuccess notifies the breaker of a successful task completion.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
	}
}

// RecordFailure notifies the breaker of a task failure, re-opening the
// circuit immediately if it was testing recovery.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
