package touriquest

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name for logs and metrics.
func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds circuit breaker configuration. A breaker trips
// when FailureThreshold failures accumulate within MonitoringPeriod, or,
// when ExpectedFailureRate is set, when the observed failure rate exceeds it
// over at least ten outcomes in the window.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	MonitoringPeriod    time.Duration
	SuccessThreshold    int
	ExpectedFailureRate float64
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		MonitoringPeriod: time.Minute,
		SuccessThreshold: 1,
	}
}

// rateMinSamples is the minimum number of window outcomes before the
// failure-rate trip condition applies.
const rateMinSamples = 10

// CircuitBreaker is a three-state breaker scoped to one endpoint class.
// While open it fails fast without issuing transport calls; after the
// recovery timeout exactly one trial call is let through.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state       int64
	failures    int64
	total       int64
	windowStart int64
	lastFailure int64
	successes   int64
	trial       int32
}

// NewCircuitBreaker creates a breaker, filling zero config fields with
// defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.MonitoringPeriod <= 0 {
		config.MonitoringPeriod = defaults.MonitoringPeriod
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}

	return &CircuitBreaker{
		config:      config,
		state:       int64(StateClosed),
		windowStart: time.Now().UnixNano(),
	}
}

// Allow reports whether a call may be attempted. In the open state it
// transitions to half-open once the recovery timeout has elapsed, and the
// caller that wins the transition owns the single trial call.
func (cb *CircuitBreaker) Allow() bool {
	now := time.Now().UnixNano()

	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		return true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if now-lastFailure >= int64(cb.config.RecoveryTimeout) {
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
				atomic.StoreInt64(&cb.successes, 0)
				atomic.StoreInt32(&cb.trial, 1)
				return true
			}
		}
		return false
	case StateHalfOpen:
		// Exactly one trial call at a time.
		return atomic.CompareAndSwapInt32(&cb.trial, 0, 1)
	default:
		return false
	}
}

// Tripped reports whether the breaker is open and the recovery timeout has
// not yet elapsed. Unlike Allow it never claims the half-open trial, so it
// is safe as a fail-fast pre-check for requests that are attempted later
// (batched items).
func (cb *CircuitBreaker) Tripped() bool {
	if CircuitState(atomic.LoadInt64(&cb.state)) != StateOpen {
		return false
	}
	lastFailure := atomic.LoadInt64(&cb.lastFailure)
	return time.Now().UnixNano()-lastFailure < int64(cb.config.RecoveryTimeout)
}

// RecordFailure records a terminal failure outcome.
func (cb *CircuitBreaker) RecordFailure() {
	now := time.Now().UnixNano()
	atomic.StoreInt64(&cb.lastFailure, now)

	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		cb.rollWindow(now)
		failures := atomic.AddInt64(&cb.failures, 1)
		total := atomic.AddInt64(&cb.total, 1)
		if failures >= int64(cb.config.FailureThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateOpen))
			return
		}
		if cb.config.ExpectedFailureRate > 0 && total >= rateMinSamples {
			if float64(failures)/float64(total) >= cb.config.ExpectedFailureRate {
				atomic.StoreInt64(&cb.state, int64(StateOpen))
			}
		}
	case StateOpen:
		// lastFailure already refreshed, which restarts the recovery timer.
	case StateHalfOpen:
		atomic.StoreInt64(&cb.state, int64(StateOpen))
		atomic.StoreInt64(&cb.successes, 0)
		atomic.StoreInt32(&cb.trial, 0)
	}
}

// RecordSuccess records a terminal success outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	now := time.Now().UnixNano()

	switch CircuitState(atomic.LoadInt64(&cb.state)) {
	case StateClosed:
		cb.rollWindow(now)
		atomic.AddInt64(&cb.total, 1)
	case StateOpen:
		// A stray success while open does not close the breaker.
	case StateHalfOpen:
		successes := atomic.AddInt64(&cb.successes, 1)
		if successes >= int64(cb.config.SuccessThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateClosed))
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.total, 0)
			atomic.StoreInt64(&cb.windowStart, now)
		}
		atomic.StoreInt32(&cb.trial, 0)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

func (cb *CircuitBreaker) rollWindow(now int64) {
	windowStart := atomic.LoadInt64(&cb.windowStart)
	if now-windowStart >= int64(cb.config.MonitoringPeriod) {
		if atomic.CompareAndSwapInt64(&cb.windowStart, windowStart, now) {
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.total, 0)
		}
	}
}

// BreakerRegistry lazily creates one CircuitBreaker per endpoint class so a
// failing payments dependency cannot trip calls to properties or bookings.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewBreakerRegistry creates a registry whose breakers share config.
func NewBreakerRegistry(config CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns the breaker for the given endpoint class, creating it on
// first use.
func (r *BreakerRegistry) Get(class string) *CircuitBreaker {
	r.mu.RLock()
	breaker, exists := r.breakers[class]
	r.mu.RUnlock()
	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if breaker, exists = r.breakers[class]; exists {
		return breaker
	}
	breaker = NewCircuitBreaker(r.config)
	r.breakers[class] = breaker
	return breaker
}
