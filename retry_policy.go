package touriquest

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/azddineharchaoui/touriquest-go/internal/backoff"
)

// RetryDecision is the outcome of consulting a RetryPolicy after a failed
// attempt.
type RetryDecision struct {
	// Retry indicates the attempt should be repeated after Delay.
	Retry bool
	// Delay is how long to wait before the next attempt.
	Delay time.Duration
	// AmbiguousOutcome indicates a non-idempotent write failed mid-flight:
	// the request must not be retried and the caller is told the server may
	// or may not have applied it.
	AmbiguousOutcome bool
}

// RetryPolicy decides whether a failed attempt is repeated.
type RetryPolicy interface {
	ShouldRetry(d *RequestDescriptor, resp *Response, err error, attempt int) RetryDecision
}

// BackoffStrategy selects the delay calculation algorithm.
type BackoffStrategy int

const (
	// ExponentialJitter is exponential backoff with uniform jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter is AWS-style decorrelated jitter.
	DecorrelatedJitter
)

// DefaultRetryPolicy retries classified-transient failures only: network
// errors, per-attempt timeouts and responses whose status is on the
// configured allow-list. Non-idempotent writes without an idempotency key
// are never retried after a mid-flight failure.
type DefaultRetryPolicy struct {
	maxAttempts       int
	baseDelay         time.Duration
	maxDelay          time.Duration
	backoffMultiplier float64
	jitter            float64
	retryableStatuses map[int]struct{}
	calculator        backoff.Strategy
}

// NewDefaultRetryPolicy builds the policy from a RetryConfig. Zero fields
// fall back to the defaults from DefaultRetryConfig.
func NewDefaultRetryPolicy(cfg RetryConfig) *DefaultRetryPolicy {
	defaults := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = defaults.Jitter
	}
	if len(cfg.RetryableStatusCodes) == 0 {
		cfg.RetryableStatusCodes = defaults.RetryableStatusCodes
	}

	statuses := make(map[int]struct{}, len(cfg.RetryableStatusCodes))
	for _, code := range cfg.RetryableStatusCodes {
		statuses[code] = struct{}{}
	}

	policy := &DefaultRetryPolicy{
		maxAttempts:       cfg.MaxAttempts,
		baseDelay:         cfg.BaseDelay,
		maxDelay:          cfg.MaxDelay,
		backoffMultiplier: cfg.BackoffMultiplier,
		jitter:            cfg.Jitter,
		retryableStatuses: statuses,
	}

	switch cfg.BackoffStrategy {
	case DecorrelatedJitter:
		policy.calculator = backoff.DecorrelatedJitter{}
	default:
		policy.calculator = backoff.ExponentialJitter{}
	}

	return policy
}

// ShouldRetry implements RetryPolicy. attempt is the zero-based index of the
// attempt that just failed.
func (p *DefaultRetryPolicy) ShouldRetry(d *RequestDescriptor, resp *Response, err error, attempt int) RetryDecision {
	if err != nil {
		// The attempt failed at the network level after the request may
		// already have reached the server. Only idempotent requests are
		// safe to repeat.
		if !d.IsIdempotent() {
			return RetryDecision{AmbiguousOutcome: true}
		}
		if attempt+1 >= p.maxAttempts {
			return RetryDecision{}
		}
		return RetryDecision{Retry: true, Delay: p.delay(attempt, 0)}
	}

	if resp == nil {
		return RetryDecision{}
	}

	if _, retryable := p.retryableStatuses[resp.StatusCode]; !retryable {
		// Deterministic outcome; retrying would only waste the breaker's
		// error budget.
		return RetryDecision{}
	}

	if attempt+1 >= p.maxAttempts {
		return RetryDecision{}
	}

	serverDelay := parseRetryAfter(resp.Header.Get("Retry-After"))
	return RetryDecision{Retry: true, Delay: p.delay(attempt, serverDelay)}
}

func (p *DefaultRetryPolicy) delay(attempt int, serverDelay time.Duration) time.Duration {
	if serverDelay > 0 {
		return serverDelay
	}
	return p.calculator.Calculate(attempt, p.baseDelay, p.maxDelay, p.backoffMultiplier, p.jitter)
}

// parseRetryAfter parses a Retry-After header in either delay-seconds or
// HTTP-date format. Values above one hour are capped.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget bounds the total number of retries issued across all requests
// within a rolling window, stopping retry storms when a dependency degrades.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a budget of maxRetries per window.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow reports whether another retry fits in the current window.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}

	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns the current usage, the limit and the window start time.
func (rb *RetryBudget) Stats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
