package touriquest

import (
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a bucket of maxTokens that regains one token every
// refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		maxTokens:  maxTokens,
		tokens:     maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	if refill := int(elapsed / rl.refillRate); refill > 0 {
		rl.tokens += refill
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// Tokens returns the currently available token count.
func (rl *RateLimiter) Tokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens
}

// RateLimiterRegistry holds per-endpoint-class limiters with an optional
// fallback applied to classes without a dedicated limiter.
type RateLimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
	fallback *RateLimiter
}

// NewRateLimiterRegistry creates a registry with the given fallback limiter
// (nil means unlimited for unregistered classes).
func NewRateLimiterRegistry(fallback *RateLimiter) *RateLimiterRegistry {
	return &RateLimiterRegistry{
		limiters: make(map[string]*RateLimiter),
		fallback: fallback,
	}
}

// Register adds a dedicated limiter for an endpoint class.
func (r *RateLimiterRegistry) Register(class string, limiter *RateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[class] = limiter
}

// Allow checks the limiter for the given endpoint class, falling back to
// the default limiter. Classes without any limiter are always allowed.
func (r *RateLimiterRegistry) Allow(class string) (bool, *RateLimiter) {
	r.mu.RLock()
	limiter, exists := r.limiters[class]
	r.mu.RUnlock()

	if !exists {
		limiter = r.fallback
	}
	if limiter == nil {
		return true, nil
	}
	return limiter.Allow(), limiter
}
