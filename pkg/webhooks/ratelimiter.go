package webhooks

import (
	"sync"
	"time"
)

// RateLimiter is a per-webhook token bucket. Each webhook gets its own
// bucket so one receiver's burst cannot consume another's budget.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*tokenBucket
	maxTokens    int
	refillPeriod time.Duration
}

type tokenBucket struct {
	mu           sync.Mutex
	tokens       int
	maxTokens    int
	refillPeriod time.Duration
	lastRefill   time.Time
}

// NewRateLimiter creates a limiter allowing maxRequests per period per
// webhook.
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets:      make(map[string]*tokenBucket),
		maxTokens:    maxRequests,
		refillPeriod: period,
	}
}

// Allow reports whether a delivery to the webhook may proceed now.
func (rl *RateLimiter) Allow(webhookID string) bool {
	rl.mu.Lock()
	bucket, exists := rl.buckets[webhookID]
	if !exists {
		bucket = &tokenBucket{
			tokens:       rl.maxTokens,
			maxTokens:    rl.maxTokens,
			refillPeriod: rl.refillPeriod,
			lastRefill:   time.Now(),
		}
		rl.buckets[webhookID] = bucket
	}
	rl.mu.Unlock()

	return bucket.take()
}

// Reset clears the webhook's bucket, restoring its full budget.
func (rl *RateLimiter) Reset(webhookID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, webhookID)
}

// Remaining reports how many deliveries the webhook has left this period.
func (rl *RateLimiter) Remaining(webhookID string) int {
	rl.mu.Lock()
	bucket, exists := rl.buckets[webhookID]
	rl.mu.Unlock()

	if !exists {
		return rl.maxTokens
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	bucket.refill()
	return bucket.tokens
}

func (tb *tokenBucket) take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// refill adds tokens for fully elapsed periods. Caller holds the lock.
func (tb *tokenBucket) refill() {
	elapsed := time.Since(tb.lastRefill)
	if elapsed < tb.refillPeriod {
		return
	}
	periods := int(elapsed / tb.refillPeriod)
	tb.tokens = min(tb.tokens+periods, tb.maxTokens)
	tb.lastRefill = tb.lastRefill.Add(time.Duration(periods) * tb.refillPeriod)
}
