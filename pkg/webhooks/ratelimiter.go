package webhooks

import (
	"sync"
	"time"
)

// endpointLimiter is a token bucket per endpoint. A slow or flapping
// endpoint exhausts its own bucket and its deliveries slide to the next
// dispatcher pass instead of stalling everyone else's.
type endpointLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	maxTokens  int
	refillRate time.Duration
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

func newEndpointLimiter(maxTokens int, refillRate time.Duration) *endpointLimiter {
	return &endpointLimiter{
		buckets:    make(map[string]*bucket),
		maxTokens:  maxTokens,
		refillRate: refillRate,
	}
}

// allow takes a token for the endpoint, refilling one token per refillRate
// elapsed since the last refill.
func (l *endpointLimiter) allow(endpointID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[endpointID]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: now}
		l.buckets[endpointID] = b
	}

	if elapsed := now.Sub(b.lastRefill); elapsed >= l.refillRate {
		refill := int(elapsed / l.refillRate)
		b.tokens += refill
		if b.tokens > l.maxTokens {
			b.tokens = l.maxTokens
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(refill) * l.refillRate)
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
