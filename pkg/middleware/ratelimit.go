// Token bucket rate limiting for administrative endpoints.
//
// Design Notes:
//   - Lock-free token accounting via atomic CAS
//   - Per-key buckets (keyed by client IP) stored in sync.Map
//   - Refill is computed lazily from elapsed time on each check
//
// Complexity:
//   - Allow(): O(1) amortized
//   - Memory: ~200 bytes per key (bucket state + map overhead)
package middleware

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// TokenBucket implements a per-key token bucket rate limiter.
//
// Example usage:
//
//	// 1 request per second, burst of 5
//	limiter := NewTokenBucket(1, 5)
//	if limiter.Allow(clientIP) {
//	    handleRequest()
//	}
type TokenBucket struct {
	refillRate float64 // tokens per second
	bucketSize int64   // maximum tokens (burst capacity)

	// Per-key buckets. Key: string, Value: *bucket
	buckets sync.Map
}

// bucket represents a single token bucket.
type bucket struct {
	tokens     int64 // current token count (atomic)
	lastRefill int64 // last refill timestamp in nanoseconds (atomic)
	maxTokens  int64
	refillRate float64
}

// NewTokenBucket creates a rate limiter adding refillRate tokens per second
// per key, with a burst capacity of bucketSize.
func NewTokenBucket(refillRate float64, bucketSize int64) *TokenBucket {
	if refillRate <= 0 {
		panic("refillRate must be positive")
	}
	if bucketSize <= 0 {
		panic("bucketSize must be positive")
	}
	return &TokenBucket{refillRate: refillRate, bucketSize: bucketSize}
}

// Allow reports whether a request for the given key is within the limit.
// Thread-safe and lock-free.
func (tb *TokenBucket) Allow(key string) bool {
	if key == "" {
		return false
	}
	return tb.getOrCreateBucket(key).tryConsume(1)
}

func (tb *TokenBucket) getOrCreateBucket(key string) *bucket {
	if b, ok := tb.buckets.Load(key); ok {
		return b.(*bucket)
	}

	newBucket := &bucket{
		tokens:     tb.bucketSize,
		lastRefill: time.Now().UnixNano(),
		maxTokens:  tb.bucketSize,
		refillRate: tb.refillRate,
	}
	actual, _ := tb.buckets.LoadOrStore(key, newBucket)
	return actual.(*bucket)
}

// tryConsume attempts to consume n tokens, refilling lazily based on the
// time elapsed since the last refill. The refill interval is claimed by a
// CAS on lastRefill before tokens are credited, so two racing callers
// cannot both apply the same interval.
func (b *bucket) tryConsume(n int64) bool {
	for {
		now := time.Now().UnixNano()
		lastRefill := atomic.LoadInt64(&b.lastRefill)

		elapsed := time.Duration(now - lastRefill)
		tokensToAdd := int64(b.refillRate * elapsed.Seconds())

		if tokensToAdd > 0 {
			if !atomic.CompareAndSwapInt64(&b.lastRefill, lastRefill, now) {
				continue // another caller claimed this interval
			}
			for {
				current := atomic.LoadInt64(&b.tokens)
				refilled := current + tokensToAdd
				if refilled > b.maxTokens {
					refilled = b.maxTokens
				}
				if atomic.CompareAndSwapInt64(&b.tokens, current, refilled) {
					break
				}
			}
		}

		current := atomic.LoadInt64(&b.tokens)
		if current < n {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.tokens, current, current-n) {
			return true
		}
		// CAS lost, retry
	}
}

// KeyByIP extracts the client IP for per-IP rate limiting, stripping the
// port from RemoteAddr when present.
func KeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
