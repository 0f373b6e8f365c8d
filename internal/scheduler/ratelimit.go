package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// tokenBucket is a thread-safe token bucket with partial refill.
type tokenBucket struct {
	capacity   int
	tokens     float64
	rate       float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(capacity int, rate float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// take attempts to consume a token.
func (tb *tokenBucket) take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > float64(tb.capacity) {
			tb.tokens = float64(tb.capacity)
		}
		tb.lastRefill = now
	}
	if tb.tokens >= 1 {
		tb.tokens -= 1
		return true
	}
	return false
}

// alertLimiter enforces a per-user cap on relayed alerts so one noisy
// symbol cannot storm a user's connections. Capacity 0 disables limiting.
type alertLimiter struct {
	capacity int
	rate     float64

	mu      sync.Mutex
	buckets map[uuid.UUID]*tokenBucket
}

func newAlertLimiter(capacity int, rate float64) *alertLimiter {
	return &alertLimiter{
		capacity: capacity,
		rate:     rate,
		buckets:  make(map[uuid.UUID]*tokenBucket),
	}
}

// allow reports whether an alert may be delivered to the user right now.
func (l *alertLimiter) allow(userID uuid.UUID) bool {
	if l.capacity <= 0 {
		return true
	}
	l.mu.Lock()
	tb, ok := l.buckets[userID]
	if !ok {
		tb = newTokenBucket(l.capacity, l.rate)
		l.buckets[userID] = tb
	}
	l.mu.Unlock()
	return tb.take()
}
