// Package ratelimit provides the per-connection message rate limiter the
// relay applies to inbound signaling frames.
package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 units, so a rate of N tokens/sec refills exactly N units
// per elapsed nanosecond. Integer arithmetic keeps refill deterministic.
const unitsPerToken int64 = int64(time.Second)

// Limiter is a token bucket with integer rate (tokens/sec) and burst
// capacity, driven by an injectable Clock.
type Limiter struct {
	mu sync.Mutex

	clock Clock
	rate  int64 // tokens per second
	burst int64 // units

	available int64 // units
	last      time.Time
}

// NewLimiter returns a full bucket holding burst tokens that refills at rate
// tokens per second. Non-positive rate never refills; non-positive burst
// rejects every take.
func NewLimiter(clock Clock, rate, burst int64) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}
	if rate < 0 {
		rate = 0
	}
	if burst < 0 {
		burst = 0
	}
	capacity := toUnits(burst)
	return &Limiter{
		clock:     clock,
		rate:      rate,
		burst:     capacity,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow takes one token, reporting whether it was available.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN takes n tokens atomically. n <= 0 always succeeds.
func (l *Limiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toUnits(n)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.available < cost {
		return false
	}
	l.available -= cost
	return true
}

func (l *Limiter) refill() {
	now := l.clock.Now()
	elapsed := now.Sub(l.last)
	l.last = now
	// A clock that moved backwards only shifts the reference point.
	if elapsed <= 0 {
		return
	}
	if l.rate <= 0 || l.burst <= 0 || l.available >= l.burst {
		return
	}

	// elapsed*rate overflows for long idle stretches; anything long enough to
	// fill the bucket clamps to the burst capacity.
	missing := l.burst - l.available
	if fillTime := missing / l.rate; fillTime <= 0 || elapsed.Nanoseconds() >= fillTime {
		l.available = l.burst
		return
	}

	l.available += elapsed.Nanoseconds() * l.rate
	if l.available > l.burst {
		l.available = l.burst
	}
}

func toUnits(tokens int64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/unitsPerToken {
		return maxInt64
	}
	return tokens * unitsPerToken
}
