// Package ratelimit provides a deterministic frames-per-second admission
// limiter for peer sessions.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so limiter behavior is testable.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoPerFrame is the fixed-point scale: one frame credit is 1e9
// nano-credits, so a rate of X frames/sec accrues X nano-credits per
// nanosecond. Integer fixed-point avoids float rounding drift.
const nanoPerFrame int64 = int64(time.Second)

// FrameLimiter is a token bucket over frame admissions. A rate <= 0
// disables limiting entirely.
type FrameLimiter struct {
	mu sync.Mutex

	clock Clock

	ratePerSecond int64 // frames/sec; also the burst capacity

	availableNano int64
	last          time.Time
}

func NewFrameLimiter(clock Clock, framesPerSecond int) *FrameLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	l := &FrameLimiter{
		clock:         clock,
		ratePerSecond: int64(framesPerSecond),
	}
	if l.ratePerSecond > 0 {
		l.availableNano = l.ratePerSecond * nanoPerFrame
		l.last = clock.Now()
	}
	return l
}

// Allow consumes one frame credit if available.
func (l *FrameLimiter) Allow() bool {
	if l.ratePerSecond <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.availableNano < nanoPerFrame {
		return false
	}
	l.availableNano -= nanoPerFrame
	return true
}

func (l *FrameLimiter) refillLocked() {
	now := l.clock.Now()
	if now.Before(l.last) {
		// Time went backwards; move the reference point without refilling.
		l.last = now
		return
	}
	elapsed := now.Sub(l.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	l.last = now

	capacity := l.ratePerSecond * nanoPerFrame
	need := capacity - l.availableNano
	if need <= 0 {
		l.availableNano = capacity
		return
	}

	// ratePerSecond frames/sec equals nano-credits per nanosecond. Clamp to
	// capacity before multiplying to avoid overflow on long idle gaps.
	if elapsed >= need/l.ratePerSecond {
		l.availableNano = capacity
		return
	}
	l.availableNano += elapsed * l.ratePerSecond
}
