// Package ratelimit throttles the public gateway routes per client address.
// It sits in front of credential checks so token guessing is bounded; quota
// accounting for authorized agents lives in the circuit package.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is a token bucket per key. Each key holds up to rate tokens and
// refills at rate per window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter allowing rate requests per window for each key. A
// non-positive rate disables limiting.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

func (l *Limiter) Enabled() bool { return l != nil && l.rate > 0 }

// Must be called with l.mu held.
func (l *Limiter) bucket(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.rate), lastRefill: l.now()}
		l.buckets[key] = b
	}
	now := l.now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * float64(l.rate) / l.window.Seconds()
		if b.tokens > float64(l.rate) {
			b.tokens = float64(l.rate)
		}
		b.lastRefill = now
	}
	return b
}

// Allow consumes one token for key. The second result is the time until a
// token is available again when the request is refused.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucket(key)
	if b.tokens < 1 {
		perToken := l.window.Seconds() / float64(l.rate)
		wait := time.Duration((1 - b.tokens) * perToken * float64(time.Second))
		return false, wait
	}
	b.tokens--
	return true, 0
}

// Remaining reports the whole tokens left for key.
func (l *Limiter) Remaining(key string) int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.bucket(key).tokens)
}

// Sweep drops buckets that have been full for at least one window, and
// returns how many remain.
func (l *Limiter) Sweep() int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for k, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
	return len(l.buckets)
}

// Run sweeps idle buckets every window until stop is closed.
func (l *Limiter) Run(stop <-chan struct{}) {
	if !l.Enabled() {
		return
	}
	t := time.NewTicker(l.window)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
