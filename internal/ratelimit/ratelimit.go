// Package ratelimit implements a per-client token bucket rate limiter for the
// HTTP API. Tokens are refilled lazily on each call; there is no background goroutine.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Maximum tokens in bucket. 0 = RequestsPerMinute.
}

// Limiter keeps an independent bucket per client ID.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter. If RequestsPerMinute is 0, Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token for clientID or returns ErrRateLimited.
func (l *Limiter) Allow(clientID string) error {
	if l == nil || l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(clientID)
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// RetryAfter returns how long clientID must wait for the next token.
func (l *Limiter) RetryAfter(clientID string) time.Duration {
	if l == nil || l.rate <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(clientID)
	if b.tokens >= 1 {
		return 0
	}
	secs := (1 - b.tokens) / l.rate
	return time.Duration(math.Ceil(secs)) * time.Second
}

// refill must be called with l.mu held.
func (l *Limiter) refill(clientID string) *bucket {
	now := l.now()
	b, ok := l.clients[clientID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[clientID] = b
		return b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastFill).Seconds()*l.rate)
	b.lastFill = now
	return b
}
