package main

import (
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

const maxLimiterEntries = 10000 // rotate when the current generation reaches this size

// rateLimiter keeps one token bucket per client IP. Buckets live in two generations so memory
// stays bounded without a sweeper: when the current map fills up it becomes the previous one,
// and clients seen in the previous generation carry their bucket forward on next use.
type rateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	current  *sync.Map
	previous *sync.Map
	count    atomic.Int64
}

// newRateLimiter allows perMinute requests per client with the given burst. A non-positive
// perMinute returns nil, and a nil *rateLimiter allows everything.
func newRateLimiter(perMinute float64, burst int) *rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		current:  &sync.Map{},
		previous: &sync.Map{},
	}
}

func (l *rateLimiter) Allow(addr string) bool {
	if l == nil {
		return true
	}

	ip := addr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		ip = host
	}

	if l.count.Load() >= maxLimiterEntries {
		l.rotate()
	}

	l.mu.RLock()
	current, previous := l.current, l.previous
	l.mu.RUnlock()

	if val, ok := current.Load(ip); ok {
		return val.(*rate.Limiter).Allow()
	}

	if val, ok := previous.Load(ip); ok {
		current.Store(ip, val)
		l.count.Add(1)
		return val.(*rate.Limiter).Allow()
	}

	val, loaded := current.LoadOrStore(ip, rate.NewLimiter(l.limit, l.burst))
	if !loaded {
		l.count.Add(1)
	}
	return val.(*rate.Limiter).Allow()
}

func (l *rateLimiter) rotate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count.Load() < maxLimiterEntries {
		return
	}
	l.previous = l.current
	l.current = &sync.Map{}
	l.count.Store(0)
}
