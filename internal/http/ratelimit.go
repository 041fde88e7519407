package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedClients caps the limiter map so rotating source addresses cannot
// grow it without bound.
const maxTrackedClients = 4096

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-client token bucket. Safe for concurrent use.
type RateLimiter struct {
	rpm   int
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter allows rpm requests per minute per client with the given
// burst. rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{rpm: rpm, burst: burst, now: time.Now, clients: make(map[string]*clientLimiter)}
}

// Enabled reports whether requests are limited at all.
func (r *RateLimiter) Enabled() bool { return r != nil && r.rpm > 0 }

// Allow reports whether key may make one more request now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[key]
	if !ok {
		if len(r.clients) >= maxTrackedClients {
			r.pruneLocked(now)
		}
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(float64(r.rpm)/60), r.burst)}
		r.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// pruneLocked drops clients idle for over a minute, then arbitrary ones until
// there is room.
func (r *RateLimiter) pruneLocked(now time.Time) {
	for k, c := range r.clients {
		if now.Sub(c.lastSeen) >= time.Minute {
			delete(r.clients, k)
		}
	}
	for len(r.clients) >= maxTrackedClients {
		for k := range r.clients {
			delete(r.clients, k)
			break
		}
	}
}
