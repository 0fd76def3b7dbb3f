package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a client address may go unseen before its
// limiter is dropped.
const limiterIdleTTL = 10 * time.Minute

// RateLimit allows each client address rps requests per second with the
// given burst. rps <= 0 disables limiting.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiters := newClientLimiters(rps, burst, limiterIdleTTL, time.Now)

	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.get(clientAddr(r)).Allow() {
				writeError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters hands out one limiter per address and forgets addresses
// idle for longer than idle. Sweeps piggyback on lookups.
type clientLimiters struct {
	rps   rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newClientLimiters(rps float64, burst int, idle time.Duration, now func() time.Time) *clientLimiters {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiters{
		rps:       rate.Limit(rps),
		burst:     burst,
		idle:      idle,
		now:       now,
		visitors:  make(map[string]*visitor),
		lastSweep: now(),
	}
}

func (c *clientLimiters) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) >= c.idle {
		for k, v := range c.visitors {
			if now.Sub(v.lastSeen) >= c.idle {
				delete(c.visitors, k)
			}
		}
		c.lastSweep = now
	}

	v, ok := c.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(c.rps, c.burst)}
		c.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (c *clientLimiters) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.visitors)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
