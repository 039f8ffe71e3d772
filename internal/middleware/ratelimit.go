package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const maxRateLimitEntries = 100000

// RateLimiter is a sliding-window limiter keyed by client IP. It expects
// chi's RealIP middleware to have set RemoteAddr.
type RateLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	requests map[string][]time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:      max,
		window:   window,
		now:      time.Now,
		requests: make(map[string][]time.Time),
	}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, resetIn := rl.check(clientIP(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.max))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetIn))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":   "Too many requests. Please slow down.",
				"resetIn": resetIn,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) check(ip string) (allowed bool, remaining int, resetIn int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	filtered := rl.pruneLocked(ip, now)

	if len(filtered) >= rl.max {
		resetSec := int(filtered[0].Add(rl.window).Sub(now).Seconds()) + 1
		rl.requests[ip] = filtered
		return false, 0, resetSec
	}

	if _, tracked := rl.requests[ip]; !tracked && len(rl.requests) >= maxRateLimitEntries {
		return false, 0, int(rl.window.Seconds())
	}

	filtered = append(filtered, now)
	rl.requests[ip] = filtered
	return true, rl.max - len(filtered), 0
}

func (rl *RateLimiter) pruneLocked(ip string, now time.Time) []time.Time {
	windowStart := now.Add(-rl.window)
	requests := rl.requests[ip]
	filtered := requests[:0]
	for _, t := range requests {
		if t.After(windowStart) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Sweep drops clients with no requests inside the window.
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip := range rl.requests {
		if filtered := rl.pruneLocked(ip, now); len(filtered) == 0 {
			delete(rl.requests, ip)
		} else {
			rl.requests[ip] = filtered
		}
	}
}

// StartSweeper runs Sweep every minute until stop is closed.
func (rl *RateLimiter) StartSweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
