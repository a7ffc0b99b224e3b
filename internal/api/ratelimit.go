package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a per-IP token bucket. Each IP gets rate requests per
// window; the bucket refills completely once the window has passed.
type RateLimiter struct {
	mu           sync.Mutex
	requests     map[string]*bucket
	rate         int
	window       time.Duration
	maxCacheSize int
	now          func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows rate requests per window per IP. A rate <= 0
// disables limiting.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:     make(map[string]*bucket),
		rate:         rate,
		window:       window,
		maxCacheSize: 10000,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	if rate > 0 {
		go rl.cleanup(10 * time.Minute)
	}
	return rl
}

// Allow reports whether ip may make another request now.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.rate <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.requests[ip]
	if !ok {
		if len(rl.requests) >= rl.maxCacheSize {
			rl.evictStale(now)
		}
		rl.requests[ip] = &bucket{tokens: rl.rate - 1, lastRefill: now}
		return true
	}

	if now.Sub(b.lastRefill) >= rl.window {
		b.tokens = rl.rate - 1
		b.lastRefill = now
		return true
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// evictStale drops idle buckets, then an arbitrary tenth if still full.
func (rl *RateLimiter) evictStale(now time.Time) {
	for ip, b := range rl.requests {
		if now.Sub(b.lastRefill) > rl.window*2 {
			delete(rl.requests, ip)
		}
	}
	if len(rl.requests) < rl.maxCacheSize {
		return
	}
	toRemove := len(rl.requests) / 10
	for ip := range rl.requests {
		if toRemove <= 0 {
			break
		}
		delete(rl.requests, ip)
		toRemove--
	}
}

// Middleware rejects over-limit requests with 429 and a JSON message.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeMessage(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
			return
		}
		next(w, r)
	}
}

// Stop ends the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// clientIP uses the TCP peer only; X-Forwarded-For is client-controlled.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		now := rl.now()
		for ip, b := range rl.requests {
			if now.Sub(b.lastRefill) > rl.window*2 {
				delete(rl.requests, ip)
			}
		}
		rl.mu.Unlock()
	}
}
