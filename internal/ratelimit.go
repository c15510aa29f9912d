package internal

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// rateLimiter is a per-client token bucket. Buckets idle for longer than ttl
// are dropped so the table does not grow with every address ever seen.
type rateLimiter struct {
	mu        sync.Mutex
	store     map[string]*rateEntry
	rps       float64
	burst     float64
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type rateEntry struct {
	tokens float64
	last   time.Time
}

// NewRateLimitHandler wraps next with a per-client limit of rps requests per
// second. A non-positive rps disables limiting.
func NewRateLimitHandler(next http.Handler, rps int64, burst int64, ttl time.Duration) http.Handler {
	if rps <= 0 {
		return next
	}
	limiter := newRateLimiter(float64(rps), float64(burst), ttl)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(clientIP(r)) {
			IncRejection("rate_limited")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newRateLimiter(rps, burst float64, ttl time.Duration) *rateLimiter {
	if burst <= 0 {
		burst = rps
		if burst < 1 {
			burst = 1
		}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &rateLimiter{
		store: make(map[string]*rateEntry),
		rps:   rps,
		burst: burst,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.ttl {
		for k, entry := range l.store {
			if now.Sub(entry.last) > l.ttl {
				delete(l.store, k)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.store[key]
	if !ok {
		l.store[key] = &rateEntry{tokens: l.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(entry.last).Seconds()
	entry.tokens += elapsed * l.rps
	if entry.tokens > l.burst {
		entry.tokens = l.burst
	}
	entry.last = now

	if entry.tokens < 1 {
		return false
	}
	entry.tokens--
	return true
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// ClientIP returns the best-effort originating address of a request.
func ClientIP(r *http.Request) string {
	return clientIP(r)
}
