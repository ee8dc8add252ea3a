/*
Package limiter provides per-IP rate limiting.

Each client address gets its own token bucket (rate.Limiter); a background goroutine
evicts buckets that have refilled completely so idle addresses do not accumulate.
*/
package limiter

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"spachat/internal/pkg/errs"
	"spachat/internal/pkg/logx"
	"spachat/internal/pkg/resp"
)

const cleanupInterval = 3 * time.Minute

// IPRateLimiter holds one token bucket per client IP address.
type IPRateLimiter struct {
	mu     sync.RWMutex
	limits map[string]*rate.Limiter

	// r is the refill rate in events per second, b the bucket size.
	r rate.Limit
	b int

	stop chan struct{}
	once sync.Once
}

// NewIPRateLimiter creates a limiter with refill rate r and burst b and starts its cleanup loop.
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	i := &IPRateLimiter{
		limits: make(map[string]*rate.Limiter),
		r:      r,
		b:      b,
		stop:   make(chan struct{}),
	}

	go i.cleanUpVisitors(cleanupInterval)

	return i
}

// GetLimiter returns the bucket for ip, creating it on first use.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.RLock()
	limiter, exists := i.limits[ip]
	i.mu.RUnlock()

	if exists {
		return limiter
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	limiter, exists = i.limits[ip]
	if !exists {
		limiter = rate.NewLimiter(i.r, i.b)
		i.limits[ip] = limiter
	}

	return limiter
}

// Allow reports whether the request from remoteAddr may proceed.
func (i *IPRateLimiter) Allow(remoteAddr string) bool {
	return i.GetLimiter(ClientIP(remoteAddr)).Allow()
}

// Len returns the number of tracked addresses.
func (i *IPRateLimiter) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.limits)
}

// Close stops the cleanup loop.
func (i *IPRateLimiter) Close() {
	i.once.Do(func() { close(i.stop) })
}

func (i *IPRateLimiter) cleanUpVisitors(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-i.stop:
			return
		case now := <-ticker.C:
			removed := i.prune(now)
			logx.Debug("Rate limiter cleanup finished.", "removed", removed, "active", i.Len())
		}
	}
}

// prune drops every bucket that is full at now, i.e. has seen no recent traffic.
func (i *IPRateLimiter) prune(now time.Time) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	removed := 0
	for ip, limiter := range i.limits {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(i.limits, ip)
			removed++
		}
	}
	return removed
}

// Middleware rejects requests over the limit with ErrRateLimitExceeded (HTTP 429).
func (i *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !i.Allow(r.RemoteAddr) {
			logx.Warn("Request rejected: rate limit exceeded.", "remote_ip", logx.AnonymizeIP(r.RemoteAddr))
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP strips the port from a RemoteAddr value.
func ClientIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	if ip == "" {
		ip = "unknown_ip"
	}

	return ip
}
