package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"imgbed/internal/logging"
	"imgbed/internal/metrics"
)

const webhookPrefix = "/api/webhook/"

// Logger wraps a handler with request logging.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)

		// Skip probes and scrapes to reduce noise
		if r.URL.Path == "/api/health" || r.URL.Path == "/metrics" {
			return
		}

		logging.HTTP.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

// Metrics records a request counter per normalized route.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		metrics.HTTPRequest(r.Method, routeOf(r.URL.Path), strconv.Itoa(wrapped.status))
	})
}

// routeOf collapses channel names so labels stay bounded.
func routeOf(path string) string {
	switch {
	case strings.HasPrefix(path, webhookPrefix):
		return webhookPrefix + "{channel}"
	case path == "/api/health", path == "/metrics":
		return path
	}
	return "other"
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the rate limit per IP
	RequestsPerSecond float64
	// BurstSize is the maximum burst size allowed
	BurstSize int
	// IdleTimeout drops limiters of IPs not seen for this long
	IdleTimeout time.Duration
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		IdleTimeout:       10 * time.Minute,
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter manages per-IP rate limiters.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

func newIPRateLimiter(r float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

func (rl *ipRateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

// cleanup drops limiters idle for longer than idle and reports how many.
func (rl *ipRateLimiter) cleanup(now time.Time, idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, l := range rl.limiters {
		if now.Sub(l.lastSeen) > idle {
			delete(rl.limiters, ip)
			removed++
		}
	}
	return removed
}

// RateLimiter limits requests per client IP. Webhook deliveries are exempt:
// answering them with an error would only make Telegram redeliver.
type RateLimiter struct {
	cfg     RateLimitConfig
	ips     *ipRateLimiter
	stop    chan struct{}
	stopped sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its idle cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		cfg:  cfg,
		ips:  newIPRateLimiter(cfg.RequestsPerSecond, cfg.BurstSize),
		stop: make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.ips.cleanup(now, rl.cfg.IdleTimeout)
		}
	}
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopped.Do(func() { close(rl.stop) })
}

// Middleware applies the limit to next.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, webhookPrefix) {
			next.ServeHTTP(w, r)
			return
		}
		ip := extractIP(r)
		if !rl.ips.allow(ip, time.Now()) {
			logging.HTTP.Printf("rate limit exceeded for %s on %s %s", ip, r.Method, r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractIP gets the client IP from the request, checking X-Forwarded-For for proxied requests.
func extractIP(r *http.Request) string {
	// Check X-Forwarded-For header (set by reverse proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP (original client)
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// RemoteAddr is in the form "IP:port", so strip the port
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
