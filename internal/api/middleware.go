package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CORSConfig controls cross-origin access to the admin API
type CORSConfig struct {
	Enabled          bool     `toml:"enabled" json:"enabled"`
	AllowedOrigins   []string `toml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods   []string `toml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string `toml:"allowed_headers" json:"allowed_headers"`
	AllowCredentials bool     `toml:"allow_credentials" json:"allow_credentials"`
	MaxAge           int      `toml:"max_age" json:"max_age"`
}

// CORSMiddleware answers preflight requests and sets CORS headers for
// whitelisted origins
type CORSMiddleware struct {
	config CORSConfig
}

// NewCORSMiddleware creates a new CORS middleware
func NewCORSMiddleware(config CORSConfig) *CORSMiddleware {
	if len(config.AllowedMethods) == 0 {
		config.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(config.AllowedHeaders) == 0 {
		config.AllowedHeaders = []string{"Content-Type", "Authorization"}
	}
	if config.MaxAge == 0 {
		config.MaxAge = 86400
	}
	return &CORSMiddleware{config: config}
}

func (cm *CORSMiddleware) allowedOrigin(origin string) (string, bool) {
	for _, o := range cm.config.AllowedOrigins {
		switch o {
		case "*":
			return "*", true
		case origin:
			return origin, true
		}
	}
	return "", false
}

// Handler returns the CORS middleware handler
func (cm *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cm.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		allowed, ok := cm.allowedOrigin(origin)
		if !ok && origin != "" {
			if r.Method == http.MethodOptions {
				http.Error(w, "Origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if ok {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			if cm.config.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Allow-Methods", strings.Join(cm.config.AllowedMethods, ", "))
			h.Set("Access-Control-Allow-Headers", strings.Join(cm.config.AllowedHeaders, ", "))
			h.Set("Access-Control-Max-Age", strconv.Itoa(cm.config.MaxAge))
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig holds per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool     `toml:"enabled" json:"enabled"`
	RequestsPerSecond float64  `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int      `toml:"burst" json:"burst"`
	TrustedProxies    []string `toml:"trusted_proxies" json:"trusted_proxies"`
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware provides per-IP rate limiting
type RateLimitMiddleware struct {
	mu              sync.Mutex
	limiters        map[string]*clientLimiter
	rate            rate.Limit
	burst           int
	idleAfter       time.Duration
	cleanupInterval time.Duration
	enabled         bool
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	trustedProxies  []netip.Prefix
}

// NewRateLimitMiddleware creates a new rate limit middleware. Unparsable
// trusted proxy entries are ignored.
func NewRateLimitMiddleware(config RateLimitConfig) *RateLimitMiddleware {
	if !config.Enabled {
		return &RateLimitMiddleware{enabled: false}
	}

	requestsPerSecond := config.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10.0
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 20
	}

	rl := &RateLimitMiddleware{
		limiters:        make(map[string]*clientLimiter),
		rate:            rate.Limit(requestsPerSecond),
		burst:           burst,
		idleAfter:       10 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		enabled:         true,
		stopCleanup:     make(chan struct{}),
		trustedProxies:  parseTrustedProxies(config.TrustedProxies),
	}
	go rl.cleanupLoop()
	return rl
}

func parseTrustedProxies(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			if p, err := netip.ParsePrefix(e); err == nil {
				out = append(out, p.Masked())
			}
			continue
		}
		if addr, err := netip.ParseAddr(e); err == nil {
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return out
}

// Stop stops the cleanup goroutine
func (rl *RateLimitMiddleware) Stop() {
	if rl.enabled {
		rl.stopOnce.Do(func() { close(rl.stopCleanup) })
	}
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.evictIdle(now)
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimitMiddleware) evictIdle(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, c := range rl.limiters {
		if now.Sub(c.lastSeen) > rl.idleAfter {
			delete(rl.limiters, ip)
			n++
		}
	}
	return n
}

func (rl *RateLimitMiddleware) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.limiters[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// extractIP returns the client address. Forwarding headers are honored
// only when the direct peer is a trusted proxy; the rightmost untrusted
// X-Forwarded-For entry wins.
func extractIP(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}

	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		for i := len(ips) - 1; i >= 0; i-- {
			candidate := strings.TrimSpace(ips[i])
			if candidate != "" && !isTrustedProxy(candidate, trustedProxies) {
				return candidate
			}
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return remoteIP
}

func isTrustedProxy(ipStr string, trustedProxies []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Limit applies rate limiting
func (rl *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.getLimiter(extractIP(r, rl.trustedProxies)).Allow() {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs each request at debug level
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)
			logger.Debug("Admin API request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", wrapper.statusCode,
				"duration", time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
