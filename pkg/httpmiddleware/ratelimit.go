package httpmiddleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
)

// RateLimitConfig configures the sliding window rate limiter guarding the
// webhook endpoint.
type RateLimitConfig struct {
	// Max is the maximum number of requests allowed per window.
	Max int
	// Window is the duration of each sliding window.
	Window time.Duration
	// KeyFunc extracts the limiter key from a request. When nil the client
	// IP is used, honoring X-Forwarded-For so limits apply per caller even
	// behind a load balancer.
	KeyFunc func(*http.Request) string
}

// counters holds request counts for two adjacent windows. The sliding
// estimate weighs the previous window by its remaining overlap.
type counters struct {
	prev      float64
	curr      float64
	currStart time.Time
}

type limiter struct {
	cfg       RateLimitConfig
	mu        sync.Mutex
	keys      map[string]*counters
	lastSweep time.Time
}

// allow reports whether the request identified by key fits the limit, along
// with the remaining budget and the current window's reset time.
func (l *limiter) allow(key string, now time.Time) (remaining int, resetAt time.Time, allowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Stale keys are evicted inline rather than by a background goroutine;
	// webhook traffic keeps the map small enough for that to stay cheap.
	if now.Sub(l.lastSweep) >= 2*l.cfg.Window {
		for k, c := range l.keys {
			if now.Sub(c.currStart) >= 2*l.cfg.Window {
				delete(l.keys, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.keys[key]
	if !ok {
		c = &counters{currStart: now}
		l.keys[key] = c
	}

	if now.Sub(c.currStart) >= l.cfg.Window {
		if now.Sub(c.currStart) >= 2*l.cfg.Window {
			c.prev = 0
		} else {
			c.prev = c.curr
		}
		c.curr = 0
		c.currStart = now.Truncate(l.cfg.Window)
	}

	overlap := 1.0 - now.Sub(c.currStart).Seconds()/l.cfg.Window.Seconds()
	if overlap < 0 {
		overlap = 0
	}
	estimate := c.prev*overlap + c.curr
	resetAt = c.currStart.Add(l.cfg.Window)

	if estimate >= float64(l.cfg.Max) {
		return 0, resetAt, false
	}

	c.curr++
	remaining = int(float64(l.cfg.Max) - estimate - 1)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, resetAt, true
}

// RateLimit returns a middleware enforcing a per-key sliding window limit.
// Rejected requests get 429 with the standard failure envelope; every
// response carries X-RateLimit-Limit, X-RateLimit-Remaining, and
// X-RateLimit-Reset headers.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientIP
	}
	l := &limiter{cfg: cfg, keys: make(map[string]*counters)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, resetAt, allowed := l.allow(cfg.KeyFunc(r), time.Now())

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Max))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				retryAfter := time.Until(resetAt)
				if retryAfter < 0 {
					retryAfter = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))

				var e jx.Encoder
				e.ObjStart()
				e.FieldStart("success")
				e.Bool(false)
				e.FieldStart("error")
				e.Str("rate limit exceeded")
				e.ObjEnd()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write(e.Bytes())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the caller address, preferring X-Forwarded-For, then
// X-Real-IP, then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
