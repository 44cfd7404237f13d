package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/clock"
)

// Decision is the outcome of one rate limit lookup.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetIn is the time until the current window ends.
	ResetIn time.Duration
}

// Limiter counts one request against key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimit rejects requests over the limit with 429 and Retry-After. When the limiter itself
// fails, failOpen decides between serving the request and answering 503.
func RateLimit(l Limiter, logger *slog.Logger, failOpen bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), clientKey(r))
			if err != nil {
				if logger != nil {
					logger.Warn("rate limiter error", "err", err)
				}
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, http.StatusServiceUnavailable, "unavailable", "rate limiter unavailable")
				return
			}
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.ResetIn)))
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// MemoryLimiter is a fixed-window limiter local to one process.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu        sync.Mutex
	windows   map[string]*window
	nextPrune time.Time
}

type window struct {
	count int
	reset time.Time
}

func NewMemoryLimiter(limit int, every time.Duration, clk clock.Clock) *MemoryLimiter {
	limit, every = limiterDefaults(limit, every)
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryLimiter{limit: limit, window: every, clock: clk, windows: map[string]*window{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	w := l.windows[key]
	if w == nil || !now.Before(w.reset) {
		w = &window{reset: now.Add(l.window)}
		l.windows[key] = w
	}
	d := Decision{Limit: l.limit, ResetIn: w.reset.Sub(now)}
	if w.count >= l.limit {
		return d, nil
	}
	w.count++
	d.Allowed = true
	d.Remaining = l.limit - w.count
	return d, nil
}

// prune drops expired windows at most once per window length.
func (l *MemoryLimiter) prune(now time.Time) {
	if now.Before(l.nextPrune) {
		return
	}
	for k, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, k)
		}
	}
	l.nextPrune = now.Add(l.window)
}

func limiterDefaults(limit int, every time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = 60
	}
	if every <= 0 {
		every = time.Minute
	}
	return limit, every
}

// clientKey scopes limits per tenant when the gateway forwarded one, else per client address.
func clientKey(r *http.Request) string {
	if tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-Id")); tenantID != "" {
		return "tenant:" + tenantID
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}
