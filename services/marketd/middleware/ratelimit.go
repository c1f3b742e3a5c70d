package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorCeiling = 4096
	visitorIdle    = 10 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per remote address with a token
// bucket. Idle buckets are swept once the visitor table grows past a
// ceiling, so long running daemons do not accumulate one entry per
// client forever.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// NewRateLimiter builds a limiter admitting requestsPerMinute requests
// with the given burst per client.
func NewRateLimiter(requestsPerMinute float64, burst int) *RateLimiter {
	perSecond := requestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		now:       time.Now,
	}
}

// Handler wraps next with the per-client throttle.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientID(r)) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(id string) bool {
	l.mu.Lock()
	entry, ok := l.visitors[id]
	if !ok {
		if len(l.visitors) >= visitorCeiling {
			l.sweep()
		}
		entry = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[id] = entry
	}
	entry.lastSeen = l.now()
	l.mu.Unlock()
	return entry.limiter.Allow()
}

// sweep drops idle visitors. Callers hold the lock.
func (l *RateLimiter) sweep() {
	cutoff := l.now().Add(-visitorIdle)
	for id, entry := range l.visitors {
		if entry.lastSeen.Before(cutoff) {
			delete(l.visitors, id)
		}
	}
}

func clientID(r *http.Request) string {
	// chi's RealIP middleware has already folded the forwarding
	// headers into RemoteAddr when present.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
