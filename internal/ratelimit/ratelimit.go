package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-cms/internal/httpmw"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// reported is set on the first denial so a flood logs once; it resets
	// when the entry is evicted
	reported bool
}

type IPLimiter struct {
	mu      sync.Mutex
	clients map[string]*client

	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	now       func() time.Time

	onFirstDenied func(ip string)
	onDenied      func(ip string)
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket size. WithRate(1, 10) allows ten
// requests at once, then one per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle client is remembered.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithOnFirstDenied is called once per client per flood, for logging.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onFirstDenied = fn }
}

// WithOnDenied is called on every denial, for counting.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onDenied = fn }
}

// New starts the eviction loop, which stops with ctx.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		clients:   make(map[string]*client),
		perSecond: 2,
		burst:     20,
		ttl:       5 * time.Minute,
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.ttl <= 0 {
		l.ttl = 5 * time.Minute
	}
	go l.evictLoop(ctx)
	return l
}

// Allow reports whether ip may proceed. Hooks run outside the lock.
func (l *IPLimiter) Allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	allowed := c.limiter.AllowN(now, 1)
	first := !allowed && !c.reported
	if first {
		c.reported = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(ip)
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
	return false
}

func (l *IPLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(l.now())
		}
	}
}

func (l *IPLimiter) evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.clients, ip)
			n++
		}
	}
	return n
}

// retryAfter is the seconds until one token is back, at least 1.
func (l *IPLimiter) retryAfter() string {
	if l.perSecond <= 0 || l.perSecond == rate.Inf {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(l.perSecond)))))
}

// Middleware answers 429 in the API's JSON error shape. It keys on the IP
// resolved by httpmw.ClientIP, so that must run outside it. Preflight is not
// counted; browsers send it ahead of every cross-origin write.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	body, _ := json.MarshalIndent(map[string]string{"error": "Too many requests"}, "", "  ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !l.Allow(httpmw.ClientIPFromContext(r.Context())) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", l.retryAfter())
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write(body)
			return
		}
		next.ServeHTTP(w, r)
	})
}
