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
)

const floodMessage = "Terlalu banyak permintaan. Coba lagi sebentar lagi."

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
	// denied is set on the first denial and cleared only by eviction
	denied bool
}

// FloodGuard is a token bucket per client address across every public route.
// The map of buckets is bounded: once maxClients addresses are tracked, new
// addresses are refused until idle ones are evicted.
type FloodGuard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	full    bool

	limit      rate.Limit
	burst      int
	idle       time.Duration
	maxClients int

	onDenied func(ip string, first bool)
	onFull   func()
}

type FloodOption func(*FloodGuard)

// WithFloodRate allows burst requests at once, then perSecond.
func WithFloodRate(perSecond float64, burst int) FloodOption {
	return func(g *FloodGuard) {
		g.limit = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithIdleEviction drops buckets not seen for d.
func WithIdleEviction(d time.Duration) FloodOption {
	return func(g *FloodGuard) { g.idle = d }
}

// WithMaxClients caps tracked addresses. 0 means no cap.
func WithMaxClients(n int) FloodOption {
	return func(g *FloodGuard) { g.maxClients = n }
}

// WithOnDenied is called outside the lock for every refused request. first
// is true only for an address's first refusal since its bucket was created.
func WithOnDenied(fn func(ip string, first bool)) FloodOption {
	return func(g *FloodGuard) { g.onDenied = fn }
}

// WithOnFull is called once each time the guard reaches maxClients.
func WithOnFull(fn func()) FloodOption {
	return func(g *FloodGuard) { g.onFull = fn }
}

// NewFloodGuard starts idle eviction, which runs until ctx is done.
func NewFloodGuard(ctx context.Context, opts ...FloodOption) *FloodGuard {
	g := &FloodGuard{
		buckets:    map[string]*bucket{},
		limit:      20,
		burst:      40,
		idle:       5 * time.Minute,
		maxClients: 100_000,
	}
	for _, o := range opts {
		o(g)
	}
	go g.evictLoop(ctx)
	return g
}

func (g *FloodGuard) allow(ip string) bool {
	if ip == "" {
		ip = unknownKey
	}

	g.mu.Lock()
	b, ok := g.buckets[ip]
	if !ok && g.maxClients > 0 && len(g.buckets) >= g.maxClients {
		becameFull := !g.full
		g.full = true
		g.mu.Unlock()
		if becameFull && g.onFull != nil {
			g.onFull()
		}
		g.denied(ip, false)
		return false
	}
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(g.limit, g.burst)}
		g.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	allowed := b.tokens.Allow()
	first := !allowed && !b.denied
	if !allowed {
		b.denied = true
	}
	g.mu.Unlock()

	if !allowed {
		g.denied(ip, first)
	}
	return allowed
}

func (g *FloodGuard) denied(ip string, first bool) {
	if g.onDenied != nil {
		g.onDenied(ip, first)
	}
}

// evict drops buckets idle since before cutoff and returns how many remain
func (g *FloodGuard) evict(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ip, b := range g.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(g.buckets, ip)
		}
	}
	if g.maxClients == 0 || len(g.buckets) < g.maxClients {
		g.full = false
	}
	return len(g.buckets)
}

func (g *FloodGuard) evictLoop(ctx context.Context) {
	t := time.NewTicker(g.idle / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			g.evict(now.Add(-g.idle))
		}
	}
}

// retryAfter is the whole seconds until one token refills
func (g *FloodGuard) retryAfter() int {
	if g.limit <= 0 {
		return 60
	}
	return max(1, int(math.Ceil(1/float64(g.limit))))
}

// Middleware answers 429 with the JSON envelope once a client's bucket is
// empty. The client address comes from httpmw.ClientIP.
func (g *FloodGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.allow(AdmissionKey(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Retry-After", strconv.Itoa(g.retryAfter()))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(rejection{Success: false, Message: floodMessage})
	})
}
