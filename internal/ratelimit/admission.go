package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/keithlinneman/topupstore/internal/httpmw"
	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

const (
	DefaultWindow       = 10 * time.Minute
	DefaultMaxPerWindow = 3
	DefaultLockout      = 5 * time.Hour

	// unknownKey is shared by every request whose address could not be resolved
	unknownKey = "unknown"
)

type Reason string

const (
	ReasonNone Reason = ""
	// ReasonThrottled means this submission hit the cap and started the lockout
	ReasonThrottled Reason = "throttled"
	// ReasonLocked means a lockout was already active
	ReasonLocked Reason = "locked"
)

type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	// Count is the window count after this submission
	Count int
}

// Admitter is the order admission limiter. At most Max submissions are
// allowed per Window for a key; the submission after that locks the key out
// for Lockout. A lockout is always checked before the window.
type Admitter struct {
	mu sync.Mutex

	store   Store
	now     func() time.Time
	window  time.Duration
	max     int
	lockout time.Duration
	logger  log.Logger

	onDecision func(key string, d Decision)
}

type AdmitterOption func(*Admitter)

func WithStore(s Store) AdmitterOption {
	return func(a *Admitter) { a.store = s }
}

func WithClock(now func() time.Time) AdmitterOption {
	return func(a *Admitter) { a.now = now }
}

func WithWindow(d time.Duration) AdmitterOption {
	return func(a *Admitter) { a.window = d }
}

func WithMaxPerWindow(n int) AdmitterOption {
	return func(a *Admitter) { a.max = n }
}

func WithLockout(d time.Duration) AdmitterOption {
	return func(a *Admitter) { a.lockout = d }
}

func WithLogger(l log.Logger) AdmitterOption {
	return func(a *Admitter) { a.logger = l }
}

// WithOnDecision is called after every decision, outside the lock
func WithOnDecision(fn func(key string, d Decision)) AdmitterOption {
	return func(a *Admitter) { a.onDecision = fn }
}

func NewAdmitter(opts ...AdmitterOption) *Admitter {
	a := &Admitter{
		now:     time.Now,
		window:  DefaultWindow,
		max:     DefaultMaxPerWindow,
		lockout: DefaultLockout,
		logger:  log.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.store == nil {
		a.store = NewMemoryStore()
	}
	return a
}

func (a *Admitter) Window() time.Duration { return a.window }

// Admit records a submission for key and decides whether it may proceed
func (a *Admitter) Admit(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		key = unknownKey
	}

	a.mu.Lock()
	d, err := a.admitLocked(ctx, key)
	a.mu.Unlock()
	if err != nil {
		return Decision{}, err
	}

	if a.onDecision != nil {
		a.onDecision(key, d)
	}
	return d, nil
}

func (a *Admitter) admitLocked(ctx context.Context, key string) (Decision, error) {
	now := a.now()

	e, ok, err := a.store.Get(ctx, key)
	if err != nil {
		return Decision{}, xerrors.Wrapf(err, "get admission entry %s", key)
	}

	if !ok {
		e = Entry{Count: 1, WindowStart: now}
		if err := a.store.Set(ctx, key, e); err != nil {
			return Decision{}, xerrors.Wrapf(err, "set admission entry %s", key)
		}
		return Decision{Allowed: true, Count: 1}, nil
	}

	if !e.LockoutUntil.IsZero() {
		if now.Before(e.LockoutUntil) {
			return Decision{Reason: ReasonLocked, RetryAfter: e.LockoutUntil.Sub(now), Count: e.Count}, nil
		}
		e = Entry{Count: 0, WindowStart: now}
	}

	d := Decision{Allowed: true}
	switch {
	case now.Sub(e.WindowStart) > a.window:
		e.Count = 1
		e.WindowStart = now
	case e.Count >= a.max:
		e.LockoutUntil = now.Add(a.lockout)
		d = Decision{Reason: ReasonThrottled, RetryAfter: a.lockout}
	default:
		e.Count++
	}
	d.Count = e.Count

	if err := a.store.Set(ctx, key, e); err != nil {
		return Decision{}, xerrors.Wrapf(err, "set admission entry %s", key)
	}
	return d, nil
}

// AdmissionKey is the limiter key for a request
func AdmissionKey(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return unknownKey
}

type rejection struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func rejectionMessage(d Decision) string {
	if d.Reason == ReasonThrottled {
		return fmt.Sprintf("Terlalu banyak pesanan dalam waktu singkat. Anda diblokir selama %d Jam.", hoursCeil(d.RetryAfter))
	}
	return fmt.Sprintf("Akses order diblokir karena aktivitas spam (Banned %d Jam).", hoursCeil(d.RetryAfter))
}

func hoursCeil(d time.Duration) int {
	h := int(math.Ceil(d.Hours()))
	if h < 1 {
		h = 1
	}
	return h
}

// Middleware admits each request through the limiter. A store failure lets
// the request through and is logged.
func (a *Admitter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := AdmissionKey(r)

		d, err := a.Admit(ctx, key)
		if err != nil {
			a.logger.Error(ctx, err, "order admission store failed, allowing request", "client_ip", key)
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rejection{Success: false, Message: rejectionMessage(d)})
			return
		}
		next.ServeHTTP(w, r)
	})
}
