package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestAdmitter(opts ...AdmitterOption) (*Admitter, *fakeClock, *MemoryStore) {
	clk := newFakeClock()
	store := NewMemoryStore()
	all := append([]AdmitterOption{WithClock(clk.Now), WithStore(store)}, opts...)
	return NewAdmitter(all...), clk, store
}

func mustAdmit(t *testing.T, a *Admitter, key string) Decision {
	t.Helper()
	d, err := a.Admit(context.Background(), key)
	if err != nil {
		t.Fatalf("Admit(%q): %v", key, err)
	}
	return d
}

func TestAdmit_ThreeAllowedFourthLocksOut(t *testing.T) {
	a, clk, store := newTestAdmitter()

	for i := 1; i <= 3; i++ {
		d := mustAdmit(t, a, "198.51.100.7")
		if !d.Allowed || d.Count != i {
			t.Fatalf("submission %d: %+v, want allowed with count %d", i, d, i)
		}
		clk.Advance(time.Minute)
	}

	d := mustAdmit(t, a, "198.51.100.7")
	if d.Allowed || d.Reason != ReasonThrottled {
		t.Fatalf("4th submission: %+v, want throttled", d)
	}
	if d.RetryAfter != DefaultLockout {
		t.Fatalf("RetryAfter = %v, want %v", d.RetryAfter, DefaultLockout)
	}

	e, _, _ := store.Get(context.Background(), "198.51.100.7")
	if want := clk.Now().Add(DefaultLockout); !e.LockoutUntil.Equal(want) {
		t.Fatalf("LockoutUntil = %v, want %v", e.LockoutUntil, want)
	}
}

func TestAdmit_LockedUntilExpiry(t *testing.T) {
	a, clk, store := newTestAdmitter()
	for i := 0; i < 4; i++ {
		mustAdmit(t, a, "k")
	}
	before, _, _ := store.Get(context.Background(), "k")

	clk.Advance(DefaultLockout - time.Second)
	d := mustAdmit(t, a, "k")
	if d.Allowed || d.Reason != ReasonLocked {
		t.Fatalf("during lockout: %+v, want locked", d)
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("RetryAfter = %v, want 1s", d.RetryAfter)
	}
	after, _, _ := store.Get(context.Background(), "k")
	if after != before {
		t.Fatalf("locked submission mutated entry: %+v -> %+v", before, after)
	}

	// exactly at lockoutUntil the lockout is over
	clk.Advance(time.Second)
	if d := mustAdmit(t, a, "k"); !d.Allowed {
		t.Fatalf("at lockout expiry: %+v, want allowed", d)
	}
}

func TestAdmit_AfterLockoutFreshWindow(t *testing.T) {
	a, clk, store := newTestAdmitter()
	for i := 0; i < 4; i++ {
		mustAdmit(t, a, "k")
	}
	clk.Advance(DefaultLockout + time.Minute)

	d := mustAdmit(t, a, "k")
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("after lockout: %+v, want allowed with count 1", d)
	}
	e, _, _ := store.Get(context.Background(), "k")
	if !e.LockoutUntil.IsZero() || !e.WindowStart.Equal(clk.Now()) {
		t.Fatalf("entry not reset: %+v", e)
	}

	// the fresh window has the full budget again
	mustAdmit(t, a, "k")
	mustAdmit(t, a, "k")
	if d := mustAdmit(t, a, "k"); d.Reason != ReasonThrottled {
		t.Fatalf("4th in fresh window: %+v, want throttled", d)
	}
}

func TestAdmit_WindowExpiryRestartsCount(t *testing.T) {
	a, clk, store := newTestAdmitter()

	mustAdmit(t, a, "k")
	clk.Advance(DefaultWindow + time.Second)

	d := mustAdmit(t, a, "k")
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("after window: %+v, want allowed with count 1", d)
	}
	e, _, _ := store.Get(context.Background(), "k")
	if !e.LockoutUntil.IsZero() {
		t.Fatalf("unexpected lockout: %+v", e)
	}
}

func TestAdmit_WindowBoundaryInclusive(t *testing.T) {
	a, clk, _ := newTestAdmitter(WithMaxPerWindow(1))
	mustAdmit(t, a, "k")

	// now - windowStart == window is still inside the window
	clk.Advance(DefaultWindow)
	if d := mustAdmit(t, a, "k"); d.Allowed {
		t.Fatalf("at window boundary: %+v, want throttled", d)
	}
}

func TestAdmit_KeysIndependent(t *testing.T) {
	a, _, _ := newTestAdmitter(WithMaxPerWindow(1))
	mustAdmit(t, a, "a")
	if d := mustAdmit(t, a, "a"); d.Allowed {
		t.Fatal("second submission for a should be rejected")
	}
	if d := mustAdmit(t, a, "b"); !d.Allowed {
		t.Fatal("b should have its own window")
	}
}

func TestAdmit_EmptyKeySharesUnknownBucket(t *testing.T) {
	a, _, store := newTestAdmitter()
	mustAdmit(t, a, "")
	if _, ok, _ := store.Get(context.Background(), "unknown"); !ok {
		t.Fatal("empty key should be stored as unknown")
	}
}

func TestAdmit_OnDecision(t *testing.T) {
	var got []Decision
	a, _, _ := newTestAdmitter(
		WithMaxPerWindow(1),
		WithOnDecision(func(key string, d Decision) { got = append(got, d) }),
	)
	mustAdmit(t, a, "k")
	mustAdmit(t, a, "k")
	mustAdmit(t, a, "k")

	if len(got) != 3 {
		t.Fatalf("OnDecision calls = %d, want 3", len(got))
	}
	if got[0].Reason != ReasonNone || got[1].Reason != ReasonThrottled || got[2].Reason != ReasonLocked {
		t.Fatalf("reasons = %q %q %q", got[0].Reason, got[1].Reason, got[2].Reason)
	}
}

func TestAdmit_ConcurrentNeverExceedsMax(t *testing.T) {
	a, _, _ := newTestAdmitter()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := a.Admit(context.Background(), "k"); err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != DefaultMaxPerWindow {
		t.Fatalf("allowed = %d, want %d", allowed, DefaultMaxPerWindow)
	}
}

func TestMemoryStore_PruneInvisible(t *testing.T) {
	a, clk, store := newTestAdmitter()
	mustAdmit(t, a, "k")
	mustAdmit(t, a, "k")

	clk.Advance(DefaultWindow + time.Second)
	if n := store.Prune(clk.Now(), DefaultWindow); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if d := mustAdmit(t, a, "k"); !d.Allowed || d.Count != 1 {
		t.Fatalf("after prune: %+v, want allowed with count 1", d)
	}
}

func TestMemoryStore_PruneKeepsLockedEntries(t *testing.T) {
	a, clk, store := newTestAdmitter()
	for i := 0; i < 4; i++ {
		mustAdmit(t, a, "k")
	}
	clk.Advance(DefaultWindow + time.Minute)
	if n := store.Prune(clk.Now(), DefaultWindow); n != 0 {
		t.Fatalf("pruned %d locked entries, want 0", n)
	}
	if d := mustAdmit(t, a, "k"); d.Reason != ReasonLocked {
		t.Fatalf("after prune: %+v, want locked", d)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("store down")
}
func (failingStore) Set(context.Context, string, Entry) error { return errors.New("store down") }

func TestAdmitterMiddleware_Rejects(t *testing.T) {
	a, clk, _ := newTestAdmitter()
	h := a.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		if w := makeRequestWithIP(h, "203.0.113.9"); w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i+1, w.Code)
		}
	}

	w := makeRequestWithIP(h, "203.0.113.9")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("4th: got %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "18000" {
		t.Fatalf("Retry-After = %q, want 18000", got)
	}
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Success || !strings.Contains(body.Message, "5 Jam") {
		t.Fatalf("body = %+v", body)
	}

	clk.Advance(4*time.Hour + 30*time.Minute)
	w = makeRequestWithIP(h, "203.0.113.9")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("locked: got %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1800" {
		t.Fatalf("Retry-After = %q, want 1800", got)
	}
	if !strings.Contains(w.Body.String(), "Banned 1 Jam") {
		t.Fatalf("locked body = %s", w.Body.String())
	}
}

func TestAdmitterMiddleware_FailsOpen(t *testing.T) {
	a := NewAdmitter(WithStore(failingStore{}))
	w := makeRequestWithIP(a.Middleware(okHandler()), "203.0.113.9")
	if w.Code != http.StatusOK {
		t.Fatalf("store failure: got %d, want 200", w.Code)
	}
}

func TestAdmitterMiddleware_UnresolvedClientsShareBucket(t *testing.T) {
	a, _, _ := newTestAdmitter()
	h := a.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		if w := makeRequestWithIP(h, ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i+1, w.Code)
		}
	}
	if w := makeRequestWithIP(h, ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("4th without address: got %d, want 429", w.Code)
	}
	if w := makeRequestWithIP(h, "203.0.113.10"); w.Code != http.StatusOK {
		t.Fatalf("resolved client caught in the unknown bucket: got %d", w.Code)
	}
}
