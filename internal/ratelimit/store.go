package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Entry is the admission state for one client address. A zero LockoutUntil
// means no lockout.
type Entry struct {
	Count        int       `json:"count"`
	WindowStart  time.Time `json:"window_start"`
	LockoutUntil time.Time `json:"lockout_until,omitzero"`
}

// Store persists admission entries. Get reports ok=false for unknown keys.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
}

// MemoryStore is the single-instance Store. Entries whose window and lockout
// have both passed are pruned in the background; a pruned key and an expired
// key are handled the same way by the Admitter.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Prune drops entries that no longer affect any decision at now
func (s *MemoryStore) Prune(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if now.Sub(e.WindowStart) > window && !now.Before(e.LockoutUntil) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// RunPruner prunes every interval until ctx is done
func (s *MemoryStore) RunPruner(ctx context.Context, interval, window time.Duration, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune(now(), window)
		}
	}
}
