package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/keithlinneman/topupstore/internal/ratelimit"
)

type fakeClient struct {
	data    map[string]string
	ttls    map[string]time.Duration
	failGet error
	pingErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeClient) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.failGet != nil {
		return redis.NewStringResult("", f.failGet)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(ctx context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func TestStore_Ping(t *testing.T) {
	fc := newFakeClient()
	s := New(fc, time.Minute, time.Hour)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	fc.pingErr = errors.New("connection refused")
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
}

func TestStore_MissingKey(t *testing.T) {
	s := New(newFakeClient(), time.Minute, time.Hour)
	_, ok, err := s.Get(context.Background(), "203.0.113.1")
	if err != nil || ok {
		t.Fatalf("Get missing = ok %v err %v, want false nil", ok, err)
	}
}

func TestStore_RoundTripWithPrefixAndTTL(t *testing.T) {
	fc := newFakeClient()
	s := New(fc, 10*time.Minute, 5*time.Hour)
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := ratelimit.Entry{Count: 3, WindowStart: start, LockoutUntil: start.Add(5 * time.Hour)}

	if err := s.Set(context.Background(), "203.0.113.1", in); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := fc.data["admission:203.0.113.1"]; !ok {
		t.Fatalf("key not prefixed: %v", fc.data)
	}
	if got := fc.ttls["admission:203.0.113.1"]; got != 5*time.Hour+10*time.Minute {
		t.Fatalf("ttl = %v", got)
	}

	out, ok, err := s.Get(context.Background(), "203.0.113.1")
	if err != nil || !ok {
		t.Fatalf("Get: ok %v err %v", ok, err)
	}
	if out.Count != 3 || !out.WindowStart.Equal(start) || !out.LockoutUntil.Equal(in.LockoutUntil) {
		t.Fatalf("entry = %+v, want %+v", out, in)
	}
}

func TestStore_GetError(t *testing.T) {
	fc := newFakeClient()
	fc.failGet = errors.New("connection refused")
	s := New(fc, time.Minute, time.Hour)
	if _, _, err := s.Get(context.Background(), "k"); err == nil {
		t.Fatal("expected error")
	}
}

func TestStore_CorruptEntry(t *testing.T) {
	fc := newFakeClient()
	fc.data["admission:k"] = "not json"
	s := New(fc, time.Minute, time.Hour)
	if _, _, err := s.Get(context.Background(), "k"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStore_DrivesAdmitter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(newFakeClient(), ratelimit.DefaultWindow, ratelimit.DefaultLockout)
	a := ratelimit.NewAdmitter(ratelimit.WithStore(s), ratelimit.WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if d, err := a.Admit(context.Background(), "k"); err != nil || !d.Allowed {
			t.Fatalf("submission %d: %+v %v", i+1, d, err)
		}
	}
	d, err := a.Admit(context.Background(), "k")
	if err != nil || d.Reason != ratelimit.ReasonThrottled {
		t.Fatalf("4th: %+v %v, want throttled", d, err)
	}
}

func TestDial_RequiresAddr(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
