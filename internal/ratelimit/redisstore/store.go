// Package redisstore keeps admission entries in redis so several instances
// share counts. The read-decide-write sequence is serialised per instance
// only; two instances racing on one key can both admit, so this is shared
// bookkeeping and not a distributed counter.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/keithlinneman/topupstore/internal/ratelimit"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

const keyPrefix = "admission:"

// Client is the subset of redis.Cmdable the store uses
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Store struct {
	client Client
	// ttl outlives both the window and the lockout so nothing live expires
	ttl time.Duration
}

var _ ratelimit.Store = (*Store)(nil)

func New(client Client, window, lockout time.Duration) *Store {
	return &Store{client: client, ttl: window + lockout}
}

// Dial connects and pings, the returned client must be closed by the caller
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, xerrors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrapf(err, "redis ping %s", cfg.Addr)
	}
	return client, nil
}

// Ping lets readiness include the shared store
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) (ratelimit.Entry, bool, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ratelimit.Entry{}, false, nil
	}
	if err != nil {
		return ratelimit.Entry{}, false, xerrors.Wrap(err, "redis get")
	}

	var e ratelimit.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return ratelimit.Entry{}, false, xerrors.Wrap(err, "decode admission entry")
	}
	return e, true, nil
}

func (s *Store) Set(ctx context.Context, key string, e ratelimit.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return xerrors.Wrap(err, "encode admission entry")
	}
	if err := s.client.Set(ctx, keyPrefix+key, raw, s.ttl).Err(); err != nil {
		return xerrors.Wrap(err, "redis set")
	}
	return nil
}
