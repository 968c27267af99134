package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// usageTTL keeps counters a little past their day so a client straddling
// midnight still reads a consistent value, then lets redis reclaim them.
const usageTTL = 48 * time.Hour

// Store keeps the persisted daily usage counters. INCR gives the per-key
// atomic increment the quota design relies on.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func usageKey(identity, date string) string {
	return fmt.Sprintf("usage:%s:%s", identity, date)
}

// UsageCount reads the counter for (identity, date). A missing key is zero.
func (s *Store) UsageCount(ctx context.Context, identity, date string) (int, error) {
	n, err := s.rdb.Get(ctx, usageKey(identity, date)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// IncrementUsage bumps the counter, creating it with a TTL on first use.
func (s *Store) IncrementUsage(ctx context.Context, identity, date string) error {
	key := usageKey(identity, date)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 1 {
		return s.rdb.Expire(ctx, key, usageTTL).Err()
	}
	return nil
}
