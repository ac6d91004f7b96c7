package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// TickLock lets exactly one replica act on a scheduler tick. The key expires
// on its own, so a crashed holder never blocks later ticks.
type TickLock struct {
	rdb    goredis.UniversalClient
	prefix string
}

func NewTickLock(rdb goredis.UniversalClient, prefix string) *TickLock {
	if prefix == "" {
		prefix = "smriti"
	}
	return &TickLock{rdb: rdb, prefix: prefix}
}

func (l *TickLock) Key(name string) string { return l.prefix + ":tick:" + name }

func (l *TickLock) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.Key(name), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}
