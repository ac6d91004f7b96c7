package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type Config struct {
	Addr     string `env:"ADDR" yaml:"addr"`
	Password string `env:"PASSWORD" yaml:"-"`
	DB       int    `env:"DB" envDefault:"0" yaml:"db"`
	Prefix   string `env:"PREFIX" envDefault:"smriti" yaml:"prefix"`
}

func (c Config) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// NewClient dials and pings Redis. Callers check cfg.Enabled first; Redis is
// optional for single-replica deployments.
func NewClient(ctx context.Context, log *logger.Logger, cfg Config) (goredis.UniversalClient, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        strings.TrimSpace(cfg.Addr),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis connected", "addr", cfg.Addr)
	return rdb, nil
}
