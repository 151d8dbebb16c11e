package locker

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/verdant/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	LC  fx.Lifecycle
	Cfg config.Config
	Log *zap.Logger
}

// NewRedisClient returns the shared redis client, or nil when no redis
// endpoint is configured. Callers must tolerate a nil client.
func NewRedisClient(p Params) *redis.Client {
	if !p.Cfg.RedisEnabled() {
		p.Log.Info("redis not configured, running without distributed coordination")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(p.Cfg.RedisAddr),
		Password: strings.TrimSpace(p.Cfg.RedisPassword),
		DB:       p.Cfg.RedisDB,
	})

	p.LC.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Module = fx.Module("locker",
	fx.Provide(NewRedisClient),
	fx.Provide(New),
)
