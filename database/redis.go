package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"go.uber.org/zap"
)

const redisPingTimeout = 2 * time.Second

// ProvideRedis returns nil when redis is disabled; consumers fall back to
// their in-memory implementations.
func ProvideRedis(cfg config.Config, log *logging.Service) (redis.UniversalClient, error) {
	if !cfg.Redis.Enabled {
		log.Debug("redis disabled in configuration")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		log.Error("failed to connect to redis",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("redis client connected", zap.String("addr", cfg.Redis.Addr))
	return client, nil
}
