package revocation

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/audit"
	"github.com/tech-arch1tect/tokenguard/services/jwt"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/tokenstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OptionalDB struct {
	fx.In
	DB *gorm.DB `optional:"true"`
}

type OptionalRedis struct {
	fx.In
	Client redis.UniversalClient `optional:"true"`
}

func ProvideDenylist(cfg *config.Config, logger *logging.Service, optDB OptionalDB, optRedis OptionalRedis) (Denylist, error) {
	logger.Info("initializing access token denylist",
		zap.String("store_type", cfg.Revocation.Store),
		zap.Bool("database_available", optDB.DB != nil))

	switch cfg.Revocation.Store {
	case "memory":
		if optDB.DB != nil {
			return NewMemoryDenylistWithDB(optDB.DB, logger), nil
		}
		return NewMemoryDenylist(logger), nil
	case "redis":
		if optRedis.Client == nil {
			return nil, fmt.Errorf("revocation store %q requires REDIS_ENABLED=true", cfg.Revocation.Store)
		}
		return NewRedisDenylist(optRedis.Client, cfg.Redis.Prefix, logger), nil
	default:
		logger.Error("unsupported revocation store type",
			zap.String("store_type", cfg.Revocation.Store),
			zap.Strings("supported_types", []string{"memory", "redis"}))
		return nil, fmt.Errorf("unsupported revocation store type: %s", cfg.Revocation.Store)
	}
}

func ProvideDenylistAsJWTInterface(d Denylist) jwt.Denylist {
	return d
}

func ProvideRevocationService(store tokenstore.Store, denylist Denylist, recorder audit.Recorder, logger *logging.Service) *Service {
	return NewService(store, denylist, recorder, logger)
}

func registerDenylistLifecycle(lc fx.Lifecycle, cfg *config.Config, denylist Denylist, svc *Service, logger *logging.Service) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if mem, ok := denylist.(*MemoryDenylist); ok {
				if err := mem.Load(startCtx); err != nil {
					logger.Error("failed to load denylist on startup", zap.Error(err))
					return err
				}
			}
			svc.StartCleanupWorker(ctx, cfg.Revocation.CleanupPeriod)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

var Module = fx.Options(
	fx.Provide(ProvideDenylist),
	fx.Provide(ProvideDenylistAsJWTInterface),
	fx.Provide(ProvideRevocationService),
	fx.Invoke(registerDenylistLifecycle),
)
