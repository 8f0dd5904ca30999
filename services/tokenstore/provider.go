package tokenstore

import (
	"context"
	"time"

	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func ProvideGormStore(db *gorm.DB, cfg *config.Config, logger *logging.Service) *GormStore {
	logger.Info("initializing token store",
		zap.Duration("operation_timeout", cfg.Store.OperationTimeout),
		zap.Duration("retention", cfg.Store.Retention))

	return NewGormStore(db, cfg.Store.OperationTimeout, logger)
}

func ProvideStore(s *GormStore) Store {
	return s
}

// Cleaner deletes records whose expiry is older than the retention window.
type Cleaner struct {
	store     Store
	retention time.Duration
	logger    *logging.Service
	now       func() time.Time
}

func NewCleaner(store Store, retention time.Duration, logger *logging.Service) *Cleaner {
	return &Cleaner{
		store:     store,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.retention)
	purged, err := c.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		c.logger.Error("token record cleanup failed", zap.Error(err))
		return 0, err
	}
	if purged > 0 {
		c.logger.Info("purged expired token records",
			zap.Int64("count", purged),
			zap.Time("cutoff", cutoff))
	}
	return purged, nil
}

// Start runs the cleaner every interval until ctx is cancelled.
func (c *Cleaner) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = c.RunOnce(ctx)
			}
		}
	}()

	c.logger.Info("started token record cleanup worker", zap.Duration("interval", interval))
}

func registerCleaner(lc fx.Lifecycle, cfg *config.Config, store Store, logger *logging.Service) {
	if cfg.Store.CleanupInterval <= 0 {
		return
	}

	cleaner := NewCleaner(store, cfg.Store.Retention, logger)
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			cleaner.Start(ctx, cfg.Store.CleanupInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

var Module = fx.Options(
	fx.Provide(ProvideGormStore),
	fx.Provide(ProvideStore),
	fx.Invoke(registerCleaner),
)
