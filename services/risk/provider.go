package risk

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/device"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/tokenstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type OptionalRedis struct {
	fx.In
	Client redis.UniversalClient `optional:"true"`
}

func ProvideVelocityTracker(cfg *config.Config, optRedis OptionalRedis, logger *logging.Service) VelocityTracker {
	if optRedis.Client != nil {
		logger.Info("using redis velocity tracker", zap.Duration("window", cfg.Risk.VelocityWindow))
		return NewRedisVelocityTracker(optRedis.Client, cfg.Redis.Prefix, cfg.Risk.VelocityWindow)
	}
	logger.Info("using in-memory velocity tracker", zap.Duration("window", cfg.Risk.VelocityWindow))
	return NewMemoryVelocityTracker(cfg.Risk.VelocityWindow)
}

func ConfigFrom(cfg *config.Config) (AssessorConfig, error) {
	loc := time.UTC
	if cfg.Risk.TimeZone != "" {
		l, err := time.LoadLocation(cfg.Risk.TimeZone)
		if err != nil {
			return AssessorConfig{}, fmt.Errorf("invalid risk time zone %q: %w", cfg.Risk.TimeZone, err)
		}
		loc = l
	}

	return AssessorConfig{
		Weights: Weights{
			NewLocation:   cfg.Risk.NewLocationWeight,
			NewDevice:     cfg.Risk.NewDeviceWeight,
			UnusualTime:   cfg.Risk.UnusualTimeWeight,
			RapidRequests: cfg.Risk.RapidRequestsWeight,
		},
		Thresholds: Thresholds{
			Trust: cfg.Risk.TrustThreshold,
			Block: cfg.Risk.BlockThreshold,
		},
		ActiveHoursStart: cfg.Risk.ActiveHoursStart,
		ActiveHoursEnd:   cfg.Risk.ActiveHoursEnd,
		Location:         loc,
		VelocityLimit:    int64(cfg.Risk.VelocityLimit),
	}, nil
}

func ProvideAssessor(cfg *config.Config, devices device.Registry, store tokenstore.Store, velocity VelocityTracker, logger *logging.Service) (*Assessor, error) {
	ac, err := ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	return NewAssessor(ac, devices, store, velocity, logger), nil
}

var Module = fx.Options(
	fx.Provide(ProvideVelocityTracker),
	fx.Provide(ProvideAssessor),
)
