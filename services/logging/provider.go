package logging

import (
	"context"

	"github.com/tech-arch1tect/tokenguard/config"
	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(NewLoggingService),
	fx.Invoke(RegisterSync),
)

func NewLoggingService(cfg *config.Config) (*Service, error) {
	loggingConfig := Config{
		Level:      LogLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	}

	return NewService(loggingConfig)
}

// RegisterSync flushes buffered log entries on shutdown.
func RegisterSync(lc fx.Lifecycle, logger *Service) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// stdout sync returns EINVAL on some platforms
			_ = logger.Sync()
			return nil
		},
	})
}
