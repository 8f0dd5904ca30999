package audit

import (
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func ProvideRecorder(db *gorm.DB, cfg *config.Config, logger *logging.Service) Recorder {
	logger.Info("initializing security audit recorder", zap.Bool("persist", cfg.Audit.Enabled))
	return NewGormRecorder(db, cfg.Audit.Enabled, cfg.Store.OperationTimeout, logger)
}

var Module = fx.Options(
	fx.Provide(ProvideRecorder),
)
