package device

import (
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideRegistry(db *gorm.DB, cfg *config.Config, logger *logging.Service) Registry {
	return NewGormRegistry(db, cfg.Store.OperationTimeout, logger)
}

var Module = fx.Options(
	fx.Provide(ProvideRegistry),
)
