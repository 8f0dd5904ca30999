package csrf

import (
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"go.uber.org/fx"
)

func ProvideCSRFService(cfg *config.Config, logger *logging.Service) (*Service, error) {
	return NewService(cfg.JWT.SecretKey, cfg.CSRF.Expiry, logger)
}

var Module = fx.Options(
	fx.Provide(ProvideCSRFService),
)
