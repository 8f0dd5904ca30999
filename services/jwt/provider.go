package jwt

import (
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"go.uber.org/fx"
)

func NewJWTService(cfg *config.Config, logger *logging.Service) *Service {
	return NewService(cfg, logger)
}

type OptionalDenylist struct {
	fx.In
	Denylist Denylist `optional:"true"`
}

func WireDenylist(jwtSvc *Service, opt OptionalDenylist) {
	if jwtSvc != nil && opt.Denylist != nil {
		jwtSvc.SetDenylist(opt.Denylist)
	}
}

var Options = fx.Options(
	fx.Provide(NewJWTService),
	fx.Invoke(WireDenylist),
)
