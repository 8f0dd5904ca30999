package tokenauth

import (
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/audit"
	"github.com/tech-arch1tect/tokenguard/services/csrf"
	"github.com/tech-arch1tect/tokenguard/services/issuer"
	"github.com/tech-arch1tect/tokenguard/services/jwt"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/revocation"
	"github.com/tech-arch1tect/tokenguard/services/risk"
	"github.com/tech-arch1tect/tokenguard/services/rotation"
	"go.uber.org/fx"
)

type Params struct {
	fx.In

	Config     *config.Config
	Issuer     *issuer.Service
	Rotation   *rotation.Service
	Tokens     *jwt.Service
	CSRF       *csrf.Service
	Revocation *revocation.Service
	Assessor   *risk.Assessor
	Recorder   audit.Recorder
	Users      issuer.UserProvider `optional:"true"`
	Logger     *logging.Service
}

func ProvideTokenAuthService(p Params) *Service {
	p.Logger.Info("token auth service ready")
	return NewService(Deps{
		Config:     p.Config,
		Issuer:     p.Issuer,
		Rotation:   p.Rotation,
		Tokens:     p.Tokens,
		CSRF:       p.CSRF,
		Revocation: p.Revocation,
		Assessor:   p.Assessor,
		Recorder:   p.Recorder,
		Users:      p.Users,
		Logger:     p.Logger,
	})
}

var Module = fx.Options(
	fx.Provide(ProvideTokenAuthService),
)
