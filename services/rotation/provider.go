package rotation

import (
	"github.com/tech-arch1tect/tokenguard/services/issuer"
	"go.uber.org/fx"
)

type OptionalUserProvider struct {
	fx.In
	Users issuer.UserProvider `optional:"true"`
}

func WireUserProvider(svc *Service, opt OptionalUserProvider) {
	if opt.Users != nil {
		svc.SetUserProvider(opt.Users)
	}
}

var Module = fx.Options(
	fx.Provide(NewService),
	fx.Invoke(WireUserProvider),
)
