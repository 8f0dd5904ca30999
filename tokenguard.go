// Package tokenguard assembles the refresh token engine: rotating refresh
// token families with reuse detection, short lived access tokens, CSRF
// binding, risk scoring and revocation.
package tokenguard

import (
	"github.com/tech-arch1tect/tokenguard/app"
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/internal/options"
	"github.com/tech-arch1tect/tokenguard/services/issuer"
	"go.uber.org/fx"
)

type App = app.App

func New(opts ...options.Option) (*App, error) {
	return app.New(opts...)
}

func WithConfig(cfg *config.Config) options.Option {
	return options.WithConfig(cfg)
}

func WithModels(models ...any) options.Option {
	return options.WithModels(models...)
}

func WithUserProvider(p issuer.UserProvider) options.Option {
	return options.WithUserProvider(p)
}

func WithFxOptions(fxOpts ...fx.Option) options.Option {
	return options.WithFxOptions(fxOpts...)
}
