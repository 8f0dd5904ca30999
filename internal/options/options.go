package options

import (
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/issuer"
	"go.uber.org/fx"
)

type Options struct {
	Config       *config.Config
	Models       []any
	UserProvider issuer.UserProvider
	FxOptions    []fx.Option
}

type Option func(*Options)

func WithConfig(cfg *config.Config) Option {
	return func(opts *Options) {
		opts.Config = cfg
	}
}

func WithModels(models ...any) Option {
	return func(opts *Options) {
		opts.Models = append(opts.Models, models...)
	}
}

func WithUserProvider(p issuer.UserProvider) Option {
	return func(opts *Options) {
		opts.UserProvider = p
	}
}

func WithFxOptions(fxOpts ...fx.Option) Option {
	return func(opts *Options) {
		opts.FxOptions = append(opts.FxOptions, fxOpts...)
	}
}
