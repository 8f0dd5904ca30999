package app

import (
	"fmt"

	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/database"
	"github.com/tech-arch1tect/tokenguard/services/audit"
	"github.com/tech-arch1tect/tokenguard/services/csrf"
	"github.com/tech-arch1tect/tokenguard/services/device"
	"github.com/tech-arch1tect/tokenguard/services/issuer"
	"github.com/tech-arch1tect/tokenguard/services/jwt"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/revocation"
	"github.com/tech-arch1tect/tokenguard/services/risk"
	"github.com/tech-arch1tect/tokenguard/services/rotation"
	"github.com/tech-arch1tect/tokenguard/services/tokenauth"
	"github.com/tech-arch1tect/tokenguard/services/tokenstore"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type AppBuilder struct {
	config       *config.Config
	models       []any
	userProvider issuer.UserProvider
	fxOptions    []fx.Option
	errors       []error
}

func NewApp() *AppBuilder {
	return &AppBuilder{
		models:    make([]any, 0),
		fxOptions: make([]fx.Option, 0),
		errors:    make([]error, 0),
	}
}

func (b *AppBuilder) WithConfig(cfg *config.Config) *AppBuilder {
	if cfg == nil {
		b.addError("config cannot be nil")
		return b
	}
	b.config = cfg
	return b
}

func (b *AppBuilder) WithAutoConfig() *AppBuilder {
	cfg := &config.Config{}
	if err := config.LoadConfig(cfg); err != nil {
		b.addError(fmt.Sprintf("failed to load config: %v", err))
		return b
	}
	b.config = cfg
	return b
}

// WithModels registers host application models migrated next to the token
// tables.
func (b *AppBuilder) WithModels(models ...any) *AppBuilder {
	b.models = append(b.models, models...)
	return b
}

// WithUserProvider enables the account checks on refresh and verification.
func (b *AppBuilder) WithUserProvider(p issuer.UserProvider) *AppBuilder {
	if p == nil {
		b.addError("user provider cannot be nil")
		return b
	}
	b.userProvider = p
	return b
}

func (b *AppBuilder) WithFxOptions(opts ...fx.Option) *AppBuilder {
	b.fxOptions = append(b.fxOptions, opts...)
	return b
}

func (b *AppBuilder) Build() (*App, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	if b.config == nil {
		if err := b.WithAutoConfig().validate(); err != nil {
			return nil, err
		}
	} else if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := b.createLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	app := &App{
		config: b.config,
		logger: logger,
	}

	fxOptions := b.buildFxOptions(logger)
	fxOptions = append(fxOptions, fx.Invoke(func(svc *tokenauth.Service, db *gorm.DB) {
		app.tokens = svc
		app.db = db
	}))

	app.fx = fx.New(fxOptions...)
	if err := app.fx.Err(); err != nil {
		return nil, fmt.Errorf("failed to build application: %w", err)
	}

	return app, nil
}

func (b *AppBuilder) addError(msg string) {
	b.errors = append(b.errors, fmt.Errorf("%s", msg))
}

func (b *AppBuilder) validate() error {
	if len(b.errors) > 0 {
		return fmt.Errorf("configuration errors: %v", b.errors)
	}
	return nil
}

func (b *AppBuilder) createLogger() (*logging.Service, error) {
	if b.config == nil {
		return nil, fmt.Errorf("config required for logger creation")
	}

	return logging.NewLoggingService(b.config)
}

// CoreModels are the tables the token engine owns.
func CoreModels() []any {
	return []any{
		&tokenstore.TokenRecord{},
		&device.Device{},
		&audit.SecurityEvent{},
		&revocation.RevokedAccessToken{},
	}
}

func (b *AppBuilder) buildFxOptions(logger *logging.Service) []fx.Option {
	models := append(CoreModels(), b.models...)

	options := []fx.Option{
		config.NewProvider(b.config),
		fx.Supply(logger),
		fx.Supply(database.WithModels(models...)),
		fx.NopLogger,
		fx.Invoke(logging.RegisterSync),
		database.Module,
		tokenstore.Module,
		device.Module,
		risk.Module,
		audit.Module,
		revocation.Module,
		jwt.Options,
		csrf.Module,
		issuer.Module,
		rotation.Module,
		tokenauth.Module,
	}

	if b.userProvider != nil {
		p := b.userProvider
		options = append(options, fx.Provide(func() issuer.UserProvider { return p }))
	}

	return append(options, b.fxOptions...)
}
