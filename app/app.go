package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/internal/options"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/tokenauth"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type App struct {
	fx     *fx.App
	config *config.Config
	logger *logging.Service
	db     *gorm.DB
	tokens *tokenauth.Service
}

// New builds an App from functional options.
func New(opts ...options.Option) (*App, error) {
	o := &options.Options{}
	for _, opt := range opts {
		opt(o)
	}

	b := NewApp().WithModels(o.Models...).WithFxOptions(o.FxOptions...)
	if o.Config != nil {
		b.WithConfig(o.Config)
	}
	if o.UserProvider != nil {
		b.WithUserProvider(o.UserProvider)
	}
	return b.Build()
}

// Start runs the lifecycle hooks: cleanup workers and the denylist restore.
func (a *App) Start(ctx context.Context) error {
	return a.fx.Start(ctx)
}

func (a *App) Stop(ctx context.Context) error {
	return a.fx.Stop(ctx)
}

func (a *App) Run() {
	if err := a.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	if a.logger != nil {
		a.logger.Info("Received shutdown signal, stopping gracefully...")
	} else {
		log.Printf("Received signal %v, shutting down gracefully...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Stop(ctx); err != nil {
		if a.logger != nil {
			a.logger.Error("Failed to stop application gracefully")
		} else {
			log.Printf("Failed to stop application gracefully: %v", err)
		}
	}
}

// Tokens is the service handed to the web layer.
func (a *App) Tokens() *tokenauth.Service {
	return a.tokens
}

func (a *App) DB() *gorm.DB {
	return a.db
}

func (a *App) Logger() *logging.Service {
	return a.logger
}

func (a *App) Config() *config.Config {
	return a.config
}
