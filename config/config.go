package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Log          LogConfig          `envPrefix:"LOG_"`
	Database     DatabaseConfig     `envPrefix:"DATABASE_"`
	Redis        RedisConfig        `envPrefix:"REDIS_"`
	Store        StoreConfig        `envPrefix:"STORE_"`
	JWT          JWTConfig          `envPrefix:"JWT_"`
	RefreshToken RefreshTokenConfig `envPrefix:"REFRESH_TOKEN_"`
	CSRF         CSRFConfig         `envPrefix:"CSRF_"`
	Risk         RiskConfig         `envPrefix:"RISK_"`
	Revocation   RevocationConfig   `envPrefix:"REVOCATION_"`
	Audit        AuditConfig        `envPrefix:"AUDIT_"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
	Output string `env:"OUTPUT" envDefault:"stdout"`
}

type DatabaseConfig struct {
	Driver          string        `env:"DRIVER" envDefault:"sqlite"`
	DSN             string        `env:"DSN" envDefault:"tokens.db"`
	AutoMigrate     bool          `env:"AUTO_MIGRATE" envDefault:"true"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
}

type RedisConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	Prefix   string `env:"PREFIX" envDefault:"tokenguard"`
}

// StoreConfig bounds every token store round trip.
type StoreConfig struct {
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT" envDefault:"3s"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	Retention        time.Duration `env:"RETENTION" envDefault:"720h"`
}

type JWTConfig struct {
	SecretKey    string        `env:"SECRET_KEY"`
	Algorithm    string        `env:"ALGORITHM" envDefault:"HS256"`
	AccessExpiry time.Duration `env:"ACCESS_EXPIRY" envDefault:"15m"`
	Issuer       string        `env:"ISSUER" envDefault:"tokenguard"`

	// RefreshLeeway is how close to expiry an access token may get before
	// a session status check rotates it early.
	RefreshLeeway time.Duration `env:"REFRESH_LEEWAY" envDefault:"2m"`
}

type RefreshTokenConfig struct {
	TokenLength int           `env:"TOKEN_LENGTH" envDefault:"32"`
	Expiry      time.Duration `env:"EXPIRY" envDefault:"168h"`
}

type CSRFConfig struct {
	Enabled bool          `env:"ENABLED" envDefault:"true"`
	Expiry  time.Duration `env:"EXPIRY" envDefault:"1h"`

	// Enabled and HeaderName drive the RequireCSRF echo middleware.
	HeaderName string `env:"HEADER_NAME" envDefault:"X-CSRF-Token"`
}

type RiskConfig struct {
	NewLocationWeight   int           `env:"NEW_LOCATION_WEIGHT" envDefault:"30"`
	NewDeviceWeight     int           `env:"NEW_DEVICE_WEIGHT" envDefault:"30"`
	UnusualTimeWeight   int           `env:"UNUSUAL_TIME_WEIGHT" envDefault:"10"`
	RapidRequestsWeight int           `env:"RAPID_REQUESTS_WEIGHT" envDefault:"30"`
	TrustThreshold      int           `env:"TRUST_THRESHOLD" envDefault:"30"`
	BlockThreshold      int           `env:"BLOCK_THRESHOLD" envDefault:"70"`
	BlockHighRisk       bool          `env:"BLOCK_HIGH_RISK" envDefault:"false"`
	ActiveHoursStart    int           `env:"ACTIVE_HOURS_START" envDefault:"6"`
	ActiveHoursEnd      int           `env:"ACTIVE_HOURS_END" envDefault:"23"`
	TimeZone            string        `env:"TIME_ZONE" envDefault:"UTC"`
	VelocityWindow      time.Duration `env:"VELOCITY_WINDOW" envDefault:"60s"`
	VelocityLimit       int           `env:"VELOCITY_LIMIT" envDefault:"10"`
}

type RevocationConfig struct {
	Store         string        `env:"STORE" envDefault:"memory"`
	CleanupPeriod time.Duration `env:"CLEANUP_PERIOD" envDefault:"1h"`
}

type AuditConfig struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
}

var (
	ErrJWTSecretTooShort   = errors.New("JWT secret key must be at least 32 characters long")
	ErrJWTSecretWeak       = errors.New("JWT secret key contains weak patterns")
	ErrJWTAlgorithm        = errors.New("JWT algorithm must be HS256")
	ErrRefreshTokenShort   = errors.New("refresh token length must be at least 16 bytes")
	ErrRefreshTokenLong    = errors.New("refresh token length cannot exceed 128 bytes")
	ErrRiskWeightNegative  = errors.New("risk weights must not be negative")
	ErrRiskHours           = errors.New("risk active hours must be within 0..24 and start before end")
	ErrRevocationStoreType = errors.New("revocation store must be: memory or redis")
	ErrStoreTimeout        = errors.New("store operation timeout must be positive")
)

var weakSecretPatterns = []string{"password", "secret", "test", "example", "default", "change"}

func LoadConfig(cfg any) error {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	if err := env.Parse(cfg); err != nil {
		return err
	}

	if c, ok := cfg.(*Config); ok {
		return c.Validate()
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validateJWTConfig(&c.JWT); err != nil {
		return err
	}
	if err := validateRefreshTokenConfig(&c.RefreshToken); err != nil {
		return err
	}
	if err := validateRiskConfig(&c.Risk); err != nil {
		return err
	}
	if c.Store.OperationTimeout <= 0 {
		return ErrStoreTimeout
	}
	switch c.Revocation.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w, got %q", ErrRevocationStoreType, c.Revocation.Store)
	}
	return nil
}

func validateJWTConfig(cfg *JWTConfig) error {
	if len(cfg.SecretKey) < 32 {
		return ErrJWTSecretTooShort
	}

	lower := strings.ToLower(cfg.SecretKey)
	for _, pattern := range weakSecretPatterns {
		if strings.Contains(lower, pattern) {
			return fmt.Errorf("%w (%q)", ErrJWTSecretWeak, pattern)
		}
	}

	if cfg.Algorithm != "" && cfg.Algorithm != "HS256" {
		return ErrJWTAlgorithm
	}
	return nil
}

func validateRefreshTokenConfig(cfg *RefreshTokenConfig) error {
	if cfg.TokenLength < 16 {
		return ErrRefreshTokenShort
	}
	if cfg.TokenLength > 128 {
		return ErrRefreshTokenLong
	}
	return nil
}

func validateRiskConfig(cfg *RiskConfig) error {
	if cfg.NewLocationWeight < 0 || cfg.NewDeviceWeight < 0 ||
		cfg.UnusualTimeWeight < 0 || cfg.RapidRequestsWeight < 0 {
		return ErrRiskWeightNegative
	}
	if cfg.ActiveHoursStart < 0 || cfg.ActiveHoursEnd > 24 || cfg.ActiveHoursStart >= cfg.ActiveHoursEnd {
		return ErrRiskHours
	}
	return nil
}
