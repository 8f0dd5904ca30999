package testutils

import (
	"time"

	"github.com/tech-arch1tect/tokenguard/config"
)

const TestSecretKey = "k9Qm2Wx7Rz4Lp8Vn3Bt6Yc1Hd5Fj0Gs2"

func GetTestConfig() *config.Config {
	return &config.Config{
		Log: config.LogConfig{
			Level:  "debug",
			Format: "console",
			Output: "stdout",
		},
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			DSN:         ":memory:",
			AutoMigrate: true,
		},
		Store: config.StoreConfig{
			OperationTimeout: 2 * time.Second,
			CleanupInterval:  0,
			Retention:        24 * time.Hour,
		},
		JWT: config.JWTConfig{
			SecretKey:     TestSecretKey,
			Algorithm:     "HS256",
			AccessExpiry:  15 * time.Minute,
			Issuer:        "tokenguard-test",
			RefreshLeeway: 2 * time.Minute,
		},
		RefreshToken: config.RefreshTokenConfig{
			TokenLength: 32,
			Expiry:      7 * 24 * time.Hour,
		},
		CSRF: config.CSRFConfig{
			Enabled:    true,
			Expiry:     time.Hour,
			HeaderName: "X-CSRF-Token",
		},
		Risk: config.RiskConfig{
			NewLocationWeight:   30,
			NewDeviceWeight:     30,
			UnusualTimeWeight:   10,
			RapidRequestsWeight: 30,
			TrustThreshold:      30,
			BlockThreshold:      70,
			ActiveHoursStart:    6,
			ActiveHoursEnd:      23,
			TimeZone:            "UTC",
			VelocityWindow:      time.Minute,
			VelocityLimit:       10,
		},
		Revocation: config.RevocationConfig{
			Store:         "memory",
			CleanupPeriod: time.Hour,
		},
		Audit: config.AuditConfig{
			Enabled: true,
		},
	}
}

// Fixed instants used by clock-dependent tests.
var (
	Noon     = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	Midnight = time.Date(2026, 3, 10, 2, 30, 0, 0, time.UTC)
)

const (
	ChromeUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	IPhoneUserAgent  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	FirefoxUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
)
