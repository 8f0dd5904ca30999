// Package tokenauthtest builds a complete token engine on an in-memory
// sqlite database for tests of packages that sit on top of the facade.
package tokenauthtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/audit"
	"github.com/tech-arch1tect/tokenguard/services/csrf"
	"github.com/tech-arch1tect/tokenguard/services/device"
	"github.com/tech-arch1tect/tokenguard/services/issuer"
	"github.com/tech-arch1tect/tokenguard/services/jwt"
	"github.com/tech-arch1tect/tokenguard/services/revocation"
	"github.com/tech-arch1tect/tokenguard/services/risk"
	"github.com/tech-arch1tect/tokenguard/services/rotation"
	"github.com/tech-arch1tect/tokenguard/services/tokenauth"
	"github.com/tech-arch1tect/tokenguard/services/tokenstore"
	"github.com/tech-arch1tect/tokenguard/testutils"
	"gorm.io/gorm"
)

type Harness struct {
	Config  *config.Config
	DB      *gorm.DB
	Store   *tokenstore.GormStore
	Service *tokenauth.Service
}

// New wires every service with the test config. Risk active hours span the
// whole day so results do not depend on the wall clock.
func New(t *testing.T) *Harness {
	t.Helper()
	cfg := testutils.GetTestConfig()
	cfg.Risk.ActiveHoursStart = 0
	cfg.Risk.ActiveHoursEnd = 24

	db := testutils.SetupTestDB(t, &tokenstore.TokenRecord{}, &device.Device{}, &audit.SecurityEvent{})
	store := tokenstore.NewGormStore(db, cfg.Store.OperationTimeout, nil)
	devices := device.NewGormRegistry(db, cfg.Store.OperationTimeout, nil)
	ac, err := risk.ConfigFrom(cfg)
	require.NoError(t, err)
	assessor := risk.NewAssessor(ac, devices, store, risk.NewMemoryVelocityTracker(cfg.Risk.VelocityWindow), nil)
	recorder := audit.NewGormRecorder(db, true, cfg.Store.OperationTimeout, nil)
	denylist := revocation.NewMemoryDenylist(nil)
	revoker := revocation.NewService(store, denylist, recorder, nil)
	tokens := jwt.NewService(cfg, nil)
	tokens.SetDenylist(denylist)
	csrfSvc, err := csrf.NewService(cfg.JWT.SecretKey, cfg.CSRF.Expiry, nil)
	require.NoError(t, err)

	svc := tokenauth.NewService(tokenauth.Deps{
		Config:     cfg,
		Issuer:     issuer.NewService(cfg, store, tokens, assessor, devices, revoker, nil),
		Rotation:   rotation.NewService(cfg, store, tokens, csrfSvc, assessor, devices, revoker, recorder, nil),
		Tokens:     tokens,
		CSRF:       csrfSvc,
		Revocation: revoker,
		Assessor:   assessor,
		Recorder:   recorder,
	})

	return &Harness{Config: cfg, DB: db, Store: store, Service: svc}
}

// Login issues a session for userID from a desktop Chrome client.
func (h *Harness) Login(t *testing.T, userID uint) *tokenauth.Session {
	t.Helper()
	session, err := h.Service.IssueTokenPair(context.Background(), &issuer.User{ID: userID},
		device.Info{UserAgent: testutils.ChromeUserAgent},
		issuer.SessionContext{IPAddress: "203.0.113.10", Location: "Berlin", RevokeOldTokens: true, AuthMethod: "password"})
	require.NoError(t, err)
	return session
}
