package issuer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tech-arch1tect/tokenguard/services/audit"
	"github.com/tech-arch1tect/tokenguard/services/device"
	"github.com/tech-arch1tect/tokenguard/services/jwt"
	"github.com/tech-arch1tect/tokenguard/services/revocation"
	"github.com/tech-arch1tect/tokenguard/services/risk"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"github.com/tech-arch1tect/tokenguard/services/tokenstore"
	"github.com/tech-arch1tect/tokenguard/testutils"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	store   *tokenstore.GormStore
	devices *device.GormRegistry
	tokens  *jwt.Service
	issuer  *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	cfg := testutils.GetTestConfig()
	// keep the clock out of the score
	cfg.Risk.ActiveHoursStart = 0
	cfg.Risk.ActiveHoursEnd = 24

	db := testutils.SetupTestDB(t, &tokenstore.TokenRecord{}, &device.Device{}, &audit.SecurityEvent{})
	store := tokenstore.NewGormStore(db, cfg.Store.OperationTimeout, nil)
	devices := device.NewGormRegistry(db, cfg.Store.OperationTimeout, nil)
	ac, err := risk.ConfigFrom(cfg)
	require.NoError(t, err)
	assessor := risk.NewAssessor(ac, devices, store, risk.NewMemoryVelocityTracker(cfg.Risk.VelocityWindow), nil)
	recorder := audit.NewGormRecorder(db, true, cfg.Store.OperationTimeout, nil)
	revoker := revocation.NewService(store, revocation.NewMemoryDenylist(nil), recorder, nil)
	tokens := jwt.NewService(cfg, nil)

	return &fixture{
		db:      db,
		store:   store,
		devices: devices,
		tokens:  tokens,
		issuer:  NewService(cfg, store, tokens, assessor, devices, revoker, nil),
	}
}

func laptop() device.Info {
	return device.Info{UserAgent: testutils.ChromeUserAgent, RequestTrust: true}
}

func loginContext() SessionContext {
	return SessionContext{
		IPAddress:       "203.0.113.10",
		Location:        "Berlin",
		RevokeOldTokens: true,
		AuthMethod:      "password",
	}
}

func TestIssuePair_CreatesFirstGeneration(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	pair, err := f.issuer.IssuePair(ctx, &User{ID: 1}, laptop(), loginContext())
	require.NoError(t, err)

	assert.Equal(t, 1, pair.Refresh.Generation)
	assert.NotEmpty(t, pair.Refresh.FamilyID)

	family, err := f.store.ListFamily(ctx, pair.Refresh.FamilyID)
	require.NoError(t, err)
	require.Len(t, family, 1)
	assert.Equal(t, tokenstore.StatusActive, family[0].Status)
	assert.Equal(t, "203.0.113.10", family[0].IssuedFromIP)
	assert.Equal(t, "password", family[0].AuthMethod)
	assert.Equal(t, device.Fingerprint(testutils.ChromeUserAgent), family[0].DeviceHash)

	id, secret, err := tokenstore.ParseValue(pair.Refresh.Token)
	require.NoError(t, err)
	assert.Equal(t, pair.Refresh.TokenID, id)
	assert.True(t, family[0].MatchesSecret(secret))

	claims, err := f.tokens.Parse(pair.Access.Token)
	require.NoError(t, err)
	assert.Equal(t, uint(1), claims.UserID)
	assert.Equal(t, pair.Access.TokenID, claims.JTI())
	assert.Equal(t, pair.Refresh.FamilyID, claims.FamilyID)
}

func TestIssuePair_FirstLoginIsRiskyAndUntrusted(t *testing.T) {
	f := setup(t)

	pair, err := f.issuer.IssuePair(context.Background(), &User{ID: 1}, laptop(), loginContext())
	require.NoError(t, err)

	assert.Equal(t, 60, pair.Access.RiskScore, "new device and new location")
	assert.False(t, pair.Access.DeviceTrusted)

	d, err := f.devices.Lookup(context.Background(), 1, device.Fingerprint(testutils.ChromeUserAgent))
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, device.TrustNone, d.TrustLevel)
}

func TestIssuePair_RepeatLoginPromotesTrustAndRevokesOldFamily(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.issuer.IssuePair(ctx, &User{ID: 1}, laptop(), loginContext())
	require.NoError(t, err)

	second, err := f.issuer.IssuePair(ctx, &User{ID: 1}, laptop(), loginContext())
	require.NoError(t, err)

	assert.Zero(t, second.Access.RiskScore)
	assert.True(t, second.Access.DeviceTrusted)
	assert.NotEqual(t, first.Refresh.FamilyID, second.Refresh.FamilyID)

	old, err := f.store.Get(ctx, first.Refresh.TokenID)
	require.NoError(t, err)
	assert.Equal(t, tokenstore.StatusRevoked, old.Status)
	assert.Equal(t, revocation.ReasonNewLogin, old.RevokeReason)

	analytics, err := f.store.Analytics(ctx, 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), analytics.ActiveFamilies)
}

func TestIssuePair_IPOnlyLoginsPromoteTrust(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sc := loginContext()
	sc.Location = ""

	scores := make([]int, 0, 3)
	trusted := make([]bool, 0, 3)
	for i := 0; i < 3; i++ {
		pair, err := f.issuer.IssuePair(ctx, &User{ID: 1}, laptop(), sc)
		require.NoError(t, err)
		scores = append(scores, pair.Access.RiskScore)
		trusted = append(trusted, pair.Access.DeviceTrusted)
	}

	assert.Equal(t, []int{60, 0, 0}, scores, "the client IP stands in for the location")
	assert.Equal(t, []bool{false, true, true}, trusted)

	d, err := f.devices.Lookup(ctx, 1, device.Fingerprint(testutils.ChromeUserAgent))
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, device.TrustKnown+1, d.TrustLevel)
}

func TestIssuePair_KeepsOldFamilyWhenNotRequested(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sc := loginContext()
	sc.RevokeOldTokens = false

	first, err := f.issuer.IssuePair(ctx, &User{ID: 1}, laptop(), sc)
	require.NoError(t, err)
	_, err = f.issuer.IssuePair(ctx, &User{ID: 1}, laptop(), sc)
	require.NoError(t, err)

	old, err := f.store.Get(ctx, first.Refresh.TokenID)
	require.NoError(t, err)
	assert.Equal(t, tokenstore.StatusActive, old.Status)
}

func TestIssuePair_NoPromotionWithoutRequest(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	dev := laptop()
	dev.RequestTrust = false

	_, err := f.issuer.IssuePair(ctx, &User{ID: 1}, dev, loginContext())
	require.NoError(t, err)
	pair, err := f.issuer.IssuePair(ctx, &User{ID: 1}, dev, loginContext())
	require.NoError(t, err)

	assert.Zero(t, pair.Access.RiskScore)
	assert.False(t, pair.Access.DeviceTrusted)
}

func TestIssuer_LockedAccount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	until := time.Now().Add(time.Hour)

	_, err := f.issuer.IssuePair(ctx, &User{ID: 1, Locked: true}, laptop(), loginContext())
	assert.ErrorIs(t, err, tokenerr.ErrAccountLocked)

	_, err = f.issuer.GenerateAccessToken(ctx, &User{ID: 1, LockedUntil: &until}, laptop(), loginContext())
	assert.ErrorIs(t, err, tokenerr.ErrAccountLocked)

	_, err = f.issuer.GenerateRefreshToken(ctx, &User{ID: 1, Locked: true}, laptop(), loginContext())
	assert.ErrorIs(t, err, tokenerr.ErrAccountLocked)

	var count int64
	require.NoError(t, f.db.Model(&tokenstore.TokenRecord{}).Count(&count).Error)
	assert.Zero(t, count)

	past := time.Now().Add(-time.Minute)
	_, err = f.issuer.IssuePair(ctx, &User{ID: 1, Locked: true, LockedUntil: &past}, laptop(), loginContext())
	assert.NoError(t, err, "expired lock")
}

func TestIssuer_RequiresUser(t *testing.T) {
	f := setup(t)

	_, err := f.issuer.IssuePair(context.Background(), nil, laptop(), loginContext())
	assert.ErrorIs(t, err, tokenerr.ErrValidation)

	_, err = f.issuer.GenerateRefreshToken(context.Background(), &User{}, laptop(), loginContext())
	assert.ErrorIs(t, err, tokenerr.ErrValidation)
}

func TestGenerateAccessToken(t *testing.T) {
	f := setup(t)

	result, err := f.issuer.GenerateAccessToken(context.Background(), &User{ID: 4}, laptop(), loginContext())
	require.NoError(t, err)

	assert.NotEmpty(t, result.TokenID)
	assert.Equal(t, 60, result.RiskScore)
	claims, err := f.tokens.Parse(result.Token)
	require.NoError(t, err)
	assert.Empty(t, claims.FamilyID)
	assert.Equal(t, device.Fingerprint(testutils.ChromeUserAgent), claims.DeviceHash)
}

func TestGenerateRefreshToken(t *testing.T) {
	f := setup(t)

	result, err := f.issuer.GenerateRefreshToken(context.Background(), &User{ID: 4}, laptop(), loginContext())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Generation)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), result.ExpiresAt, 5*time.Second)
}

func TestIssuePair_StoreWriteFailure(t *testing.T) {
	f := setup(t)
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	sc := loginContext()
	sc.RevokeOldTokens = false
	pair, err := f.issuer.IssuePair(context.Background(), &User{ID: 1}, laptop(), sc)

	assert.Nil(t, pair)
	assert.ErrorIs(t, err, tokenerr.ErrStoreWrite)
}

func TestIssuePair_RevokeFailureAbortsIssuance(t *testing.T) {
	f := setup(t)
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	pair, err := f.issuer.IssuePair(context.Background(), &User{ID: 1}, laptop(), loginContext())

	assert.Nil(t, pair)
	assert.ErrorIs(t, err, tokenerr.ErrStoreUnavailable)
}

func TestUser_IsLocked(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.False(t, (*User)(nil).IsLocked(now))
	assert.False(t, (&User{}).IsLocked(now))
	assert.True(t, (&User{Locked: true}).IsLocked(now))
	assert.True(t, (&User{LockedUntil: &future}).IsLocked(now))
	assert.False(t, (&User{Locked: true, LockedUntil: &past}).IsLocked(now))
}
