package rotation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tech-arch1tect/tokenguard/services/audit"
	"github.com/tech-arch1tect/tokenguard/services/csrf"
	"github.com/tech-arch1tect/tokenguard/services/device"
	"github.com/tech-arch1tect/tokenguard/services/issuer"
	"github.com/tech-arch1tect/tokenguard/services/jwt"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/revocation"
	"github.com/tech-arch1tect/tokenguard/services/risk"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"github.com/tech-arch1tect/tokenguard/services/tokenstore"
	"github.com/tech-arch1tect/tokenguard/testutils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	store    *tokenstore.GormStore
	tokens   *jwt.Service
	csrf     *csrf.Service
	revoker  *revocation.Service
	recorder *audit.GormRecorder
	issuer   *issuer.Service
	rotation *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	return setupWithLogger(t, nil)
}

func setupWithLogger(t *testing.T, logger *logging.Service) *fixture {
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
	recorder := audit.NewGormRecorder(db, true, cfg.Store.OperationTimeout, logger)
	revoker := revocation.NewService(store, revocation.NewMemoryDenylist(nil), recorder, nil)
	tokens := jwt.NewService(cfg, nil)
	csrfSvc, err := csrf.NewService(cfg.JWT.SecretKey, cfg.CSRF.Expiry, nil)
	require.NoError(t, err)

	return &fixture{
		db:       db,
		store:    store,
		tokens:   tokens,
		csrf:     csrfSvc,
		revoker:  revoker,
		recorder: recorder,
		issuer:   issuer.NewService(cfg, store, tokens, assessor, devices, revoker, nil),
		rotation: NewService(cfg, store, tokens, csrfSvc, assessor, devices, revoker, recorder, logger),
	}
}

func (f *fixture) login(t *testing.T, userID uint) *issuer.Pair {
	t.Helper()
	pair, err := f.issuer.IssuePair(context.Background(), &issuer.User{ID: userID},
		device.Info{UserAgent: testutils.ChromeUserAgent},
		issuer.SessionContext{IPAddress: "203.0.113.10", Location: "Berlin", RevokeOldTokens: true, AuthMethod: "password"})
	require.NoError(t, err)
	return pair
}

func (f *fixture) family(t *testing.T, familyID string) []tokenstore.TokenRecord {
	t.Helper()
	records, err := f.store.ListFamily(context.Background(), familyID)
	require.NoError(t, err)
	return records
}

func requestContext() RequestContext {
	return RequestContext{IPAddress: "203.0.113.10", Location: "Berlin", UserAgent: testutils.ChromeUserAgent}
}

func activeCount(records []tokenstore.TokenRecord) int {
	n := 0
	for _, r := range records {
		if r.Status == tokenstore.StatusActive {
			n++
		}
	}
	return n
}

func assertFamilyRevoked(t *testing.T, records []tokenstore.TokenRecord) {
	t.Helper()
	require.NotEmpty(t, records)
	for _, r := range records {
		assert.Equal(t, tokenstore.StatusRevoked, r.Status, "generation %d", r.Generation)
	}
}

func TestRefresh_RotatesToNextGeneration(t *testing.T) {
	f := setup(t)
	pair := f.login(t, 1)

	result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, requestContext())
	require.NoError(t, err)

	require.True(t, result.Valid)
	assert.Equal(t, tokenerr.ReasonNone, result.Reason)
	assert.Equal(t, uint(1), result.UserID)
	assert.True(t, result.Metadata.Rotated)
	assert.Equal(t, 2, result.Metadata.Generation)
	assert.Equal(t, pair.Refresh.FamilyID, result.Metadata.FamilyID)
	assert.Zero(t, result.Metadata.RiskScore, "same device and location as login")
	assert.NotEqual(t, pair.Refresh.Token, result.RefreshToken)

	records := f.family(t, pair.Refresh.FamilyID)
	require.Len(t, records, 2)
	assert.Equal(t, tokenstore.StatusRotated, records[0].Status)
	assert.NotNil(t, records[0].RotatedAt)
	assert.Equal(t, tokenstore.StatusActive, records[1].Status)
	assert.Equal(t, records[0].ID, records[1].ParentID)
	assert.Equal(t, 1, activeCount(records))

	claims, err := f.tokens.Parse(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, result.AccessTokenID, claims.JTI())
	assert.Equal(t, pair.Refresh.FamilyID, claims.FamilyID)

	ok, err := f.csrf.VerifyCSRFToken(result.CSRFToken, result.AccessTokenID, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefresh_GenerationsAreGapless(t *testing.T) {
	f := setup(t)
	pair := f.login(t, 1)
	value := pair.Refresh.Token

	for want := 2; want <= 5; want++ {
		result, err := f.rotation.Refresh(context.Background(), value, requestContext())
		require.NoError(t, err)
		require.True(t, result.Valid)
		assert.Equal(t, want, result.Metadata.Generation)
		value = result.RefreshToken
	}

	records := f.family(t, pair.Refresh.FamilyID)
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, i+1, r.Generation)
	}
	assert.Equal(t, 1, activeCount(records))
	assert.Equal(t, tokenstore.StatusActive, records[4].Status)
}

func TestRefresh_ReuseOfRotatedGenerationRevokesFamily(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	pair := f.login(t, 1)

	second, err := f.rotation.Refresh(ctx, pair.Refresh.Token, requestContext())
	require.NoError(t, err)
	require.True(t, second.Valid)
	require.Equal(t, 2, second.Metadata.Generation)

	replay, err := f.rotation.Refresh(ctx, pair.Refresh.Token, RequestContext{IPAddress: "198.51.100.66"})
	require.NoError(t, err)

	assert.False(t, replay.Valid)
	assert.Equal(t, tokenerr.ReasonReusedToken, replay.Reason)
	assert.Empty(t, replay.AccessToken)

	records := f.family(t, pair.Refresh.FamilyID)
	assertFamilyRevoked(t, records)
	assert.Equal(t, revocation.ReasonReuseDetected, records[1].RevokeReason)
	assert.Equal(t, "198.51.100.66", records[1].RevokedFromIP)

	followUp, err := f.rotation.Refresh(ctx, second.RefreshToken, requestContext())
	require.NoError(t, err)
	assert.False(t, followUp.Valid)
	assert.Equal(t, tokenerr.ReasonReusedToken, followUp.Reason)

	events, err := f.recorder.ListForUser(ctx, 1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, audit.EventReuseDetected, events[0].Type)
	assert.Equal(t, string(logging.SeverityHigh), events[0].Severity)
}

func TestRefresh_ReuseLoggedOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := setupWithLogger(t, logging.NewWithLogger(zap.New(core)))
	ctx := context.Background()
	pair := f.login(t, 1)

	_, err := f.rotation.Refresh(ctx, pair.Refresh.Token, requestContext())
	require.NoError(t, err)
	replay, err := f.rotation.Refresh(ctx, pair.Refresh.Token, requestContext())
	require.NoError(t, err)
	require.Equal(t, tokenerr.ReasonReusedToken, replay.Reason)

	entries := logs.FilterField(zap.String("security_event", audit.EventReuseDetected)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestRefresh_ReuseDetectedAfterCleanup(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	pair := f.login(t, 1)

	second, err := f.rotation.Refresh(ctx, pair.Refresh.Token, requestContext())
	require.NoError(t, err)
	require.True(t, second.Valid)

	retention := 24 * time.Hour
	require.NoError(t, f.db.Model(&tokenstore.TokenRecord{}).
		Where("family_id = ? AND generation = ?", pair.Refresh.FamilyID, 1).
		Update("expires_at", time.Now().Add(-2*retention)).Error)

	_, err = tokenstore.NewCleaner(f.store, retention, nil).RunOnce(ctx)
	require.NoError(t, err)

	replay, err := f.rotation.Refresh(ctx, pair.Refresh.Token, requestContext())
	require.NoError(t, err)

	assert.False(t, replay.Valid)
	assert.Equal(t, tokenerr.ReasonReusedToken, replay.Reason)
	records := f.family(t, pair.Refresh.FamilyID)
	require.Len(t, records, 2)
	assertFamilyRevoked(t, records)
}

func TestRefresh_RevokedTokenIsReuse(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	pair := f.login(t, 1)

	require.NoError(t, f.revoker.RevokeToken(ctx, pair.Refresh.Token, revocation.ReasonLogout, 1, ""))

	result, err := f.rotation.Refresh(ctx, pair.Refresh.Token, requestContext())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, tokenerr.ReasonReusedToken, result.Reason)
	assertFamilyRevoked(t, f.family(t, pair.Refresh.FamilyID))
}

func TestRefresh_AfterRevokeAllUserTokens(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	pair := f.login(t, 1)

	second, err := f.rotation.Refresh(ctx, pair.Refresh.Token, requestContext())
	require.NoError(t, err)
	require.True(t, second.Valid)

	_, err = f.revoker.RevokeAllUserTokens(ctx, 1, revocation.ReasonPasswordReset)
	require.NoError(t, err)

	for _, value := range []string{pair.Refresh.Token, second.RefreshToken} {
		result, err := f.rotation.Refresh(ctx, value, requestContext())
		require.NoError(t, err)
		assert.False(t, result.Valid)
	}
}

func TestRefresh_Expired(t *testing.T) {
	f := setup(t)
	pair := f.login(t, 1)
	f.rotation.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, requestContext())
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, tokenerr.ReasonExpiredToken, result.Reason)
	records := f.family(t, pair.Refresh.FamilyID)
	assert.Equal(t, tokenstore.StatusActive, records[0].Status)
}

func TestRefresh_InvalidInput(t *testing.T) {
	f := setup(t)
	pair := f.login(t, 1)
	secret, err := tokenstore.NewSecret(32)
	require.NoError(t, err)

	tests := []struct {
		name   string
		value  string
		reason tokenerr.Reason
	}{
		{"empty", "", tokenerr.ReasonValidation},
		{"garbled", "definitely-not-a-token", tokenerr.ReasonInvalidToken},
		{"unknown id", tokenstore.EncodeValue(uuid.NewString(), secret), tokenerr.ReasonInvalidToken},
		{"wrong secret", tokenstore.EncodeValue(pair.Refresh.TokenID, secret), tokenerr.ReasonInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.rotation.Refresh(context.Background(), tt.value, requestContext())
			require.NoError(t, err)
			assert.False(t, result.Valid)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}

	records := f.family(t, pair.Refresh.FamilyID)
	require.Len(t, records, 1)
	assert.Equal(t, tokenstore.StatusActive, records[0].Status, "bad input never cascades")
}

// preemptingStore lets another caller win the conditional update between
// lookup and rotate.
type preemptingStore struct {
	tokenstore.Store
}

func (p *preemptingStore) MarkRotated(ctx context.Context, id string, at time.Time) (bool, error) {
	if _, err := p.Store.MarkRotated(ctx, id, at); err != nil {
		return false, err
	}
	return p.Store.MarkRotated(ctx, id, at)
}

func TestRefresh_LostConditionalUpdateCascades(t *testing.T) {
	f := setup(t)
	pair := f.login(t, 1)
	f.rotation.store = &preemptingStore{Store: f.store}

	result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, requestContext())
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, tokenerr.ReasonReusedToken, result.Reason)
	records := f.family(t, pair.Refresh.FamilyID)
	assertFamilyRevoked(t, records)
	assert.Equal(t, revocation.ReasonRaceLost, records[0].RevokeReason)
}

func TestRefresh_ConcurrentCallsHaveOneWinner(t *testing.T) {
	f := setup(t)
	pair := f.login(t, 1)

	const callers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, requestContext())
			if !assert.NoError(t, err) {
				return
			}
			if result.Valid {
				wins.Add(1)
				return
			}
			assert.Equal(t, tokenerr.ReasonReusedToken, result.Reason)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	records := f.family(t, pair.Refresh.FamilyID)
	require.Len(t, records, 2)
	assertFamilyRevoked(t, records)
}

// cascadingStore revokes the family just before the child is written, as a
// losing caller would if it ran between the rotate and the insert.
type cascadingStore struct {
	tokenstore.Store
}

func (c *cascadingStore) Create(ctx context.Context, record *tokenstore.TokenRecord) error {
	if record.Generation > 1 {
		if _, err := c.Store.RevokeFamily(ctx, record.FamilyID, tokenstore.Revocation{
			Reason:    revocation.ReasonRaceLost,
			RevokedAt: time.Now(),
		}); err != nil {
			return err
		}
	}
	return c.Store.Create(ctx, record)
}

func TestRefresh_WinnerGenerationRevokedWhenFamilyCascaded(t *testing.T) {
	f := setup(t)
	pair := f.login(t, 1)
	f.rotation.store = &cascadingStore{Store: f.store}

	result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, requestContext())
	require.NoError(t, err)
	require.True(t, result.Valid)

	assertFamilyRevoked(t, f.family(t, pair.Refresh.FamilyID))
}

type timeoutStore struct {
	tokenstore.Store
	calls int
}

func (s *timeoutStore) MarkRotated(context.Context, string, time.Time) (bool, error) {
	s.calls++
	return false, tokenerr.Unavailable(context.DeadlineExceeded)
}

func TestRefresh_IndeterminateRotateIsNotRetried(t *testing.T) {
	f := setup(t)
	pair := f.login(t, 1)
	store := &timeoutStore{Store: f.store}
	f.rotation.store = store

	result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, requestContext())

	assert.Nil(t, result)
	assert.ErrorIs(t, err, tokenerr.ErrIndeterminate)
	assert.ErrorIs(t, err, tokenerr.ErrStoreUnavailable)
	assert.Equal(t, 1, store.calls)

	records := f.family(t, pair.Refresh.FamilyID)
	require.Len(t, records, 1)
}

func TestRefresh_StoreUnavailable(t *testing.T) {
	f := setup(t)
	pair := f.login(t, 1)
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, requestContext())

	assert.Nil(t, result)
	assert.ErrorIs(t, err, tokenerr.ErrStoreUnavailable)
}

type mockUsers struct {
	mock.Mock
}

func (m *mockUsers) GetUser(ctx context.Context, id uint) (*issuer.User, error) {
	args := m.Called(id)
	user, _ := args.Get(0).(*issuer.User)
	return user, args.Error(1)
}

func TestRefresh_UserChecks(t *testing.T) {
	f := setup(t)
	users := &mockUsers{}
	f.rotation.SetUserProvider(users)

	t.Run("locked account", func(t *testing.T) {
		pair := f.login(t, 1)
		users.On("GetUser", uint(1)).Return(&issuer.User{ID: 1, Locked: true}, nil).Once()

		result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, requestContext())
		require.NoError(t, err)

		assert.False(t, result.Valid)
		assert.Equal(t, tokenerr.ReasonAccountLocked, result.Reason)
		records := f.family(t, pair.Refresh.FamilyID)
		assert.Equal(t, tokenstore.StatusActive, records[0].Status)
	})

	t.Run("deleted account", func(t *testing.T) {
		pair := f.login(t, 2)
		users.On("GetUser", uint(2)).Return(nil, issuer.ErrUserNotFound).Once()

		result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, requestContext())
		require.NoError(t, err)

		assert.False(t, result.Valid)
		assert.Equal(t, tokenerr.ReasonInvalidToken, result.Reason)
	})

	t.Run("active account", func(t *testing.T) {
		pair := f.login(t, 3)
		users.On("GetUser", uint(3)).Return(&issuer.User{ID: 3}, nil).Once()

		result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, requestContext())
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})

	users.AssertExpectations(t)
}

func TestRefresh_NewContextRaisesRisk(t *testing.T) {
	f := setup(t)
	pair := f.login(t, 1)

	result, err := f.rotation.Refresh(context.Background(), pair.Refresh.Token, RequestContext{
		IPAddress: "198.51.100.7",
		Location:  "Lisbon",
		UserAgent: testutils.IPhoneUserAgent,
	})
	require.NoError(t, err)

	require.True(t, result.Valid)
	assert.Equal(t, 60, result.Metadata.RiskScore)
	assert.False(t, result.Metadata.DeviceTrusted)
}
