// Package issuer mints access tokens and starts refresh token families.
package issuer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/device"
	"github.com/tech-arch1tect/tokenguard/services/jwt"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/revocation"
	"github.com/tech-arch1tect/tokenguard/services/risk"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"github.com/tech-arch1tect/tokenguard/services/tokenstore"
	"go.uber.org/zap"
)

type Service struct {
	store        tokenstore.Store
	tokens       *jwt.Service
	assessor     *risk.Assessor
	devices      device.Registry
	revoker      *revocation.Service
	refreshTTL   time.Duration
	secretLength int
	logger       *logging.Service
	now          func() time.Time
}

func NewService(
	cfg *config.Config,
	store tokenstore.Store,
	tokens *jwt.Service,
	assessor *risk.Assessor,
	devices device.Registry,
	revoker *revocation.Service,
	logger *logging.Service,
) *Service {
	return &Service{
		store:        store,
		tokens:       tokens,
		assessor:     assessor,
		devices:      devices,
		revoker:      revoker,
		refreshTTL:   cfg.RefreshToken.Expiry,
		secretLength: cfg.RefreshToken.TokenLength,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *Service) checkUser(user *User) error {
	if user == nil || user.ID == 0 {
		return fmt.Errorf("%w: user is required", tokenerr.ErrValidation)
	}
	if user.IsLocked(s.now()) {
		s.logger.Warn("token issuance refused for locked account", zap.Uint("user_id", user.ID))
		return tokenerr.ErrAccountLocked
	}
	return nil
}

// GenerateAccessToken mints a standalone access token annotated with the
// risk of the current context. Risk never blocks issuance here.
func (s *Service) GenerateAccessToken(ctx context.Context, user *User, dev device.Info, sc SessionContext) (*AccessTokenResult, error) {
	if err := s.checkUser(user); err != nil {
		return nil, err
	}
	dev = dev.Resolve()
	assessment := s.assess(ctx, user.ID, dev, sc)
	return s.mintAccess(user.ID, "", dev, assessment)
}

// GenerateRefreshToken starts a new family at generation 1.
func (s *Service) GenerateRefreshToken(ctx context.Context, user *User, dev device.Info, sc SessionContext) (*RefreshTokenResult, error) {
	if err := s.checkUser(user); err != nil {
		return nil, err
	}
	return s.startFamily(ctx, user.ID, dev.Resolve(), sc)
}

// IssuePair performs a full login issuance. Risk is assessed before the new
// record exists so the current device and location still count as unseen.
func (s *Service) IssuePair(ctx context.Context, user *User, dev device.Info, sc SessionContext) (*Pair, error) {
	if err := s.checkUser(user); err != nil {
		return nil, err
	}
	dev = dev.Resolve()

	assessment := s.assess(ctx, user.ID, dev, sc)

	refresh, err := s.startFamily(ctx, user.ID, dev, sc)
	if err != nil {
		return nil, err
	}

	assessment = s.trackDevice(ctx, user.ID, dev, assessment)

	access, err := s.mintAccess(user.ID, refresh.FamilyID, dev, assessment)
	if err != nil {
		return nil, err
	}

	s.logger.Info("token pair issued",
		zap.Uint("user_id", user.ID),
		zap.String("family_id", refresh.FamilyID),
		zap.String("auth_method", sc.AuthMethod),
		zap.Int("risk_score", assessment.Score))

	return &Pair{Access: *access, Refresh: *refresh}, nil
}

func (s *Service) startFamily(ctx context.Context, userID uint, dev device.Info, sc SessionContext) (*RefreshTokenResult, error) {
	if sc.RevokeOldTokens && s.revoker != nil {
		if _, err := s.revoker.RevokeAllUserTokens(ctx, userID, revocation.ReasonNewLogin); err != nil {
			return nil, fmt.Errorf("revoke previous sessions: %w", err)
		}
	}

	now := s.now()
	record, value, err := tokenstore.Mint(tokenstore.Lineage{
		FamilyID:   uuid.NewString(),
		Generation: 1,
		UserID:     userID,
		DeviceHash: dev.Hash,
		UserAgent:  dev.UserAgent,
		IP:         sc.IPAddress,
		Location:   sc.Location,
		AuthMethod: sc.AuthMethod,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.refreshTTL),
	}, s.secretLength)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Debug("refresh token family started",
		zap.Uint("user_id", userID),
		zap.String("family_id", record.FamilyID),
		zap.String("token_id", record.ID))

	return &RefreshTokenResult{
		Token:      value,
		TokenID:    record.ID,
		FamilyID:   record.FamilyID,
		Generation: record.Generation,
		ExpiresAt:  record.ExpiresAt,
	}, nil
}

func (s *Service) assess(ctx context.Context, userID uint, dev device.Info, sc SessionContext) risk.Assessment {
	if s.assessor == nil {
		return risk.Assessment{}
	}
	return s.assessor.Assess(ctx, risk.Signals{
		UserID:     userID,
		DeviceHash: dev.Hash,
		IPAddress:  sc.IPAddress,
		Location:   sc.Location,
		At:         s.now(),
	})
}

// trackDevice registers the device and, for a low-risk login that asked for
// it, raises its trust by one level. Registry failures are logged only; the
// refresh record is already persisted at this point.
func (s *Service) trackDevice(ctx context.Context, userID uint, dev device.Info, a risk.Assessment) risk.Assessment {
	if s.devices == nil || dev.Hash == "" {
		return a
	}

	d := device.Describe(dev.UserAgent)
	if _, err := s.devices.Touch(ctx, userID, dev.Hash, d.Browser+" on "+d.OS, s.now()); err != nil {
		s.logger.Warn("failed to record device", zap.Uint("user_id", userID), zap.Error(err))
		return a
	}

	if !dev.RequestTrust || s.assessor == nil || !s.assessor.Thresholds().AllowsTrustPromotion(a.Score) {
		return a
	}

	level, err := s.devices.Promote(ctx, userID, dev.Hash)
	if err != nil {
		s.logger.Warn("failed to promote device trust", zap.Uint("user_id", userID), zap.Error(err))
		return a
	}
	a.TrustLevel = level
	a.DeviceTrusted = level >= device.TrustKnown
	return a
}

func (s *Service) mintAccess(userID uint, familyID string, dev device.Info, a risk.Assessment) (*AccessTokenResult, error) {
	access, err := s.tokens.Issue(userID, familyID, dev.Hash)
	if err != nil {
		return nil, err
	}
	return &AccessTokenResult{
		Token:         access.Token,
		TokenID:       access.JTI,
		ExpiresAt:     access.ExpiresAt,
		RiskScore:     a.Score,
		DeviceTrusted: a.DeviceTrusted,
	}, nil
}
