// Package tokenauth is the single entry point the web layer receives. It
// composes issuance, rotation, verification, CSRF binding and revocation.
package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/audit"
	"github.com/tech-arch1tect/tokenguard/services/csrf"
	"github.com/tech-arch1tect/tokenguard/services/device"
	"github.com/tech-arch1tect/tokenguard/services/issuer"
	"github.com/tech-arch1tect/tokenguard/services/jwt"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/revocation"
	"github.com/tech-arch1tect/tokenguard/services/risk"
	"github.com/tech-arch1tect/tokenguard/services/rotation"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"go.uber.org/zap"
)

type Service struct {
	issuer        *issuer.Service
	rotation      *rotation.Service
	tokens        *jwt.Service
	csrf          *csrf.Service
	revoker       *revocation.Service
	assessor      *risk.Assessor
	recorder      audit.Recorder
	users         issuer.UserProvider
	blockHighRisk bool
	leeway        time.Duration
	logger        *logging.Service
	now           func() time.Time
}

type Deps struct {
	Config     *config.Config
	Issuer     *issuer.Service
	Rotation   *rotation.Service
	Tokens     *jwt.Service
	CSRF       *csrf.Service
	Revocation *revocation.Service
	Assessor   *risk.Assessor
	Recorder   audit.Recorder
	Users      issuer.UserProvider
	Logger     *logging.Service
}

func NewService(d Deps) *Service {
	return &Service{
		issuer:        d.Issuer,
		rotation:      d.Rotation,
		tokens:        d.Tokens,
		csrf:          d.CSRF,
		revoker:       d.Revocation,
		assessor:      d.Assessor,
		recorder:      d.Recorder,
		users:         d.Users,
		blockHighRisk: d.Config.Risk.BlockHighRisk,
		leeway:        d.Config.JWT.RefreshLeeway,
		logger:        d.Logger,
		now:           time.Now,
	}
}

func (s *Service) audit(ctx context.Context, event audit.SecurityEvent) {
	if s.recorder != nil {
		_ = s.recorder.Record(ctx, event)
	}
}

// IssueTokenPair runs on login and registration.
func (s *Service) IssueTokenPair(ctx context.Context, user *issuer.User, dev device.Info, sc issuer.SessionContext) (*Session, error) {
	pair, err := s.issuer.IssuePair(ctx, user, dev, sc)
	if err != nil {
		return nil, err
	}

	csrfToken, err := s.csrf.GenerateCSRFToken(user.ID, pair.Access.TokenID)
	if err != nil {
		return nil, err
	}

	return &Session{
		UserID:           user.ID,
		AccessToken:      pair.Access.Token,
		AccessTokenID:    pair.Access.TokenID,
		AccessExpiresAt:  pair.Access.ExpiresAt,
		RefreshToken:     pair.Refresh.Token,
		RefreshExpiresAt: pair.Refresh.ExpiresAt,
		CSRFToken:        csrfToken,
		FamilyID:         pair.Refresh.FamilyID,
		Generation:       pair.Refresh.Generation,
		RiskScore:        pair.Access.RiskScore,
		DeviceTrusted:    pair.Access.DeviceTrusted,
	}, nil
}

// VerifyAccessToken validates signature, expiry and denylist, then the
// account and the device binding, and annotates the result with risk.
func (s *Service) VerifyAccessToken(ctx context.Context, token string, vc VerifyContext) (*Verification, error) {
	if token == "" {
		return invalid(tokenerr.ReasonValidation), nil
	}

	claims, err := s.tokens.Validate(ctx, token)
	if err != nil {
		if errors.Is(err, tokenerr.ErrStoreUnavailable) {
			return nil, err
		}
		return invalid(jwt.Reason(err)), nil
	}

	var user *issuer.User
	if s.users != nil {
		user, err = s.users.GetUser(ctx, claims.UserID)
		if err != nil {
			if errors.Is(err, issuer.ErrUserNotFound) {
				return invalid(tokenerr.ReasonInvalidToken), nil
			}
			return nil, fmt.Errorf("load user: %w", err)
		}
		if user.IsLocked(s.now()) {
			return invalid(tokenerr.ReasonAccountLocked), nil
		}
	}

	presented := device.Info{Hash: vc.DeviceHash, UserAgent: vc.UserAgent}.Resolve().Hash
	if claims.DeviceHash != "" && presented != "" && presented != claims.DeviceHash {
		s.logger.Warn("access token presented from another device",
			zap.Uint("user_id", claims.UserID),
			zap.String("jti", claims.JTI()))
		s.audit(ctx, audit.SecurityEvent{
			Type:      audit.EventDeviceMismatch,
			Severity:  string(logging.SeverityMedium),
			UserID:    claims.UserID,
			FamilyID:  claims.FamilyID,
			IPAddress: vc.IPAddress,
		})
		return invalid(tokenerr.ReasonDeviceMismatch), nil
	}

	result := &Verification{
		Valid:  true,
		UserID: claims.UserID,
		User:   user,
		Claims: claims,
	}
	if s.assessor != nil {
		hash := presented
		if hash == "" {
			hash = claims.DeviceHash
		}
		a := s.assessor.Annotate(ctx, risk.Signals{
			UserID:     claims.UserID,
			DeviceHash: hash,
			IPAddress:  vc.IPAddress,
			Location:   vc.Location,
			At:         s.now(),
		})
		result.Security = Security{RiskScore: a.Score, DeviceTrusted: a.DeviceTrusted}
	}
	return result, nil
}

// RefreshTokens rotates the refresh token. With high risk blocking enabled a
// rotation scoring above the block threshold is undone and rejected.
func (s *Service) RefreshTokens(ctx context.Context, value string, rc rotation.RequestContext) (*rotation.Result, error) {
	result, err := s.rotation.Refresh(ctx, value, rc)
	if err != nil || !result.Valid {
		return result, err
	}

	if !s.blockHighRisk || s.assessor == nil || !s.assessor.Thresholds().ShouldBlock(result.Metadata.RiskScore) {
		return result, nil
	}

	if _, err := s.revoker.RevokeFamily(ctx, result.Metadata.FamilyID, revocation.ReasonHighRisk, "system", rc.IPAddress); err != nil {
		return nil, err
	}
	if err := s.revoker.DenyAccessToken(ctx, result.AccessTokenID, result.AccessExpiresAt); err != nil {
		return nil, err
	}

	s.audit(ctx, audit.SecurityEvent{
		Type:      audit.EventHighRiskBlocked,
		Severity:  string(logging.SeverityHigh),
		UserID:    result.UserID,
		FamilyID:  result.Metadata.FamilyID,
		IPAddress: rc.IPAddress,
		Detail:    fmt.Sprintf("risk score %d", result.Metadata.RiskScore),
	})

	return &rotation.Result{
		Valid:    false,
		Reason:   tokenerr.ReasonHighRisk,
		UserID:   result.UserID,
		Metadata: rotation.Metadata{FamilyID: result.Metadata.FamilyID, RiskScore: result.Metadata.RiskScore},
	}, nil
}

// Logout revokes the family of the refresh token and denylists the access
// token. Either may be empty.
func (s *Service) Logout(ctx context.Context, refreshValue, accessToken, ip string) error {
	var userID uint
	var errs []error

	if accessToken != "" {
		claims, err := s.tokens.Parse(accessToken)
		switch {
		case err == nil:
			userID = claims.UserID
			if err := s.revoker.DenyAccessToken(ctx, claims.JTI(), claims.ExpiresAt.Time); err != nil {
				errs = append(errs, err)
			}
		case errors.Is(err, jwt.ErrExpiredToken):
			// nothing left to deny
		default:
			errs = append(errs, err)
		}
	}

	if refreshValue != "" {
		if _, err := s.revoker.RevokeTokenFamily(ctx, refreshValue, revocation.ReasonLogout, userID, ip); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("logout completed with errors", zap.Uint("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// SessionStatus verifies the access token and rotates early when it has
// expired or expires within the configured leeway.
func (s *Service) SessionStatus(ctx context.Context, accessToken, refreshValue string, vc VerifyContext) (*Status, error) {
	verification, err := s.VerifyAccessToken(ctx, accessToken, vc)
	if err != nil {
		return nil, err
	}

	if verification.Valid && !s.expiresSoon(verification.Claims) {
		return &Status{Authenticated: true, Verification: verification}, nil
	}

	refreshable := verification.Valid ||
		verification.Reason == tokenerr.ReasonExpiredToken ||
		verification.Reason == tokenerr.ReasonValidation
	if !refreshable || refreshValue == "" {
		return &Status{Authenticated: verification.Valid, Reason: verification.Reason, Verification: verification}, nil
	}

	refreshed, err := s.RefreshTokens(ctx, refreshValue, rotation.RequestContext{
		IPAddress:  vc.IPAddress,
		Location:   vc.Location,
		UserAgent:  vc.UserAgent,
		DeviceHash: vc.DeviceHash,
	})
	if err != nil {
		return nil, err
	}
	if !refreshed.Valid {
		return &Status{Authenticated: false, Reason: refreshed.Reason}, nil
	}
	return &Status{Authenticated: true, Refreshed: refreshed}, nil
}

func (s *Service) expiresSoon(claims *jwt.Claims) bool {
	if claims == nil || claims.ExpiresAt == nil {
		return false
	}
	return !s.now().Add(s.leeway).Before(claims.ExpiresAt.Time)
}

func (s *Service) GenerateCSRFToken(userID uint, accessTokenID string) (string, error) {
	return s.csrf.GenerateCSRFToken(userID, accessTokenID)
}

func (s *Service) VerifyCSRFToken(token, accessTokenID string, userID uint) (bool, error) {
	return s.csrf.VerifyCSRFToken(token, accessTokenID, userID)
}

func (s *Service) RevokeToken(ctx context.Context, value, reason string, userID uint, ip string) error {
	return s.revoker.RevokeToken(ctx, value, reason, userID, ip)
}

func (s *Service) RevokeAllUserTokens(ctx context.Context, userID uint, reason string) (int64, error) {
	return s.revoker.RevokeAllUserTokens(ctx, userID, reason)
}

func (s *Service) GetUserSecurityAnalytics(ctx context.Context, userID uint) (*revocation.SecurityAnalytics, error) {
	return s.revoker.GetUserSecurityAnalytics(ctx, userID)
}
