// Package revocation implements single-token, family and per-user
// revocation of refresh token records plus the access token denylist.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tech-arch1tect/tokenguard/services/audit"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"github.com/tech-arch1tect/tokenguard/services/tokenstore"
	"go.uber.org/zap"
)

const (
	ReasonLogout        = "logout"
	ReasonPasswordReset = "password_reset"
	ReasonReuseDetected = "reuse_detected"
	ReasonRaceLost      = "concurrent_refresh"
	ReasonNewLogin      = "new_login"
	ReasonHighRisk      = "high_risk"
	ReasonAdmin         = "admin_terminated"
)

const recentEventLimit = 20

var (
	ErrTokenNotFound = errors.New("refresh token not found")
	ErrTokenNotOwned = errors.New("refresh token belongs to another user")
	ErrMissingReason = fmt.Errorf("%w: revocation reason is required", tokenerr.ErrValidation)
	ErrMissingUser   = fmt.Errorf("%w: user id is required", tokenerr.ErrValidation)
	ErrMissingFamily = fmt.Errorf("%w: family id is required", tokenerr.ErrValidation)
)

// SecurityAnalytics backs the active sessions screen.
type SecurityAnalytics struct {
	tokenstore.Analytics
	RecentEvents []audit.SecurityEvent `json:"recent_events,omitempty"`
}

type Service struct {
	store    tokenstore.Store
	denylist Denylist
	recorder audit.Recorder
	logger   *logging.Service
	now      func() time.Time
}

func NewService(store tokenstore.Store, denylist Denylist, recorder audit.Recorder, logger *logging.Service) *Service {
	return &Service{
		store:    store,
		denylist: denylist,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) revocation(reason, by, ip string) tokenstore.Revocation {
	return tokenstore.Revocation{
		Reason:        reason,
		RevokedAt:     s.now(),
		RevokedBy:     by,
		RevokedFromIP: ip,
	}
}

func (s *Service) record(ctx context.Context, event audit.SecurityEvent) {
	if s.recorder == nil {
		return
	}
	// audit failures never undo a revocation
	_ = s.recorder.Record(ctx, event)
}

// resolve finds the record behind a client value, checking the secret and,
// when userID is non-zero, ownership.
func (s *Service) resolve(ctx context.Context, value string, userID uint) (*tokenstore.TokenRecord, error) {
	id, secret, err := tokenstore.ParseValue(value)
	if err != nil {
		return nil, err
	}

	record, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, tokenstore.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if !record.MatchesSecret(secret) {
		return nil, ErrTokenNotFound
	}
	if userID != 0 && record.UserID != userID {
		s.logger.Warn("refusing to revoke token owned by another user",
			zap.Uint("user_id", userID),
			zap.String("token_id", record.ID))
		return nil, ErrTokenNotOwned
	}
	return record, nil
}

func actor(userID uint) string {
	if userID == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(userID), 10)
}

// RevokeToken revokes the single record behind a refresh token value.
// Revoking an already revoked record is a no-op. When userID is non-zero
// the token must belong to that user.
func (s *Service) RevokeToken(ctx context.Context, value, reason string, userID uint, ip string) error {
	if reason == "" {
		return ErrMissingReason
	}

	record, err := s.resolve(ctx, value, userID)
	if err != nil {
		return err
	}

	changed, err := s.store.Revoke(ctx, record.ID, s.revocation(reason, actor(userID), ip))
	if err != nil {
		return err
	}
	if !changed {
		s.logger.Debug("refresh token already revoked", zap.String("token_id", record.ID))
		return nil
	}

	s.logger.Info("refresh token revoked",
		zap.Uint("user_id", record.UserID),
		zap.String("token_id", record.ID),
		zap.String("family_id", record.FamilyID),
		zap.String("reason", reason))
	s.record(ctx, audit.SecurityEvent{
		Type:      audit.EventTokenRevoked,
		Severity:  string(logging.SeverityLow),
		UserID:    record.UserID,
		FamilyID:  record.FamilyID,
		TokenID:   record.ID,
		IPAddress: ip,
		Detail:    reason,
	})
	return nil
}

// RevokeFamily revokes every generation of a family, rotated ones included.
func (s *Service) RevokeFamily(ctx context.Context, familyID, reason, by, ip string) (int64, error) {
	if familyID == "" {
		return 0, ErrMissingFamily
	}
	if reason == "" {
		return 0, ErrMissingReason
	}

	count, err := s.store.RevokeFamily(ctx, familyID, s.revocation(reason, by, ip))
	if err != nil {
		s.logger.Error("failed to revoke token family",
			zap.String("family_id", familyID),
			zap.String("reason", reason),
			zap.Error(err))
		return 0, err
	}

	s.logger.Info("token family revoked",
		zap.String("family_id", familyID),
		zap.String("reason", reason),
		zap.Int64("revoked_count", count))
	return count, nil
}

// RevokeTokenFamily revokes the whole family of the presented token. Logout
// uses it so that earlier rotated generations die with the session.
func (s *Service) RevokeTokenFamily(ctx context.Context, value, reason string, userID uint, ip string) (int64, error) {
	if reason == "" {
		return 0, ErrMissingReason
	}

	record, err := s.resolve(ctx, value, userID)
	if err != nil {
		return 0, err
	}

	count, err := s.RevokeFamily(ctx, record.FamilyID, reason, actor(userID), ip)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.record(ctx, audit.SecurityEvent{
			Type:      audit.EventFamilyRevoked,
			Severity:  string(logging.SeverityLow),
			UserID:    record.UserID,
			FamilyID:  record.FamilyID,
			TokenID:   record.ID,
			IPAddress: ip,
			Detail:    reason,
		})
	}
	return count, nil
}

// RevokeAllUserTokens revokes every record of every family of the user so
// that stale rotated tokens cannot be replayed later.
func (s *Service) RevokeAllUserTokens(ctx context.Context, userID uint, reason string) (int64, error) {
	if userID == 0 {
		return 0, ErrMissingUser
	}
	if reason == "" {
		return 0, ErrMissingReason
	}

	count, err := s.store.RevokeUser(ctx, userID, s.revocation(reason, "system", ""))
	if err != nil {
		s.logger.Error("failed to revoke user tokens",
			zap.Uint("user_id", userID),
			zap.String("reason", reason),
			zap.Error(err))
		return 0, err
	}

	s.logger.Info("revoked all user tokens",
		zap.Uint("user_id", userID),
		zap.String("reason", reason),
		zap.Int64("revoked_count", count))
	if count == 0 {
		return 0, nil
	}
	s.record(ctx, audit.SecurityEvent{
		Type:     audit.EventUserRevoked,
		Severity: string(logging.SeverityMedium),
		UserID:   userID,
		Detail:   reason,
	})
	return count, nil
}

// DenyAccessToken makes an access token unusable before its expiry.
func (s *Service) DenyAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return fmt.Errorf("%w: access token id is required", tokenerr.ErrValidation)
	}
	if s.denylist == nil {
		return nil
	}
	return s.denylist.Deny(ctx, jti, expiresAt)
}

func (s *Service) GetUserSecurityAnalytics(ctx context.Context, userID uint) (*SecurityAnalytics, error) {
	if userID == 0 {
		return nil, ErrMissingUser
	}

	analytics, err := s.store.Analytics(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}

	result := &SecurityAnalytics{Analytics: *analytics}
	if s.recorder != nil {
		events, err := s.recorder.ListForUser(ctx, userID, recentEventLimit)
		if err != nil {
			s.logger.Warn("security events unavailable for analytics",
				zap.Uint("user_id", userID),
				zap.Error(err))
		} else {
			result.RecentEvents = events
		}
	}
	return result, nil
}

// CleanupDenylist drops expired denylist entries.
func (s *Service) CleanupDenylist(ctx context.Context) error {
	if s.denylist == nil {
		return nil
	}
	if _, err := s.denylist.Cleanup(ctx); err != nil {
		s.logger.Error("failed to cleanup expired denylist entries", zap.Error(err))
		return fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}
	return nil
}

// StartCleanupWorker runs CleanupDenylist every interval until ctx is done.
func (s *Service) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	if s.denylist == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.CleanupDenylist(ctx)
			}
		}
	}()

	s.logger.Info("started denylist cleanup worker", zap.Duration("interval", interval))
}
