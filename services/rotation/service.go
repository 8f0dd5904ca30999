// Package rotation exchanges a refresh token for the next generation of its
// family and treats any replay of a consumed generation as theft.
//
// The only synchronisation point is the store's conditional update from
// active to rotated. Exactly one caller can win it for a given record;
// every loser cascades a revoke over the whole family.
package rotation

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
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"github.com/tech-arch1tect/tokenguard/services/tokenstore"
	"go.uber.org/zap"
)

type Service struct {
	store        tokenstore.Store
	tokens       *jwt.Service
	csrf         *csrf.Service
	assessor     *risk.Assessor
	devices      device.Registry
	revoker      *revocation.Service
	recorder     audit.Recorder
	users        issuer.UserProvider
	refreshTTL   time.Duration
	secretLength int
	logger       *logging.Service
	now          func() time.Time
}

func NewService(
	cfg *config.Config,
	store tokenstore.Store,
	tokens *jwt.Service,
	csrfSvc *csrf.Service,
	assessor *risk.Assessor,
	devices device.Registry,
	revoker *revocation.Service,
	recorder audit.Recorder,
	logger *logging.Service,
) *Service {
	return &Service{
		store:        store,
		tokens:       tokens,
		csrf:         csrfSvc,
		assessor:     assessor,
		devices:      devices,
		revoker:      revoker,
		recorder:     recorder,
		refreshTTL:   cfg.RefreshToken.Expiry,
		secretLength: cfg.RefreshToken.TokenLength,
		logger:       logger,
		now:          time.Now,
	}
}

// SetUserProvider enables the account lock check on refresh.
func (s *Service) SetUserProvider(users issuer.UserProvider) {
	s.users = users
}

// Refresh consumes value and returns the next generation. It never retries
// a failed conditional update.
func (s *Service) Refresh(ctx context.Context, value string, rc RequestContext) (*Result, error) {
	if value == "" {
		return rejected(tokenerr.ReasonValidation), nil
	}

	id, secret, err := tokenstore.ParseValue(value)
	if err != nil {
		return rejected(tokenerr.ReasonInvalidToken), nil
	}

	record, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, tokenstore.ErrRecordNotFound) {
			return rejected(tokenerr.ReasonInvalidToken), nil
		}
		return nil, err
	}

	// a wrong secret proves nothing about the family, so no cascade
	if !record.MatchesSecret(secret) {
		s.logger.Warn("refresh token secret mismatch", zap.String("token_id", record.ID))
		return rejected(tokenerr.ReasonInvalidToken), nil
	}

	if record.Status != tokenstore.StatusActive {
		return s.reuseDetected(ctx, record, rc, audit.EventReuseDetected, revocation.ReasonReuseDetected)
	}

	now := s.now()
	if record.IsExpired(now) {
		return rejected(tokenerr.ReasonExpiredToken), nil
	}

	if reason, err := s.checkUser(ctx, record.UserID); err != nil || reason != tokenerr.ReasonNone {
		if err != nil {
			return nil, err
		}
		return rejected(reason), nil
	}

	won, err := s.store.MarkRotated(ctx, record.ID, now)
	if err != nil {
		s.logger.Error("refresh aborted, conditional rotate failed",
			zap.String("token_id", record.ID),
			zap.String("family_id", record.FamilyID),
			zap.Bool("indeterminate", errors.Is(err, tokenerr.ErrIndeterminate)),
			zap.Error(err))
		return nil, err
	}
	if !won {
		return s.reuseDetected(ctx, record, rc, audit.EventRaceLost, revocation.ReasonRaceLost)
	}

	return s.advance(ctx, record, rc, now)
}

func (s *Service) checkUser(ctx context.Context, userID uint) (tokenerr.Reason, error) {
	if s.users == nil {
		return tokenerr.ReasonNone, nil
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, issuer.ErrUserNotFound) {
			return tokenerr.ReasonInvalidToken, nil
		}
		return tokenerr.ReasonNone, fmt.Errorf("load user: %w", err)
	}
	if user.IsLocked(s.now()) {
		return tokenerr.ReasonAccountLocked, nil
	}
	return tokenerr.ReasonNone, nil
}

// advance runs after winning the conditional update.
func (s *Service) advance(ctx context.Context, parent *tokenstore.TokenRecord, rc RequestContext, now time.Time) (*Result, error) {
	dev := device.Info{Hash: rc.DeviceHash, UserAgent: rc.UserAgent}.Resolve()
	if dev.Hash == "" {
		dev.Hash = parent.DeviceHash
	}

	var assessment risk.Assessment
	if s.assessor != nil {
		assessment = s.assessor.Assess(ctx, risk.Signals{
			UserID:     parent.UserID,
			DeviceHash: dev.Hash,
			IPAddress:  rc.IPAddress,
			Location:   rc.Location,
			At:         now,
		})
	}

	child, value, err := tokenstore.Mint(tokenstore.Lineage{
		FamilyID:   parent.FamilyID,
		Generation: parent.Generation + 1,
		ParentID:   parent.ID,
		UserID:     parent.UserID,
		DeviceHash: dev.Hash,
		UserAgent:  rc.UserAgent,
		IP:         rc.IPAddress,
		Location:   rc.Location,
		AuthMethod: parent.AuthMethod,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.refreshTTL),
	}, s.secretLength)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, child); err != nil {
		return nil, err
	}

	if err := s.settleRace(ctx, parent, child); err != nil {
		return nil, err
	}

	access, err := s.tokens.Issue(parent.UserID, parent.FamilyID, dev.Hash)
	if err != nil {
		return nil, err
	}

	var csrfToken string
	if s.csrf != nil {
		csrfToken, err = s.csrf.GenerateCSRFToken(parent.UserID, access.JTI)
		if err != nil {
			return nil, err
		}
	}

	if s.devices != nil && dev.Hash != "" {
		if _, err := s.devices.Touch(ctx, parent.UserID, dev.Hash, "", now); err != nil {
			s.logger.Warn("failed to record device use", zap.Uint("user_id", parent.UserID), zap.Error(err))
		}
	}

	s.logger.Info("refresh token rotated",
		zap.Uint("user_id", parent.UserID),
		zap.String("family_id", parent.FamilyID),
		zap.Int("generation", child.Generation),
		zap.Int("risk_score", assessment.Score))

	return &Result{
		Valid:            true,
		UserID:           parent.UserID,
		AccessToken:      access.Token,
		AccessTokenID:    access.JTI,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     value,
		RefreshExpiresAt: child.ExpiresAt,
		CSRFToken:        csrfToken,
		Metadata: Metadata{
			Rotated:       true,
			Generation:    child.Generation,
			FamilyID:      parent.FamilyID,
			RiskScore:     assessment.Score,
			DeviceTrusted: assessment.DeviceTrusted,
		},
	}, nil
}

// settleRace re-reads the parent after the child is stored. If a losing
// caller cascaded in between, the child may have been inserted after that
// cascade and would survive it, so it is revoked here.
func (s *Service) settleRace(ctx context.Context, parent, child *tokenstore.TokenRecord) error {
	current, err := s.store.Get(ctx, parent.ID)
	if err != nil {
		return err
	}
	if current.Status != tokenstore.StatusRevoked {
		return nil
	}

	if _, err := s.store.Revoke(ctx, child.ID, tokenstore.Revocation{
		Reason:    revocation.ReasonRaceLost,
		RevokedAt: s.now(),
		RevokedBy: "system",
	}); err != nil {
		return err
	}
	s.logger.Warn("new generation revoked, family was cascaded during rotation",
		zap.String("family_id", parent.FamilyID),
		zap.Int("generation", child.Generation))
	return nil
}

func (s *Service) reuseDetected(ctx context.Context, record *tokenstore.TokenRecord, rc RequestContext, event, reason string) (*Result, error) {
	count, err := s.revoker.RevokeFamily(ctx, record.FamilyID, reason, "system", rc.IPAddress)
	if err != nil {
		s.logReuse(event, record, rc)
		return nil, fmt.Errorf("cascade revoke after reuse: %w", err)
	}

	// The recorder writes the log line itself.
	if s.recorder != nil {
		_ = s.recorder.Record(ctx, audit.SecurityEvent{
			Type:      event,
			Severity:  string(logging.SeverityHigh),
			UserID:    record.UserID,
			FamilyID:  record.FamilyID,
			TokenID:   record.ID,
			IPAddress: rc.IPAddress,
			Detail:    fmt.Sprintf("generation %d presented while %s, %d records revoked", record.Generation, record.Status, count),
		})
	} else {
		s.logReuse(event, record, rc)
	}

	return rejected(tokenerr.ReasonReusedToken), nil
}

func (s *Service) logReuse(event string, record *tokenstore.TokenRecord, rc RequestContext) {
	s.logger.SecurityEvent(event, logging.SeverityHigh,
		zap.Uint("user_id", record.UserID),
		zap.String("family_id", record.FamilyID),
		zap.String("token_id", record.ID),
		zap.Int("generation", record.Generation),
		zap.String("status", string(record.Status)),
		zap.String("ip_address", rc.IPAddress))
}
