package jwt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tech-arch1tect/tokenguard/config"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"go.uber.org/zap"
)

var (
	ErrInvalidToken     = errors.New("invalid JWT token")
	ErrExpiredToken     = errors.New("JWT token has expired")
	ErrMalformedToken   = errors.New("malformed JWT token")
	ErrInvalidSignature = errors.New("invalid JWT token signature")
	ErrTokenRevoked     = errors.New("JWT token has been revoked")
)

const TokenTypeAccess = "access"

type Claims struct {
	UserID     uint   `json:"user_id"`
	TokenType  string `json:"token_type"`
	FamilyID   string `json:"fid,omitempty"`
	DeviceHash string `json:"dh,omitempty"`
	jwt.RegisteredClaims
}

// JTI is the access token identifier that CSRF tokens and the denylist key on.
func (c *Claims) JTI() string {
	return c.ID
}

type AccessToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Denylist answers whether an access token id was explicitly revoked.
type Denylist interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type Service struct {
	config   *config.Config
	logger   *logging.Service
	denylist Denylist
	now      func() time.Time
}

func NewService(cfg *config.Config, logger *logging.Service) *Service {
	return &Service{
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) SetDenylist(denylist Denylist) {
	s.denylist = denylist
}

func (s *Service) AccessExpiry() time.Duration {
	return s.config.JWT.AccessExpiry
}

// Issue signs a new access token. familyID ties it to the refresh lineage
// it was minted with.
func (s *Service) Issue(userID uint, familyID, deviceHash string) (*AccessToken, error) {
	now := s.now()
	jti := uuid.NewString()
	expiresAt := now.Add(s.config.JWT.AccessExpiry)

	claims := Claims{
		UserID:     userID,
		TokenType:  TokenTypeAccess,
		FamilyID:   familyID,
		DeviceHash: deviceHash,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.config.JWT.Issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			Audience:  []string{s.config.JWT.Issuer},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.config.JWT.SecretKey))
	if err != nil {
		s.logger.Error("failed to sign access token", zap.Error(err))
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &AccessToken{
		Token:     tokenString,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// Parse checks signature, algorithm, issuer and expiry without consulting
// the denylist.
func (s *Service) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected algorithm: expected HS256, got %s", token.Method.Alg())
		}
		return []byte(s.config.JWT.SecretKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.JWT.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		s.logger.Debug("access token parse failed", zap.Error(err))

		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformedToken
		case errors.Is(err, jwt.ErrSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrInvalidToken
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != TokenTypeAccess || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Validate is Parse plus the denylist check. A denylist failure is a store
// fault, never a pass.
func (s *Service) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.Parse(tokenString)
	if err != nil {
		return nil, err
	}

	if s.denylist != nil {
		revoked, err := s.denylist.IsRevoked(ctx, claims.ID)
		if err != nil {
			s.logger.Error("failed to check access token denylist",
				zap.String("jti", claims.ID),
				zap.Error(err))
			return nil, fmt.Errorf("token validation failed: %w", tokenerr.Unavailable(err))
		}
		if revoked {
			s.logger.Warn("access token rejected - jti is denylisted",
				zap.String("jti", claims.ID),
				zap.Uint("user_id", claims.UserID))
			return nil, ErrTokenRevoked
		}
	}

	return claims, nil
}

// Reason maps validation errors onto the shared taxonomy.
func Reason(err error) tokenerr.Reason {
	switch {
	case err == nil:
		return tokenerr.ReasonNone
	case errors.Is(err, ErrExpiredToken):
		return tokenerr.ReasonExpiredToken
	case errors.Is(err, ErrTokenRevoked):
		return tokenerr.ReasonRevokedToken
	case errors.Is(err, tokenerr.ErrStoreUnavailable):
		return tokenerr.ReasonUnavailable
	default:
		return tokenerr.ReasonInvalidToken
	}
}
