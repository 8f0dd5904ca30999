// Package csrf issues anti-forgery tokens bound to one access token and one
// user. Tokens are self-contained: the HMAC covers the access token id, so a
// token minted for one access token never verifies against another.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenVersion = "v1"
	nonceLength  = 16
	keyInfo      = "tokenguard csrf binding v1"
)

var (
	ErrMalformedToken = fmt.Errorf("%w: malformed CSRF token", tokenerr.ErrValidation)
	ErrMissingBinding = fmt.Errorf("%w: CSRF token requires a user and access token id", tokenerr.ErrValidation)
	ErrShortSecret    = errors.New("CSRF signing secret is empty")
)

type Service struct {
	key    []byte
	expiry time.Duration
	logger *logging.Service
	now    func() time.Time
}

// NewService derives the signing key from secret with HKDF so the CSRF key
// never equals the access token signing key.
func NewService(secret string, expiry time.Duration, logger *logging.Service) (*Service, error) {
	if secret == "" {
		return nil, ErrShortSecret
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive CSRF key: %w", err)
	}

	return &Service{
		key:    key,
		expiry: expiry,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *Service) Expiry() time.Duration {
	return s.expiry
}

// GenerateCSRFToken returns v1.<exp>.<nonce>.<mac>.
func (s *Service) GenerateCSRFToken(userID uint, accessTokenID string) (string, error) {
	if userID == 0 || accessTokenID == "" {
		return "", ErrMissingBinding
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate CSRF nonce: %w", err)
	}

	exp := strconv.FormatInt(s.now().Add(s.expiry).Unix(), 10)
	encodedNonce := base64.RawURLEncoding.EncodeToString(nonce)
	mac := s.sign(userID, accessTokenID, exp, encodedNonce)

	return strings.Join([]string{tokenVersion, exp, encodedNonce, mac}, "."), nil
}

// VerifyCSRFToken fails closed: an empty, expired or mismatched token yields
// false. Only a token that cannot be parsed at all returns an error.
func (s *Service) VerifyCSRFToken(token, accessTokenID string, userID uint) (bool, error) {
	if token == "" || accessTokenID == "" || userID == 0 {
		return false, nil
	}

	parts := strings.Split(token, ".")
	if len(parts) != 4 || parts[0] != tokenVersion {
		return false, ErrMalformedToken
	}

	expUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false, ErrMalformedToken
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return false, ErrMalformedToken
	}
	presented, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return false, ErrMalformedToken
	}

	expected, _ := base64.RawURLEncoding.DecodeString(s.sign(userID, accessTokenID, parts[1], parts[2]))
	if !hmac.Equal(presented, expected) {
		s.logger.Warn("CSRF token binding mismatch",
			zap.Uint("user_id", userID),
			zap.String("jti", accessTokenID))
		return false, nil
	}

	if !s.now().Before(time.Unix(expUnix, 0)) {
		s.logger.Debug("CSRF token expired", zap.Uint("user_id", userID))
		return false, nil
	}

	return true, nil
}

func (s *Service) sign(userID uint, accessTokenID, exp, nonce string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(tokenVersion))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatUint(uint64(userID), 10)))
	mac.Write([]byte{0})
	mac.Write([]byte(accessTokenID))
	mac.Write([]byte{0})
	mac.Write([]byte(exp))
	mac.Write([]byte{0})
	mac.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
