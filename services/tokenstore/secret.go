package tokenstore

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
)

var ErrMalformedValue = fmt.Errorf("%w: malformed refresh token", tokenerr.ErrValidation)

// NewSecret returns length random bytes encoded base64url without padding.
func NewSecret(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// EncodeValue builds the opaque value handed to the client: <record id>.<secret>.
func EncodeValue(id, secret string) string {
	return id + "." + secret
}

// ParseValue splits a client supplied refresh token. Only the shape is
// checked here; the secret is verified against the stored hash.
func ParseValue(value string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(value), ".")
	if !ok || secret == "" {
		return "", "", ErrMalformedValue
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", "", ErrMalformedValue
	}
	if _, err := base64.RawURLEncoding.DecodeString(secret); err != nil {
		return "", "", ErrMalformedValue
	}
	return id, secret, nil
}

// MatchesSecret compares in constant time.
func (r *TokenRecord) MatchesSecret(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(r.SecretHash), []byte(HashSecret(secret))) == 1
}

// Lineage describes the record to mint. Generation 1 with an empty ParentID
// starts a new family.
type Lineage struct {
	FamilyID   string
	Generation int
	ParentID   string
	UserID     uint
	DeviceHash string
	UserAgent  string
	IP         string
	Location   string
	AuthMethod string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Mint builds an active record and the value to hand to the client. The
// record is not persisted.
func Mint(l Lineage, secretLength int) (*TokenRecord, string, error) {
	secret, err := NewSecret(secretLength)
	if err != nil {
		return nil, "", err
	}

	record := &TokenRecord{
		ID:           uuid.NewString(),
		FamilyID:     l.FamilyID,
		Generation:   l.Generation,
		ParentID:     l.ParentID,
		UserID:       l.UserID,
		SecretHash:   HashSecret(secret),
		DeviceHash:   l.DeviceHash,
		UserAgent:    truncate(l.UserAgent, 500),
		IssuedFromIP: truncate(l.IP, 64),
		Location:     truncate(l.Location, 128),
		AuthMethod:   truncate(l.AuthMethod, 32),
		Status:       StatusActive,
		IssuedAt:     l.IssuedAt,
		ExpiresAt:    l.ExpiresAt,
	}
	return record, EncodeValue(record.ID, secret), nil
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
