package issuer

import (
	"context"
	"errors"
	"time"
)

var ErrUserNotFound = errors.New("user not found")

// User is the slice of the account the engine needs.
type User struct {
	ID          uint
	Locked      bool
	LockedUntil *time.Time
}

// IsLocked treats a lock with a past LockedUntil as expired.
func (u *User) IsLocked(now time.Time) bool {
	if u == nil {
		return false
	}
	if u.LockedUntil != nil && now.Before(*u.LockedUntil) {
		return true
	}
	return u.Locked && u.LockedUntil == nil
}

// UserProvider is implemented by the account layer.
type UserProvider interface {
	GetUser(ctx context.Context, id uint) (*User, error)
}

// SessionContext describes the authentication event behind an issuance.
type SessionContext struct {
	IPAddress string
	Location  string
	// RevokeOldTokens revokes every earlier family of the user before the
	// new one is created. Login and registration set it.
	RevokeOldTokens bool
	AuthMethod      string
}

type AccessTokenResult struct {
	Token         string    `json:"token"`
	TokenID       string    `json:"token_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	RiskScore     int       `json:"risk_score"`
	DeviceTrusted bool      `json:"device_trusted"`
}

type RefreshTokenResult struct {
	Token      string    `json:"token"`
	TokenID    string    `json:"token_id"`
	FamilyID   string    `json:"family_id"`
	Generation int       `json:"generation"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Pair is the result of a login: the refresh record is persisted before the
// access token is minted.
type Pair struct {
	Access  AccessTokenResult  `json:"access"`
	Refresh RefreshTokenResult `json:"refresh"`
}
