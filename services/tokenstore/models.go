package tokenstore

import (
	"time"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusRotated Status = "rotated"
	StatusRevoked Status = "revoked"
)

// TokenRecord is one row per refresh token ever issued. Within a family at
// most one record is active and generations are gapless starting at 1.
type TokenRecord struct {
	ID           string     `json:"id" gorm:"primaryKey;size:36"`
	FamilyID     string     `json:"family_id" gorm:"size:36;not null;index;uniqueIndex:idx_token_family_generation,priority:1"`
	Generation   int        `json:"generation" gorm:"not null;uniqueIndex:idx_token_family_generation,priority:2"`
	ParentID     string     `json:"parent_id,omitempty" gorm:"size:36"`
	UserID       uint       `json:"user_id" gorm:"not null;index"`
	SecretHash   string     `json:"-" gorm:"size:64;not null"`
	DeviceHash   string     `json:"device_hash" gorm:"size:64;index"`
	UserAgent    string     `json:"user_agent" gorm:"size:500"`
	IssuedFromIP string     `json:"issued_from_ip" gorm:"size:64"`
	Location     string     `json:"location" gorm:"size:128"`
	AuthMethod   string     `json:"auth_method" gorm:"size:32"`
	Status       Status     `json:"status" gorm:"size:16;not null;index"`
	IssuedAt     time.Time  `json:"issued_at" gorm:"not null"`
	ExpiresAt    time.Time  `json:"expires_at" gorm:"not null;index"`
	RotatedAt    *time.Time `json:"rotated_at,omitempty"`

	RevokeReason  string     `json:"revoke_reason,omitempty" gorm:"size:64"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedBy     string     `json:"revoked_by,omitempty" gorm:"size:64"`
	RevokedFromIP string     `json:"revoked_from_ip,omitempty" gorm:"size:64"`
}

func (TokenRecord) TableName() string {
	return "token_records"
}

// Revocation is the audit block written alongside status=revoked.
type Revocation struct {
	Reason        string
	RevokedAt     time.Time
	RevokedBy     string
	RevokedFromIP string
}

// RevocationInfo returns nil for records that were never revoked.
func (r *TokenRecord) RevocationInfo() *Revocation {
	if r.RevokedAt == nil {
		return nil
	}
	return &Revocation{
		Reason:        r.RevokeReason,
		RevokedAt:     *r.RevokedAt,
		RevokedBy:     r.RevokedBy,
		RevokedFromIP: r.RevokedFromIP,
	}
}

func (r *TokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Usable reports whether the record may still be exchanged at now.
func (r *TokenRecord) Usable(now time.Time) bool {
	return r.Status == StatusActive && !r.IsExpired(now)
}

// Analytics backs the active sessions screen.
type Analytics struct {
	ActiveTokens        int64      `json:"active_tokens"`
	TotalTokens         int64      `json:"total_tokens"`
	ActiveFamilies      int64      `json:"active_families"`
	UniqueDeviceCount   int64      `json:"unique_device_count"`
	UniqueLocationCount int64      `json:"unique_location_count"`
	LastIssuedAt        *time.Time `json:"last_issued_at,omitempty"`
}
