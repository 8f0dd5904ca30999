// Package audit persists security events next to the structured log line
// so the sessions screen and incident review can query them later.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	EventReuseDetected   = "refresh_token_reuse"
	EventRaceLost        = "refresh_race_lost"
	EventFamilyRevoked   = "family_revoked"
	EventUserRevoked     = "user_tokens_revoked"
	EventTokenRevoked    = "token_revoked"
	EventHighRiskBlocked = "high_risk_blocked"
	EventDeviceMismatch  = "device_mismatch"
)

type SecurityEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	Type      string    `json:"type" gorm:"size:64;not null;index"`
	Severity  string    `json:"severity" gorm:"size:16;not null"`
	UserID    uint      `json:"user_id" gorm:"index"`
	FamilyID  string    `json:"family_id,omitempty" gorm:"size:36;index"`
	TokenID   string    `json:"token_id,omitempty" gorm:"size:36"`
	IPAddress string    `json:"ip_address,omitempty" gorm:"size:64"`
	Detail    string    `json:"detail,omitempty" gorm:"size:500"`
}

func (SecurityEvent) TableName() string {
	return "security_events"
}

type Recorder interface {
	Record(ctx context.Context, event SecurityEvent) error
	ListForUser(ctx context.Context, userID uint, limit int) ([]SecurityEvent, error)
}

// GormRecorder writes every event to the log and, when persist is set, to
// the security_events table. A failed insert is logged and returned but
// callers treat it as best effort.
type GormRecorder struct {
	db      *gorm.DB
	persist bool
	timeout time.Duration
	logger  *logging.Service
	now     func() time.Time
}

func NewGormRecorder(db *gorm.DB, persist bool, timeout time.Duration, logger *logging.Service) *GormRecorder {
	return &GormRecorder{
		db:      db,
		persist: persist && db != nil,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

func (r *GormRecorder) Record(ctx context.Context, event SecurityEvent) error {
	if event.Severity == "" {
		event.Severity = string(logging.SeverityMedium)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now()
	}

	r.logger.SecurityEvent(event.Type, logging.Severity(event.Severity),
		zap.Uint("user_id", event.UserID),
		zap.String("family_id", event.FamilyID),
		zap.String("token_id", event.TokenID),
		zap.String("ip_address", event.IPAddress),
		zap.String("detail", event.Detail))

	if !r.persist {
		return nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if err := r.db.WithContext(ctx).Create(&event).Error; err != nil {
		r.logger.Error("failed to persist security event",
			zap.String("event", event.Type),
			zap.Error(err))
		return fmt.Errorf("persist security event: %w", tokenerr.Unavailable(err))
	}
	return nil
}

func (r *GormRecorder) ListForUser(ctx context.Context, userID uint, limit int) ([]SecurityEvent, error) {
	if !r.persist {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var events []SecurityEvent
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", tokenerr.Unavailable(err))
	}
	return events, nil
}
