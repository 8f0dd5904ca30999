package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Trust levels run from TrustNone to TrustMax; anything at or above
// TrustKnown counts as a trusted device.
const (
	TrustNone  = 0
	TrustKnown = 1
	TrustMax   = 3
)

// Device belongs to a user and is keyed by its fingerprint.
type Device struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	UserID     uint      `json:"user_id" gorm:"not null;uniqueIndex:idx_user_device,priority:1"`
	DeviceHash string    `json:"device_hash" gorm:"size:64;not null;uniqueIndex:idx_user_device,priority:2"`
	Name       string    `json:"name" gorm:"size:255"`
	TrustLevel int       `json:"trust_level" gorm:"not null;default:0"`
	AddedAt    time.Time `json:"added_at"`
	LastUsed   time.Time `json:"last_used"`
}

func (Device) TableName() string {
	return "user_devices"
}

func (d *Device) Trusted() bool {
	return d != nil && d.TrustLevel >= TrustKnown
}

type Registry interface {
	Lookup(ctx context.Context, userID uint, hash string) (*Device, error)
	Touch(ctx context.Context, userID uint, hash, name string, at time.Time) (*Device, error)
	Promote(ctx context.Context, userID uint, hash string) (int, error)
	List(ctx context.Context, userID uint) ([]Device, error)
}

type GormRegistry struct {
	db      *gorm.DB
	timeout time.Duration
	logger  *logging.Service
}

func NewGormRegistry(db *gorm.DB, timeout time.Duration, logger *logging.Service) *GormRegistry {
	return &GormRegistry{db: db, timeout: timeout, logger: logger}
}

func (r *GormRegistry) session(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if r.timeout <= 0 {
		return r.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	return r.db.WithContext(ctx), cancel
}

// Lookup returns nil without error for unknown devices.
func (r *GormRegistry) Lookup(ctx context.Context, userID uint, hash string) (*Device, error) {
	if hash == "" {
		return nil, nil
	}

	db, cancel := r.session(ctx)
	defer cancel()

	var d Device
	err := db.Where("user_id = ? AND device_hash = ?", userID, hash).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup device: %w", tokenerr.Unavailable(err))
	}
	return &d, nil
}

// Touch registers the device on first sight and bumps last_used afterwards.
func (r *GormRegistry) Touch(ctx context.Context, userID uint, hash, name string, at time.Time) (*Device, error) {
	if hash == "" {
		return nil, nil
	}

	db, cancel := r.session(ctx)
	defer cancel()

	d := Device{
		UserID:     userID,
		DeviceHash: hash,
		Name:       name,
		TrustLevel: TrustNone,
		AddedAt:    at,
		LastUsed:   at,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_hash"}},
		DoUpdates: clause.Assignments(map[string]any{"last_used": at}),
	}).Create(&d).Error
	if err != nil {
		return nil, fmt.Errorf("touch device: %w", tokenerr.Unavailable(err))
	}

	var stored Device
	if err := db.Where("user_id = ? AND device_hash = ?", userID, hash).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("reload device: %w", tokenerr.Unavailable(err))
	}
	return &stored, nil
}

// Promote raises the trust level by one, capped at TrustMax, and returns
// the resulting level.
func (r *GormRegistry) Promote(ctx context.Context, userID uint, hash string) (int, error) {
	db, cancel := r.session(ctx)
	defer cancel()

	result := db.Model(&Device{}).
		Where("user_id = ? AND device_hash = ? AND trust_level < ?", userID, hash, TrustMax).
		Update("trust_level", gorm.Expr("trust_level + 1"))
	if result.Error != nil {
		return 0, fmt.Errorf("promote device: %w", tokenerr.Unavailable(result.Error))
	}

	var d Device
	if err := db.Where("user_id = ? AND device_hash = ?", userID, hash).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TrustNone, nil
		}
		return 0, fmt.Errorf("reload device: %w", tokenerr.Unavailable(err))
	}

	if result.RowsAffected > 0 {
		r.logger.Info("device trust promoted",
			zap.Uint("user_id", userID),
			zap.Int("trust_level", d.TrustLevel))
	}
	return d.TrustLevel, nil
}

func (r *GormRegistry) List(ctx context.Context, userID uint) ([]Device, error) {
	db, cancel := r.session(ctx)
	defer cancel()

	var devices []Device
	if err := db.Where("user_id = ?", userID).Order("last_used DESC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", tokenerr.Unavailable(err))
	}
	return devices, nil
}
