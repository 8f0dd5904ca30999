package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrRecordNotFound = errors.New("token record not found")

// Store persists refresh token records. Every mutation is a single-row or
// single-statement conditional update; correctness never depends on an
// in-process lock.
type Store interface {
	Create(ctx context.Context, record *TokenRecord) error
	Get(ctx context.Context, id string) (*TokenRecord, error)
	// MarkRotated flips id from active to rotated. It reports false when the
	// record was not active at the time of the update.
	MarkRotated(ctx context.Context, id string, at time.Time) (bool, error)
	// Revoke marks a single record revoked unless it already is.
	Revoke(ctx context.Context, id string, rev Revocation) (bool, error)
	RevokeFamily(ctx context.Context, familyID string, rev Revocation) (int64, error)
	RevokeUser(ctx context.Context, userID uint, rev Revocation) (int64, error)
	ListFamily(ctx context.Context, familyID string) ([]TokenRecord, error)
	KnownLocations(ctx context.Context, userID uint) ([]string, error)
	Analytics(ctx context.Context, userID uint, now time.Time) (*Analytics, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type GormStore struct {
	db      *gorm.DB
	timeout time.Duration
	logger  *logging.Service
}

func NewGormStore(db *gorm.DB, timeout time.Duration, logger *logging.Service) *GormStore {
	return &GormStore{
		db:      db,
		timeout: timeout,
		logger:  logger,
	}
}

func (s *GormStore) withTimeout(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if s.timeout <= 0 {
		return s.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

func (s *GormStore) Create(ctx context.Context, record *TokenRecord) error {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := db.Create(record).Error; err != nil {
		s.logger.Error("failed to persist token record",
			zap.String("token_id", record.ID),
			zap.String("family_id", record.FamilyID),
			zap.Int("generation", record.Generation),
			zap.Error(err))
		return fmt.Errorf("%w: %w", tokenerr.ErrStoreWrite, tokenerr.Unavailable(err))
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*TokenRecord, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	var record TokenRecord
	err := db.Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		s.logger.Error("failed to load token record", zap.String("token_id", id), zap.Error(err))
		return nil, fmt.Errorf("load token record: %w", tokenerr.Unavailable(err))
	}
	return &record, nil
}

func (s *GormStore) MarkRotated(ctx context.Context, id string, at time.Time) (bool, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	result := db.Model(&TokenRecord{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Updates(map[string]any{
			"status":     StatusRotated,
			"rotated_at": at,
		})
	if result.Error != nil {
		s.logger.Error("conditional rotate failed",
			zap.String("token_id", id),
			zap.Error(result.Error))
		return false, fmt.Errorf("rotate token record: %w", tokenerr.Unavailable(result.Error))
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) Revoke(ctx context.Context, id string, rev Revocation) (bool, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	result := db.Model(&TokenRecord{}).
		Where("id = ? AND status <> ?", id, StatusRevoked).
		Updates(revocationUpdates(rev))
	if result.Error != nil {
		return false, fmt.Errorf("revoke token record: %w", tokenerr.Unavailable(result.Error))
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) RevokeFamily(ctx context.Context, familyID string, rev Revocation) (int64, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	result := db.Model(&TokenRecord{}).
		Where("family_id = ? AND status <> ?", familyID, StatusRevoked).
		Updates(revocationUpdates(rev))
	if result.Error != nil {
		return 0, fmt.Errorf("revoke token family: %w", tokenerr.Unavailable(result.Error))
	}
	return result.RowsAffected, nil
}

func (s *GormStore) RevokeUser(ctx context.Context, userID uint, rev Revocation) (int64, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	result := db.Model(&TokenRecord{}).
		Where("user_id = ? AND status <> ?", userID, StatusRevoked).
		Updates(revocationUpdates(rev))
	if result.Error != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", tokenerr.Unavailable(result.Error))
	}
	return result.RowsAffected, nil
}

func (s *GormStore) ListFamily(ctx context.Context, familyID string) ([]TokenRecord, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	var records []TokenRecord
	if err := db.Where("family_id = ?", familyID).Order("generation ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list token family: %w", tokenerr.Unavailable(err))
	}
	return records, nil
}

// KnownLocations returns the location keys the user has issued from. A
// record without a resolved location is keyed by its client IP, matching
// what the risk assessor compares against.
func (s *GormStore) KnownLocations(ctx context.Context, userID uint) ([]string, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	var locations []string
	err := db.Model(&TokenRecord{}).
		Where("user_id = ? AND (location <> '' OR issued_from_ip <> '')", userID).
		Distinct().
		Pluck("CASE WHEN location <> '' THEN location ELSE issued_from_ip END", &locations).Error
	if err != nil {
		return nil, fmt.Errorf("list known locations: %w", tokenerr.Unavailable(err))
	}
	return locations, nil
}

func (s *GormStore) Analytics(ctx context.Context, userID uint, now time.Time) (*Analytics, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	var a Analytics
	user := func() *gorm.DB {
		return db.Model(&TokenRecord{}).Where("user_id = ?", userID)
	}

	if err := user().Count(&a.TotalTokens).Error; err != nil {
		return nil, fmt.Errorf("count tokens: %w", tokenerr.Unavailable(err))
	}
	if err := user().Where("status = ? AND expires_at > ?", StatusActive, now).Count(&a.ActiveTokens).Error; err != nil {
		return nil, fmt.Errorf("count active tokens: %w", tokenerr.Unavailable(err))
	}
	if err := user().Where("status = ? AND expires_at > ?", StatusActive, now).Distinct("family_id").Count(&a.ActiveFamilies).Error; err != nil {
		return nil, fmt.Errorf("count active families: %w", tokenerr.Unavailable(err))
	}
	if err := user().Where("device_hash <> ''").Distinct("device_hash").Count(&a.UniqueDeviceCount).Error; err != nil {
		return nil, fmt.Errorf("count devices: %w", tokenerr.Unavailable(err))
	}
	if err := user().Where("location <> ''").Distinct("location").Count(&a.UniqueLocationCount).Error; err != nil {
		return nil, fmt.Errorf("count locations: %w", tokenerr.Unavailable(err))
	}

	if a.TotalTokens > 0 {
		var latest TokenRecord
		if err := user().Order("issued_at DESC").First(&latest).Error; err != nil {
			return nil, fmt.Errorf("load latest token: %w", tokenerr.Unavailable(err))
		}
		issued := latest.IssuedAt
		a.LastIssuedAt = &issued
	}

	return &a, nil
}

// PurgeExpired deletes records that expired before the cutoff. Families that
// still hold an active record are left whole so a replayed ancestor is
// recognised as reuse rather than as an unknown token.
func (s *GormStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	// Wrapped in a derived table; MySQL rejects a subquery on the delete target.
	live := db.Model(&TokenRecord{}).
		Select("family_id").
		Where("status = ? AND expires_at > ?", StatusActive, before)
	result := db.Where("expires_at < ?", before).
		Where("family_id NOT IN (?)", db.Table("(?) AS live", live).Select("family_id")).
		Delete(&TokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", tokenerr.Unavailable(result.Error))
	}
	return result.RowsAffected, nil
}

func revocationUpdates(rev Revocation) map[string]any {
	return map[string]any{
		"status":          StatusRevoked,
		"revoke_reason":   rev.Reason,
		"revoked_at":      rev.RevokedAt,
		"revoked_by":      rev.RevokedBy,
		"revoked_from_ip": rev.RevokedFromIP,
	}
}
