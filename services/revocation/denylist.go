package revocation

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tech-arch1tect/tokenguard/services/logging"
	"github.com/tech-arch1tect/tokenguard/services/tokenerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func hashJTI(jti string) string {
	hash := sha256.Sum256([]byte(jti))
	return fmt.Sprintf("%x", hash[:8])
}

// RevokedAccessToken persists denylisted access token ids for the memory
// denylist so a restart does not resurrect logged-out access tokens.
type RevokedAccessToken struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	JTI       string    `json:"jti" gorm:"size:64;uniqueIndex;not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
}

func (RevokedAccessToken) TableName() string {
	return "revoked_access_tokens"
}

// Denylist holds access token ids revoked before their natural expiry.
// Entries only need to live until the access token would have expired.
type Denylist interface {
	Deny(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Cleanup(ctx context.Context) (int, error)
}

type MemoryDenylist struct {
	mu     sync.RWMutex
	tokens map[string]time.Time
	db     *gorm.DB
	logger *logging.Service
	now    func() time.Time
}

func NewMemoryDenylist(logger *logging.Service) *MemoryDenylist {
	return &MemoryDenylist{
		tokens: make(map[string]time.Time),
		logger: logger,
		now:    time.Now,
	}
}

// NewMemoryDenylistWithDB writes every entry through to the database.
func NewMemoryDenylistWithDB(db *gorm.DB, logger *logging.Service) *MemoryDenylist {
	d := NewMemoryDenylist(logger)
	d.db = db
	return d
}

func (m *MemoryDenylist) Deny(ctx context.Context, jti string, expiresAt time.Time) error {
	if !m.now().Before(expiresAt) {
		return nil
	}

	m.mu.Lock()
	m.tokens[jti] = expiresAt
	total := len(m.tokens)
	m.mu.Unlock()

	m.logger.Info("access token denylisted",
		zap.String("jti_hash", hashJTI(jti)),
		zap.Time("expires_at", expiresAt),
		zap.Int("total_memory_tokens", total))

	if m.db == nil {
		return nil
	}

	entry := RevokedAccessToken{JTI: jti, ExpiresAt: expiresAt}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
	if err != nil {
		m.logger.Error("failed to persist denylisted access token",
			zap.String("jti_hash", hashJTI(jti)),
			zap.Error(err))
		return fmt.Errorf("persist denylist entry: %w", tokenerr.Unavailable(err))
	}
	return nil
}

// IsRevoked consults the in-process map first. With a database attached a
// miss falls through to revoked_access_tokens, so entries denied by another
// instance are honoured; hits are cached locally.
func (m *MemoryDenylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	m.mu.RLock()
	expiresAt, exists := m.tokens[jti]
	m.mu.RUnlock()

	if !exists {
		return m.lookupPersisted(ctx, jti)
	}

	if !m.now().Before(expiresAt) {
		m.mu.Lock()
		delete(m.tokens, jti)
		m.mu.Unlock()
		return false, nil
	}

	return true, nil
}

func (m *MemoryDenylist) lookupPersisted(ctx context.Context, jti string) (bool, error) {
	if m.db == nil {
		return false, nil
	}

	var rows []RevokedAccessToken
	err := m.db.WithContext(ctx).
		Where("jti = ? AND expires_at > ?", jti, m.now()).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return false, fmt.Errorf("denylist lookup: %w", tokenerr.Unavailable(err))
	}
	if len(rows) == 0 {
		return false, nil
	}

	m.mu.Lock()
	m.tokens[jti] = rows[0].ExpiresAt
	m.mu.Unlock()
	return true, nil
}

func (m *MemoryDenylist) Cleanup(ctx context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	expired := 0
	for jti, expiresAt := range m.tokens {
		if !now.Before(expiresAt) {
			delete(m.tokens, jti)
			expired++
		}
	}
	remaining := len(m.tokens)
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&RevokedAccessToken{}).Error; err != nil {
			m.logger.Error("failed to clean expired denylist rows", zap.Error(err))
			return expired, fmt.Errorf("clean denylist: %w", tokenerr.Unavailable(err))
		}
	}

	if expired > 0 {
		m.logger.Info("cleaned up expired denylist entries",
			zap.Int("expired_count", expired),
			zap.Int("remaining_tokens", remaining))
	}
	return expired, nil
}

// Load restores unexpired entries persisted by an earlier process.
func (m *MemoryDenylist) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}

	var rows []RevokedAccessToken
	if err := m.db.WithContext(ctx).Where("expires_at > ?", m.now()).Find(&rows).Error; err != nil {
		m.logger.Error("failed to load denylist from database", zap.Error(err))
		return fmt.Errorf("load denylist: %w", err)
	}

	m.mu.Lock()
	for _, row := range rows {
		m.tokens[row.JTI] = row.ExpiresAt
	}
	total := len(m.tokens)
	m.mu.Unlock()

	m.logger.Info("denylist loaded from database",
		zap.Int("loaded_count", len(rows)),
		zap.Int("total_memory_tokens", total))
	return nil
}

// RedisDenylist stores one key per jti with a TTL matching the token's
// remaining lifetime, so redis expires entries on its own.
type RedisDenylist struct {
	client redis.UniversalClient
	prefix string
	logger *logging.Service
	now    func() time.Time
}

func NewRedisDenylist(client redis.UniversalClient, prefix string, logger *logging.Service) *RedisDenylist {
	return &RedisDenylist{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

func (r *RedisDenylist) key(jti string) string {
	return fmt.Sprintf("%s:denylist:%s", r.prefix, jti)
}

func (r *RedisDenylist) Deny(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}

	if err := r.client.Set(ctx, r.key(jti), 1, ttl).Err(); err != nil {
		r.logger.Error("failed to denylist access token in redis",
			zap.String("jti_hash", hashJTI(jti)),
			zap.Error(err))
		return fmt.Errorf("redis denylist: %w", tokenerr.Unavailable(err))
	}

	r.logger.Info("access token denylisted",
		zap.String("jti_hash", hashJTI(jti)),
		zap.Duration("ttl", ttl))
	return nil
}

func (r *RedisDenylist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis denylist lookup: %w", tokenerr.Unavailable(err))
	}
	return n > 0, nil
}

func (r *RedisDenylist) Cleanup(context.Context) (int, error) {
	return 0, nil
}
