package risk

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// VelocityTracker counts authentication events per user inside a sliding
// fixed window.
type VelocityTracker interface {
	// Hit records one event and returns the number of events in the window.
	Hit(ctx context.Context, userID uint) (int64, error)
}

type RedisVelocityTracker struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

func NewRedisVelocityTracker(client redis.UniversalClient, prefix string, window time.Duration) *RedisVelocityTracker {
	return &RedisVelocityTracker{client: client, prefix: prefix, window: window}
}

func (t *RedisVelocityTracker) key(userID uint) string {
	return t.prefix + ":velocity:" + strconv.FormatUint(uint64(userID), 10)
}

func (t *RedisVelocityTracker) Hit(ctx context.Context, userID uint) (int64, error) {
	key := t.key(userID)

	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("record velocity: %w", err)
	}

	// fixed window: the first hit starts the clock
	if count == 1 {
		if err := t.client.Expire(ctx, key, t.window).Err(); err != nil {
			return 0, fmt.Errorf("set velocity window: %w", err)
		}
	}

	return count, nil
}

type memoryBucket struct {
	count   int64
	resetAt time.Time
}

// MemoryVelocityTracker is the single-process fallback used when redis is
// not configured.
type MemoryVelocityTracker struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[uint]*memoryBucket
	now     func() time.Time
}

func NewMemoryVelocityTracker(window time.Duration) *MemoryVelocityTracker {
	return &MemoryVelocityTracker{
		window:  window,
		buckets: make(map[uint]*memoryBucket),
		now:     time.Now,
	}
}

func (t *MemoryVelocityTracker) Hit(_ context.Context, userID uint) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, ok := t.buckets[userID]
	if !ok || !now.Before(b.resetAt) {
		b = &memoryBucket{resetAt: now.Add(t.window)}
		t.buckets[userID] = b
	}
	b.count++

	if len(t.buckets) > 10000 {
		for id, bucket := range t.buckets {
			if !now.Before(bucket.resetAt) {
				delete(t.buckets, id)
			}
		}
	}

	return b.count, nil
}
