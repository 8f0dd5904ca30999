package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tech-arch1tect/tokenguard/testutils"
)

func newTestRegistry(t *testing.T) *GormRegistry {
	db := testutils.SetupTestDB(t, &Device{})
	return NewGormRegistry(db, time.Second, nil)
}

func TestGormRegistry_LookupUnknown(t *testing.T) {
	registry := newTestRegistry(t)

	d, err := registry.Lookup(context.Background(), 1, "nope")
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = registry.Lookup(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestGormRegistry_Touch(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	first := time.Now().Add(-time.Hour).Truncate(time.Second)
	later := first.Add(30 * time.Minute)

	d, err := registry.Touch(ctx, 1, "hash-a", "Chrome on Windows", first)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, TrustNone, d.TrustLevel)
	assert.False(t, d.Trusted())

	d, err = registry.Touch(ctx, 1, "hash-a", "Chrome on Windows", later)
	require.NoError(t, err)
	assert.True(t, d.LastUsed.Equal(later))
	assert.True(t, d.AddedAt.Equal(first))

	devices, err := registry.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestGormRegistry_PromoteCapsAtMax(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Touch(ctx, 1, "hash-a", "", time.Now())
	require.NoError(t, err)

	for want := 1; want <= TrustMax; want++ {
		level, err := registry.Promote(ctx, 1, "hash-a")
		require.NoError(t, err)
		assert.Equal(t, want, level)
	}

	level, err := registry.Promote(ctx, 1, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, TrustMax, level)

	d, err := registry.Lookup(ctx, 1, "hash-a")
	require.NoError(t, err)
	assert.True(t, d.Trusted())
}

func TestGormRegistry_PromoteUnknownDevice(t *testing.T) {
	registry := newTestRegistry(t)

	level, err := registry.Promote(context.Background(), 1, "never-seen")

	require.NoError(t, err)
	assert.Equal(t, TrustNone, level)
}

func TestGormRegistry_DevicesArePerUser(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Touch(ctx, 1, "shared-hash", "", time.Now())
	require.NoError(t, err)
	_, err = registry.Promote(ctx, 1, "shared-hash")
	require.NoError(t, err)

	d, err := registry.Lookup(ctx, 2, "shared-hash")
	require.NoError(t, err)
	assert.Nil(t, d)
}
