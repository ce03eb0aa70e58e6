package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
)

func newTestCache(t *testing.T) (*StatsCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewStatsCache(client, time.Minute, zap.NewNop()), mr
}

func sampleStats(org string, from, to time.Time) *domainaudit.Stats {
	return &domainaudit.Stats{
		OrganizationID: org,
		From:           from,
		To:             to,
		TotalEntries:   42,
		ByAction:       map[string]int{domainaudit.ActionView: 40, domainaudit.ActionDelete: 2},
		ByResource:     map[string]int{"case": 42},
		TopUsers:       []domainaudit.UserActivity{{UserID: "user-1", EntryCount: 30}},
	}
}

func TestStatsCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, ok := cache.GetStats(ctx, "org-1", from, to)
	assert.False(t, ok)

	cache.SetStats(ctx, sampleStats("org-1", from, to))

	got, ok := cache.GetStats(ctx, "org-1", from, to)
	require.True(t, ok)
	assert.Equal(t, 42, got.TotalEntries)
	assert.Equal(t, map[string]int{domainaudit.ActionView: 40, domainaudit.ActionDelete: 2}, got.ByAction)
	assert.Equal(t, "user-1", got.TopUsers[0].UserID)

	// A different range is a distinct key.
	_, ok = cache.GetStats(ctx, "org-1", from, to.Add(time.Hour))
	assert.False(t, ok)
}

func TestStatsCacheEntriesExpire(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	cache.SetStats(ctx, sampleStats("org-1", from, to))

	mr.FastForward(2 * time.Minute)

	_, ok := cache.GetStats(ctx, "org-1", from, to)
	assert.False(t, ok)
}

func TestStatsCacheInvalidateOrg(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	cache.SetStats(ctx, sampleStats("org-1", from, to))
	cache.SetStats(ctx, sampleStats("org-1", from.Add(time.Hour), to))
	cache.SetStats(ctx, sampleStats("org-2", from, to))

	cache.InvalidateOrg(ctx, "org-1")

	_, ok := cache.GetStats(ctx, "org-1", from, to)
	assert.False(t, ok)
	_, ok = cache.GetStats(ctx, "org-1", from.Add(time.Hour), to)
	assert.False(t, ok)

	// Other organizations keep their aggregates.
	_, ok = cache.GetStats(ctx, "org-2", from, to)
	assert.True(t, ok)
}

func TestStatsCacheMalformedEntryDropped(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	key := statsKey("org-1", from, to)
	require.NoError(t, mr.Set(key, "{corrupt"))

	_, ok := cache.GetStats(ctx, "org-1", from, to)
	assert.False(t, ok)
	// The poisoned key was deleted, not left to fail every read.
	assert.False(t, mr.Exists(key))
}

func TestStatsCacheRedisDownDegradesToMiss(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	mr.Close()

	_, ok := cache.GetStats(ctx, "org-1", time.Now().Add(-time.Hour), time.Now())
	assert.False(t, ok)
	// Writes and invalidations are also non-fatal.
	cache.SetStats(ctx, sampleStats("org-1", time.Now().Add(-time.Hour), time.Now()))
	cache.InvalidateOrg(ctx, "org-1")
}
