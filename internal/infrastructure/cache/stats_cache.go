package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
)

const (
	statsKeyPrefix  = "casefolio:audit:stats:"
	statsOrgSetKey  = "casefolio:audit:stats:keys:"
	defaultStatsTTL = 5 * time.Minute
)

// StatsCache caches ledger activity aggregates in Redis. Cache misses
// and Redis failures degrade to the repository; a broken cache never
// fails a read.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewStatsCache wires the cache. ttl <= 0 uses the default.
func NewStatsCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StatsCache {
	if ttl <= 0 {
		ttl = defaultStatsTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsCache{client: client, ttl: ttl, logger: logger}
}

func statsKey(organizationID string, from, to time.Time) string {
	return fmt.Sprintf("%s%s:%d:%d", statsKeyPrefix, organizationID, from.Unix(), to.Unix())
}

// GetStats returns a cached aggregate, if present.
func (c *StatsCache) GetStats(ctx context.Context, organizationID string, from, to time.Time) (*domainaudit.Stats, bool) {
	raw, err := c.client.Get(ctx, statsKey(organizationID, from, to)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("stats cache read failed", zap.Error(err))
		return nil, false
	}

	var stats domainaudit.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		c.logger.Warn("stats cache entry is malformed, dropping",
			zap.String("organization_id", organizationID))
		c.client.Del(ctx, statsKey(organizationID, from, to))
		return nil, false
	}
	return &stats, true
}

// SetStats stores an aggregate and indexes its key under the owning
// organization so invalidation can find it.
func (c *StatsCache) SetStats(ctx context.Context, stats *domainaudit.Stats) {
	raw, err := json.Marshal(stats)
	if err != nil {
		c.logger.Warn("failed to serialize stats for cache", zap.Error(err))
		return
	}

	key := statsKey(stats.OrganizationID, stats.From, stats.To)
	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	pipe.SAdd(ctx, statsOrgSetKey+stats.OrganizationID, key)
	pipe.Expire(ctx, statsOrgSetKey+stats.OrganizationID, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("stats cache write failed", zap.Error(err))
	}
}

// InvalidateOrg drops every cached aggregate for an organization.
// Called on each ledger append.
func (c *StatsCache) InvalidateOrg(ctx context.Context, organizationID string) {
	setKey := statsOrgSetKey + organizationID
	keys, err := c.client.SMembers(ctx, setKey).Result()
	if err != nil && err != redis.Nil {
		c.logger.Warn("stats cache invalidation scan failed", zap.Error(err))
		return
	}
	keys = append(keys, setKey)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("stats cache invalidation failed", zap.Error(err))
	}
}
