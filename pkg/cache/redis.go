package cache

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/go-redis/redis/v8"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"time"
)

// Redis caches level counts under pkg.StatsKey for ttl. Errors degrade to
// a cache miss.
type Redis struct {
	rd     *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedis(logger *logrus.Logger, rd *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rd: rd, ttl: ttl, logger: logger}
}

func (c *Redis) Get(ctx context.Context, memberId string) (pkg.LevelCounts, bool) {
	data, err := c.rd.Get(ctx, pkg.StatsKey(memberId)).Bytes()
	if err == redis.Nil {
		return pkg.LevelCounts{}, false
	}
	if err != nil {
		c.logger.WithField("key", pkg.StatsKey(memberId)).WithError(err).Warn("failed to read level stats")
		return pkg.LevelCounts{}, false
	}

	var stats pkg.LevelStats
	if err = easyjson.Unmarshal(data, &stats); err != nil {
		c.logger.WithField("key", pkg.StatsKey(memberId)).WithError(err).Warn("failed to unmarshal level stats")
		return pkg.LevelCounts{}, false
	}

	return stats.LevelCounts(), true
}

func (c *Redis) Set(ctx context.Context, memberId string, counts pkg.LevelCounts) {
	data, err := easyjson.Marshal(pkg.NewLevelStats(counts))
	if err != nil {
		c.logger.WithError(err).Error("failed to marshal level stats")
		return
	}

	if err = c.rd.Set(ctx, pkg.StatsKey(memberId), data, c.ttl).Err(); err != nil {
		c.logger.WithField("key", pkg.StatsKey(memberId)).WithError(err).Warn("failed to write level stats")
	}
}

func (c *Redis) Invalidate(ctx context.Context, memberIds ...string) {
	if len(memberIds) == 0 {
		return
	}

	keys := make([]string, len(memberIds))
	for i, id := range memberIds {
		keys[i] = pkg.StatsKey(id)
	}

	if err := c.rd.Del(ctx, keys...).Err(); err != nil {
		c.logger.WithField("keys", keys).WithError(err).Error("failed to invalidate level stats")
	}
}
