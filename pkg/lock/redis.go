package lock

import (
	"context"
	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"time"
)

// Redis serializes holders of the same key across processes.
type Redis struct {
	locker  *redislock.Client
	logger  *logrus.Logger
	ttl     time.Duration
	retry   time.Duration
	retries int
}

func NewRedis(logger *logrus.Logger, rd *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		locker:  redislock.New(rd),
		logger:  logger,
		ttl:     ttl,
		retry:   50 * time.Millisecond,
		retries: int(ttl / (50 * time.Millisecond)),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := r.locker.Obtain(ctx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.retry), r.retries),
	})
	if err == redislock.ErrNotObtained {
		return nil, errors.Wrapf(err, "could not obtain lock %s", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "Obtain")
	}

	return func() {
		// not the caller's context: a cancelled request must still release
		if err := lock.Release(context.Background()); err != nil && err != redislock.ErrLockNotHeld {
			r.logger.WithField("key", key).WithError(err).Error("failed to release lock")
		}
	}, nil
}
