package plan

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/go-redis/redis/v8"
	"github.com/mailru/easyjson"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"sync"
	"time"
)

const redisGetTimeout = time.Second * 5

// Redis serves the plan stored under key and reloads it whenever a message
// arrives on updateCh. An invalid plan is rejected and the last good one kept.
type Redis struct {
	mu   sync.RWMutex
	rd   *redis.Client
	key  string
	plan pkg.Plan
}

func getPlan(rd *redis.Client, key string, fallback pkg.Plan) (pkg.Plan, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisGetTimeout)
	defer cancel()

	data, err := rd.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return fallback, nil
	}
	if err != nil {
		return pkg.Plan{}, errors.Wrap(err, "plan key")
	}

	var p pkg.Plan
	if err = easyjson.Unmarshal(data, &p); err != nil {
		return pkg.Plan{}, errors.Wrap(err, "unmarshal plan")
	}

	return p, p.Validate()
}

func NewRedis(ctx context.Context, logger *logrus.Logger, rd *redis.Client, key string, updateCh string, fallback pkg.Plan) (*Redis, error) {
	if err := fallback.Validate(); err != nil {
		return nil, err
	}

	p, err := getPlan(rd, key, fallback)
	if err != nil {
		return nil, err
	}

	r := &Redis{rd: rd, key: key, plan: p}

	go func() {
		sub := rd.Subscribe(ctx, updateCh)
		defer sub.Unsubscribe(context.Background(), updateCh)
		defer sub.Close()

		logger.Debug("waiting for plan to be updated")
		for {
			select {
			case <-sub.Channel():
				p, err := getPlan(rd, key, r.Plan())
				if err != nil {
					logger.WithField("key", key).WithError(err).Error("failed to reload plan, keeping previous")
					continue
				}

				r.mu.Lock()
				r.plan = p
				r.mu.Unlock()

				logger.WithField("package_fee", p.PackageFee.String()).Info("updated plan")
			case <-ctx.Done():
				return
			}
		}
	}()

	return r, nil
}

func (r *Redis) Plan() pkg.Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plan
}
