package storage

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"
	"strconv"
)

// Redis keeps a cached earnings counter per member and announces every
// credited entry on postedCh as "recipient,from,level,kind,amount".
type Redis struct {
	rd       *redis.Client
	postedCh string
}

func NewRedis(rd *redis.Client, postedCh string) *Redis {
	return &Redis{rd: rd, postedCh: postedCh}
}

func (d *Redis) Name() string {
	return "redis"
}

func (d *Redis) Save(ctx context.Context, entries []pkg.LedgerEntry) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for _, e := range entries {
		if !e.Credited() {
			continue
		}

		amount, _ := e.Amount.Float64()
		_, err := d.rd.IncrByFloat(ctx, pkg.EarningsKey(e.RecipientID), amount).Result()
		if err != nil {
			log.WithField("earnings_key", pkg.EarningsKey(e.RecipientID)).Error(errors.Wrap(err, "increment earnings key"))
			continue
		}

		if d.postedCh == "" {
			continue
		}

		buf.Reset()
		buf.WriteString(e.RecipientID)
		buf.WriteByte(',')
		buf.WriteString(e.FromID)
		buf.WriteByte(',')
		buf.WriteString(strconv.Itoa(e.Level))
		buf.WriteByte(',')
		buf.WriteString(string(e.Kind))
		buf.WriteByte(',')
		buf.WriteString(e.Amount.String())

		_, err = d.rd.Publish(ctx, d.postedCh, buf.String()).Result()
		if err != nil {
			log.Error(errors.Wrap(err, "publish to channel"))
		}
	}

	return nil
}

func (d *Redis) Earnings(ctx context.Context, memberId string) (decimal.Decimal, error) {
	value, err := d.rd.Get(ctx, pkg.EarningsKey(memberId)).Result()
	if err == redis.Nil {
		return decimal.Zero, pkg.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "get earnings key")
	}

	return decimal.NewFromString(value)
}

func (d *Redis) SetEarnings(ctx context.Context, memberId string, amount decimal.Decimal) error {
	return d.rd.Set(ctx, pkg.EarningsKey(memberId), amount.String(), 0).Err()
}
