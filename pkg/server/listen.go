package server

import (
	"context"
	"errors"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/coinsurf-com/compensation/pkg/cache"
	"github.com/coinsurf-com/compensation/pkg/lock"
	"github.com/coinsurf-com/compensation/pkg/plan"
	"github.com/coinsurf-com/compensation/pkg/referral"
	"github.com/coinsurf-com/compensation/pkg/storage"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/mailru/easyjson"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"
	"os"
	"time"
	"unsafe"
)

type Config struct {
	Debug bool `long:"debug" env:"DEBUG"`

	Postgres   string `long:"postgres" env:"POSTGRES" default:""`
	ClickHouse string `long:"clickhouse" env:"CLICKHOUSE" default:"" description:"optional, ledger postings trail"`
	Redis      string `long:"redis" env:"REDIS" default:""`

	RedisChannelMemberRegistered string `long:"redis-ch-member-registered" env:"REDIS_CH_MEMBER_REGISTERED" default:"member.registered"`
	RedisChannelPlanUpdate       string `long:"redis-ch-plan-update" env:"REDIS_CH_PLAN_UPDATE" default:"plan.update"`
	RedisChannelLedgerPosted     string `long:"redis-ch-ledger-posted" env:"REDIS_CH_LEDGER_POSTED" default:"ledger.posted"`
	RedisChannelMemberRelease    string `long:"redis-ch-member-release" env:"REDIS_CH_MEMBER_RELEASE" default:"member.release"`

	RedisPlanKey string `long:"redis-plan-key" env:"REDIS_PLAN_KEY" default:":4:plan"`

	RootMember    string `long:"root-member" env:"ROOT_MEMBER" default:"root" description:"receives registrations without a resolvable sponsor"`
	CreatorMember string `long:"creator-member" env:"CREATOR_MEMBER" default:"" description:"receives the creator fee, defaults to the root member"`

	StatsTTL          time.Duration `long:"stats-ttl" env:"STATS_TTL" default:"5m"`
	LockTTL           time.Duration `long:"lock-ttl" env:"LOCK_TTL" default:"10s"`
	PostingRetries    uint64        `long:"posting-retries" env:"POSTING_RETRIES" default:"3"`
	PostingRetryDelay time.Duration `long:"posting-retry-delay" env:"POSTING_RETRY_DELAY" default:"50ms"`
	PlacementAttempts int           `long:"placement-attempts" env:"PLACEMENT_ATTEMPTS" default:"5"`
	StopSaveOnError   bool          `long:"stop-save-on-error" env:"STOP_SAVE_ON_ERROR"`

	AuditInterval   int  `long:"audit-interval" env:"AUDIT_INTERVAL" default:"900" description:"seconds"`
	RepairReferrals bool `long:"repair-referrals" env:"REPAIR_REFERRALS" description:"fill missing sponsor pointers from sponsor codes at startup"`

	ReleaseMembers []string `long:"release-member" env:"RELEASE_MEMBERS" env-delim:"," description:"lift the halt on a member and reconcile it at startup, repeatable"`
}

// Components is the engine wired to its backends.
type Components struct {
	Ledger     *storage.SQL
	Engine     *pkg.Engine
	Aggregator *pkg.Aggregator
	Reports    *pkg.Reports
}

func Build(ctx context.Context, config *Config, logger *log.Logger, pg *sqlx.DB, rd *redis.Client, ch *sqlx.DB) (*Components, error) {
	ledger := storage.NewSQL(pg)
	if err := ledger.Migrate(ctx); err != nil {
		return nil, err
	}

	if config.RepairReferrals {
		repair := referral.NewSQL(logger, pg)
		if _, err := repair.Repair(ctx); err != nil {
			return nil, err
		}
		if _, err := repair.Mismatches(ctx); err != nil {
			return nil, err
		}
	}

	plans, err := plan.NewRedis(ctx, logger, rd, config.RedisPlanKey, config.RedisChannelPlanUpdate, pkg.DefaultPlan())
	if err != nil {
		return nil, err
	}

	counter := storage.NewRedis(rd, config.RedisChannelLedgerPosted)
	sinks := []pkg.Storage{counter}
	if ch != nil {
		sinks = append(sinks, storage.NewClickHouse(ch))
	}

	creator := config.CreatorMember
	if creator == "" {
		creator = config.RootMember
	}

	locker := lock.NewRedis(logger, rd, config.LockTTL)
	census := pkg.NewCensus(ledger, cache.NewRedis(logger, rd, config.StatsTTL))
	missed := pkg.NewMissedLedger(logger, ledger, locker)

	distributor := pkg.NewDistributor(logger, ledger, ledger, missed, census, locker, plans, ledger, creator, sinks...)
	distributor.StopSaveOnError = config.StopSaveOnError
	distributor.Retry = func() retry.Backoff {
		return retry.WithMaxRetries(config.PostingRetries, retry.NewExponential(config.PostingRetryDelay))
	}

	engine := pkg.NewEngine(logger, ledger, distributor, plans, config.RootMember)
	engine.PlacementAttempts = config.PlacementAttempts
	if _, err = engine.EnsureRoot(ctx); err != nil {
		return nil, err
	}

	for _, id := range config.ReleaseMembers {
		if err = release(ctx, engine, logger, id); err != nil {
			return nil, err
		}
	}

	aggregator := pkg.NewAggregator(logger, ledger, counter, plans, ledger)

	return &Components{
		Ledger:     ledger,
		Engine:     engine,
		Aggregator: aggregator,
		Reports:    pkg.NewReports(ledger, census, ledger, aggregator),
	}, nil
}

func Listen(closing <-chan os.Signal, config *Config, logger *log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg := newPostgres(config.Postgres)
	logger.Debugf("Postgres: connected to %s", config.Postgres)

	rd := newRedis(config.Redis)
	logger.Debugf("Redis: connected to %s", config.Redis)

	var ch *sqlx.DB
	if config.ClickHouse != "" {
		ch = newClickHouse(config.ClickHouse)
		logger.Debugf("ClickHouse: connected to %s", config.ClickHouse)
	}

	defer func() {
		if ch != nil {
			ch.Close()
		}
		pg.Close()
		rd.Close()
	}()

	components, err := Build(ctx, config, logger, pg, rd, ch)
	if err != nil {
		return err
	}

	registeredSub := rd.Subscribe(ctx, config.RedisChannelMemberRegistered)
	defer registeredSub.Unsubscribe(context.Background(), config.RedisChannelMemberRegistered)
	defer registeredSub.Close()

	go listenRegistrations(ctx, registeredSub.Channel(), components, logger)

	releaseSub := rd.Subscribe(ctx, config.RedisChannelMemberRelease)
	defer releaseSub.Unsubscribe(context.Background(), config.RedisChannelMemberRelease)
	defer releaseSub.Close()

	go listenReleases(ctx, releaseSub.Channel(), components.Engine, logger)

	auditTicker := time.NewTicker(time.Second * time.Duration(config.AuditInterval))
	defer auditTicker.Stop()

	go auditEarnings(ctx, auditTicker.C, components, logger)

	<-closing

	return nil
}

func listenRegistrations(ctx context.Context, ch <-chan *redis.Message, c *Components, logger *log.Logger) error {
	for {
		select {
		case msg := <-ch:
			var ev pkg.RegistrationEvent
			err := easyjson.Unmarshal(s2b(msg.Payload), &ev)
			if err != nil {
				logger.WithError(err).WithField("payload", msg.Payload).Error("failed to unmarshal payload")
				continue
			}

			_, err = c.Engine.Register(ctx, ev)
			if err != nil {
				logger.
					WithField("member_id", ev.MemberID).
					WithField("sponsor", ev.Sponsor).
					WithError(err).
					Error("failed to process registration")
				continue
			}

			if _, err = c.Aggregator.AuditEvent(ctx, ev.MemberID); err != nil {
				logger.WithField("member_id", ev.MemberID).WithError(err).Error("event audit failed")
			}
		case <-ctx.Done():
			return errors.New("close received")
		}
	}
}

// listenReleases takes member ids published by an operator once the ledger
// of a halted member was checked.
func listenReleases(ctx context.Context, ch <-chan *redis.Message, engine *pkg.Engine, logger *log.Logger) error {
	for {
		select {
		case msg := <-ch:
			if err := release(ctx, engine, logger, msg.Payload); err != nil {
				logger.WithField("member_id", msg.Payload).WithError(err).Error("failed to release member")
			}
		case <-ctx.Done():
			return errors.New("close received")
		}
	}
}

func release(ctx context.Context, engine *pkg.Engine, logger *log.Logger, memberId string) error {
	if memberId == "" {
		return errors.New("release: empty member id")
	}

	if err := engine.Release(ctx, memberId); err != nil {
		return err
	}

	res, err := engine.Reconcile(ctx, memberId)
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"member_id":   memberId,
		"transferred": len(res.Transferred),
	}).Info("member released and reconciled")
	return nil
}

func auditEarnings(ctx context.Context, tick <-chan time.Time, c *Components, logger *log.Logger) {
	since := time.Now()
	for {
		select {
		case now := <-tick:
			ids, err := c.Ledger.Credited(ctx, since)
			if err != nil {
				logger.WithError(err).Error("failed to list credited members")
				continue
			}

			var corrected int
			for _, id := range ids {
				drift, err := c.Aggregator.Audit(ctx, id)
				if err != nil {
					logger.WithField("member_id", id).WithError(err).Error("earnings audit failed")
					continue
				}
				if drift.Corrected {
					corrected++
				}
			}

			since = now
			logger.WithFields(log.Fields{
				"audited":   len(ids),
				"corrected": corrected,
			}).Info("earnings audit done")
		case <-ctx.Done():
			return
		}
	}
}

func newRedis(dsn string) *redis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()

	options, err := redis.ParseURL(dsn)
	if err != nil {
		panic(err)
	}

	rdb := redis.NewClient(options)

	_, err = rdb.Ping(ctx).Result()
	if err != nil {
		panic(err)
	}

	return rdb
}

func newClickHouse(dsn string) *sqlx.DB {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "clickhouse", dsn)
	if err != nil {
		panic(err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		panic(err)
	}

	return db
}

func newPostgres(dsn string) *sqlx.DB {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		panic(err)
	}

	err = db.Ping()
	if err != nil {
		panic(err)
	}

	return db
}

func s2b(s string) []byte {
	/* #nosec G103 */
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
