package pkg_test

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/coinsurf-com/compensation/pkg/cache"
	"github.com/coinsurf-com/compensation/pkg/lock"
	"github.com/coinsurf-com/compensation/pkg/storage"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"io"
	"testing"
	"time"
)

const root = "root"

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	ctx         context.Context
	plan        pkg.Plan
	store       *storage.Memory
	ledger      pkg.LedgerStore
	census      *pkg.Census
	missed      *pkg.MissedLedger
	distributor *pkg.Distributor
	engine      *pkg.Engine
	aggregator  *pkg.Aggregator
	reports     *pkg.Reports
}

// wraps put test doubles in front of the memory stores.
type wraps struct {
	ledger func(pkg.LedgerStore) pkg.LedgerStore
	missed func(pkg.MissedStore) pkg.MissedStore
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, wraps{})
}

func newFixtureWithLedger(t *testing.T, wrap func(pkg.LedgerStore) pkg.LedgerStore) *fixture {
	return newFixtureWith(t, wraps{ledger: wrap})
}

func newFixtureWith(t *testing.T, w wraps) *fixture {
	t.Helper()

	logger := newLogger()
	store := storage.NewMemory()

	var ledger pkg.LedgerStore = store
	if w.ledger != nil {
		ledger = w.ledger(store)
	}
	var missed pkg.MissedStore = store
	if w.missed != nil {
		missed = w.missed(store)
	}

	f := &fixture{
		ctx:    context.Background(),
		plan:   pkg.DefaultPlan(),
		store:  store,
		ledger: ledger,
	}

	locker := lock.NewLocal()
	f.census = pkg.NewCensus(store, cache.NewMemory(time.Minute))
	f.missed = pkg.NewMissedLedger(logger, missed, locker)
	f.distributor = pkg.NewDistributor(logger, store, ledger, f.missed, f.census, locker, f.plan, store, root, store)
	f.distributor.Retry = func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	}

	f.engine = pkg.NewEngine(logger, store, f.distributor, f.plan, root)
	f.engine.PlacementAttempts = 100
	if _, err := f.engine.EnsureRoot(f.ctx); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	f.aggregator = pkg.NewAggregator(logger, store, store, f.plan, store)
	f.reports = pkg.NewReports(store, f.census, store, f.aggregator)

	return f
}

func (f *fixture) register(t *testing.T, id, sponsor string) *pkg.Result {
	t.Helper()

	res, err := f.engine.OnMemberRegistered(f.ctx, id, sponsor, f.plan.PackageFee)
	if err != nil {
		t.Fatalf("register %s under %s: %v", id, sponsor, err)
	}
	if !res.Complete() {
		t.Fatalf("register %s: %v", id, res.Err())
	}
	return res
}

func (f *fixture) member(t *testing.T, id string) *pkg.Member {
	t.Helper()

	m, err := f.store.Member(f.ctx, id)
	if err != nil {
		t.Fatalf("member %s: %v", id, err)
	}
	return m
}

// levelEarnings sums what recipient was credited at level, directly or via
// deferred transfers.
func (f *fixture) levelEarnings(t *testing.T, recipient string, level int) decimal.Decimal {
	t.Helper()

	entries, err := f.store.Entries(f.ctx, recipient)
	if err != nil {
		t.Fatalf("entries %s: %v", recipient, err)
	}

	total := decimal.Zero
	for _, e := range entries {
		if e.Level == level && e.Credited() {
			total = total.Add(e.Amount)
		}
	}
	return total
}

func (f *fixture) pendingMissed(t *testing.T, recipient string, level int) decimal.Decimal {
	t.Helper()

	m, err := f.store.Missed(f.ctx, recipient, level)
	if err != nil {
		t.Fatalf("missed %s/%d: %v", recipient, level, err)
	}
	if m.Status != pkg.MissedPending {
		return decimal.Zero
	}
	return m.Amount
}

func dec(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func expectAmount(t *testing.T, what string, expected, got decimal.Decimal) {
	t.Helper()

	if !got.Equal(expected) {
		t.Fatalf("%s: expected %s, got %s", what, expected, got)
	}
}
