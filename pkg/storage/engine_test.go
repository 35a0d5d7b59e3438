package storage_test

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/coinsurf-com/compensation/pkg/cache"
	"github.com/coinsurf-com/compensation/pkg/lock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"io"
	"testing"
	"time"
)

func TestEngineOnSQL(t *testing.T) {
	ctx := context.Background()
	d := newSQL(t)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	plan := pkg.DefaultPlan()
	locker := lock.NewLocal()
	census := pkg.NewCensus(d, cache.NewMemory(time.Minute))
	missed := pkg.NewMissedLedger(logger, d, locker)
	distributor := pkg.NewDistributor(logger, d, d, missed, census, locker, plan, d, "root", d)
	engine := pkg.NewEngine(logger, d, distributor, plan, "root")
	aggregator := pkg.NewAggregator(logger, d, d, plan, d)

	if _, err := engine.EnsureRoot(ctx); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	for _, r := range [][2]string{{"S", "root"}, {"M1", "S"}, {"M2", "S"}} {
		res, err := engine.OnMemberRegistered(ctx, r[0], r[1], plan.PackageFee)
		if err != nil {
			t.Fatalf("register %s: %v", r[0], err)
		}
		if !res.Complete() {
			t.Fatalf("register %s: %v", r[0], res.Err())
		}
	}

	total, err := aggregator.TotalEarnings(ctx, "S")
	if err != nil {
		t.Fatalf("TotalEarnings: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(22)) {
		t.Fatalf("expected S to have earned 22, got %s", total)
	}

	drift, err := aggregator.Audit(ctx, "S")
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if drift.Corrected {
		t.Fatalf("expected counter in sync, got %+v", drift)
	}

	m, err := d.Missed(ctx, "root", 2)
	if err != nil {
		t.Fatalf("Missed: %v", err)
	}
	if m.Status != pkg.MissedPending || !m.Amount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected 2 pending at root level 2, got %+v", m)
	}

	for _, id := range []string{"S", "M1", "M2"} {
		audit, err := aggregator.AuditEvent(ctx, id)
		if err != nil {
			t.Fatalf("AuditEvent %s: %v", id, err)
		}
		if !audit.Posted.Equal(plan.PackageFee) {
			t.Fatalf("%s: expected split of %s, got %s", id, plan.PackageFee, audit.Posted)
		}
	}

	res, err := engine.OnMemberRegistered(ctx, "M2", "S", plan.PackageFee)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Posted) != 0 {
		t.Fatalf("expected replay to post nothing, got %d", len(res.Posted))
	}
}
