package storage_test

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/coinsurf-com/compensation/pkg/storage"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"testing"
	"time"
)

func TestMemoryTransferConflictIsViolation(t *testing.T) {
	ctx := context.Background()
	d := storage.NewMemory()
	now := time.Now()

	err := d.UpsertMissed(ctx, pkg.MissedLevelEarning{RecipientID: "s", Level: 2, Amount: decimal.NewFromInt(3), Status: pkg.MissedPending})
	if err != nil {
		t.Fatalf("UpsertMissed: %v", err)
	}

	// a transfer already in the ledger while the record still says pending
	stray := pkg.NewEntry("s", "s", 2, decimal.NewFromInt(3), pkg.KindDeferredTransfer, pkg.StatusConfirmed, now)
	if err = d.Post(ctx, stray); err != nil {
		t.Fatalf("Post: %v", err)
	}

	e := pkg.NewEntry("s", "s", 2, decimal.Zero, pkg.KindDeferredTransfer, pkg.StatusConfirmed, now)
	if _, err = d.TransferMissed(ctx, "s", 2, e); !pkg.IsInvariantViolation(err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestMemoryEarnings(t *testing.T) {
	ctx := context.Background()
	d := storage.NewMemory()

	if _, err := d.Earnings(ctx, "s"); !errors.Is(err, pkg.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Now()
	err := d.Save(ctx, []pkg.LedgerEntry{
		pkg.NewEntry("s", "m", pkg.LevelDirect, decimal.NewFromInt(10), pkg.KindDirectBonus, pkg.StatusConfirmed, now),
		pkg.NewEntry("s", "n", 1, decimal.NewFromInt(1), pkg.KindLevelIncome, pkg.StatusPending, now),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	total, err := d.Earnings(ctx, "s")
	if err != nil || !total.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10, got %s, %v", total, err)
	}
}

func TestMemoryDeferClaimHealsRecord(t *testing.T) {
	ctx := context.Background()
	d := storage.NewMemory()
	now := time.Now()

	claim := func(from string) pkg.LedgerEntry {
		return pkg.NewEntry("s", from, 1, decimal.NewFromInt(1), pkg.KindLevelIncome, pkg.StatusPending, now)
	}
	missed := pkg.MissedLevelEarning{ExpectedMembers: 2, RequiredDirects: 1, UpdatedAt: now}

	// the claim landed but the record was never written
	if err := d.Post(ctx, claim("a")); err != nil {
		t.Fatalf("Post: %v", err)
	}
	m, err := d.DeferClaim(ctx, claim("a"), missed)
	if !errors.Is(err, pkg.ErrPostingConflict) {
		t.Fatalf("expected ErrPostingConflict, got %v", err)
	}
	if m == nil || !m.Amount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected record of 1, got %+v", m)
	}

	if m, err = d.DeferClaim(ctx, claim("b"), missed); err != nil || !m.Amount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected record of 2, got %+v, %v", m, err)
	}

	e := pkg.NewEntry("s", "s", 1, decimal.Zero, pkg.KindDeferredTransfer, pkg.StatusConfirmed, now)
	posted, err := d.TransferMissed(ctx, "s", 1, e)
	if err != nil || posted == nil || !posted.Amount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected transfer of 2, got %+v, %v", posted, err)
	}

	if _, err = d.DeferClaim(ctx, claim("c"), missed); !errors.Is(err, pkg.ErrTransferred) {
		t.Fatalf("expected ErrTransferred, got %v", err)
	}
	if entries, _ := d.EventEntries(ctx, "c"); len(entries) != 0 {
		t.Fatalf("expected no claim on a closed level, got %+v", entries)
	}
}

func TestMemoryHalts(t *testing.T) {
	ctx := context.Background()
	d := storage.NewMemory()

	if err := d.Halt(ctx, "s", "overpaid"); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	reason, halted, err := d.Halted(ctx, "s")
	if err != nil || !halted || reason != "overpaid" {
		t.Fatalf("expected s halted for overpaid, got %q, %v, %v", reason, halted, err)
	}

	if err = d.Release(ctx, "s"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, halted, _ = d.Halted(ctx, "s"); halted {
		t.Fatalf("expected s released")
	}
}
