package pkg_test

import (
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/pkg/errors"
	"sync"
	"testing"
	"time"
)

func TestSetLockedOverwritesPendingAmount(t *testing.T) {
	f := newFixture(t)

	for _, amount := range []int64{3, 5} {
		err := f.missed.SetLocked(f.ctx, pkg.MissedLevelEarning{RecipientID: "X", Level: 3, Amount: dec(amount)})
		if err != nil {
			t.Fatalf("SetLocked: %v", err)
		}
	}

	expectAmount(t, "missed", dec(5), f.pendingMissed(t, "X", 3))

	pending, err := f.missed.Pending(f.ctx, "X")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one record, got %d", len(pending))
	}
}

func TestTransferIsOneWay(t *testing.T) {
	f := newFixture(t)

	if err := f.missed.SetLocked(f.ctx, pkg.MissedLevelEarning{RecipientID: "X", Level: 3, Amount: dec(5)}); err != nil {
		t.Fatalf("SetLocked: %v", err)
	}

	e, err := f.missed.Reconcile(f.ctx, "X", 3)
	if err != nil || e == nil {
		t.Fatalf("expected a transfer, got %v, %v", e, err)
	}
	expectAmount(t, "transfer", dec(5), e.Amount)
	if e.Kind != pkg.KindDeferredTransfer || e.Status != pkg.StatusConfirmed {
		t.Fatalf("unexpected transfer entry %+v", e)
	}

	if e, err = f.missed.Reconcile(f.ctx, "X", 3); err != nil || e != nil {
		t.Fatalf("expected second reconcile to be a no-op, got %v, %v", e, err)
	}

	if err = f.missed.SetLocked(f.ctx, pkg.MissedLevelEarning{RecipientID: "X", Level: 3, Amount: dec(9)}); err != nil {
		t.Fatalf("SetLocked after transfer: %v", err)
	}

	m, err := f.store.Missed(f.ctx, "X", 3)
	if err != nil {
		t.Fatalf("Missed: %v", err)
	}
	if m.Status != pkg.MissedTransferred || !m.Amount.IsZero() {
		t.Fatalf("expected closed record, got %+v", m)
	}

	expectAmount(t, "X level 3", dec(5), f.levelEarnings(t, "X", 3))
}

func TestDeferTracksClaims(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	claim := func(from string) pkg.LedgerEntry {
		return pkg.NewEntry("X", from, 2, dec(1), pkg.KindLevelIncome, pkg.StatusPending, now)
	}
	missed := pkg.MissedLevelEarning{ExpectedMembers: 4, RequiredDirects: 3, ActualDirects: 1}

	for _, from := range []string{"a", "b", "c"} {
		m, err := f.missed.Defer(f.ctx, claim(from), missed)
		if err != nil {
			t.Fatalf("Defer %s: %v", from, err)
		}
		if m.RecipientID != "X" || m.Level != 2 || m.Status != pkg.MissedPending {
			t.Fatalf("unexpected record %+v", m)
		}
	}
	expectAmount(t, "X level 2 missed", dec(3), f.pendingMissed(t, "X", 2))

	m, err := f.missed.Defer(f.ctx, claim("b"), missed)
	if !errors.Is(err, pkg.ErrPostingConflict) {
		t.Fatalf("expected ErrPostingConflict, got %v", err)
	}
	expectAmount(t, "replayed record", dec(3), m.Amount)

	e, err := f.missed.Reconcile(f.ctx, "X", 2)
	if err != nil || e == nil {
		t.Fatalf("expected a transfer, got %v, %v", e, err)
	}
	expectAmount(t, "transfer", dec(3), e.Amount)

	if _, err = f.missed.Defer(f.ctx, claim("d"), missed); !errors.Is(err, pkg.ErrTransferred) {
		t.Fatalf("expected ErrTransferred, got %v", err)
	}
}

func TestReconcileOfUnknownRecord(t *testing.T) {
	f := newFixture(t)

	e, err := f.missed.Reconcile(f.ctx, "X", 7)
	if err != nil || e != nil {
		t.Fatalf("expected nil, nil, got %v, %v", e, err)
	}
}

func TestConcurrentReconcileTransfersOnce(t *testing.T) {
	f := newFixture(t)

	if err := f.missed.SetLocked(f.ctx, pkg.MissedLevelEarning{RecipientID: "X", Level: 4, Amount: dec(8)}); err != nil {
		t.Fatalf("SetLocked: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		transfers int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := f.missed.Reconcile(f.ctx, "X", 4)
			if err != nil {
				t.Error(err)
				return
			}
			if e != nil {
				mu.Lock()
				transfers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if transfers != 1 {
		t.Fatalf("expected exactly one transfer, got %d", transfers)
	}
	expectAmount(t, "X level 4", dec(8), f.levelEarnings(t, "X", 4))
}

func TestReconcileUnlockedSkipsLockedLevels(t *testing.T) {
	f := newFixture(t)

	for level := 1; level <= 6; level++ {
		if err := f.missed.SetLocked(f.ctx, pkg.MissedLevelEarning{RecipientID: "X", Level: level, Amount: dec(1)}); err != nil {
			t.Fatalf("SetLocked: %v", err)
		}
	}

	transferred, err := f.missed.ReconcileUnlocked(f.ctx, "X", 4)
	if err != nil {
		t.Fatalf("ReconcileUnlocked: %v", err)
	}
	if len(transferred) != 4 {
		t.Fatalf("expected 4 transfers, got %d", len(transferred))
	}

	pending, _ := f.missed.Pending(f.ctx, "X")
	if len(pending) != 2 || pending[0].Level != 5 || pending[1].Level != 6 {
		t.Fatalf("expected levels 5 and 6 pending, got %+v", pending)
	}
}
