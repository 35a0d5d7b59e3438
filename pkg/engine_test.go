package pkg_test

import (
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/pkg/errors"
	"testing"
)

func TestPlacementFillsBreadthFirst(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.register(t, id, root)
	}
	f.register(t, "d", "b")
	f.register(t, "e", root)

	r := f.member(t, root)
	if r.LeftID != "a" || r.RightID != "b" {
		t.Fatalf("expected root children a and b, got %q and %q", r.LeftID, r.RightID)
	}

	a := f.member(t, "a")
	if a.LeftID != "c" || a.RightID != "e" {
		t.Fatalf("expected a children c and e, got %q and %q", a.LeftID, a.RightID)
	}

	if d := f.member(t, "d"); d.ParentID != "b" || d.SponsorID != "b" {
		t.Fatalf("expected d under b, got parent %q sponsor %q", d.ParentID, d.SponsorID)
	}
	if e := f.member(t, "e"); e.ParentID != "a" || e.SponsorID != root {
		t.Fatalf("expected e placed under a and sponsored by root, got parent %q sponsor %q", e.ParentID, e.SponsorID)
	}
}

func TestUnknownSponsorFallsBackToRoot(t *testing.T) {
	f := newFixture(t)
	f.register(t, "x", "ghost")

	x := f.member(t, "x")
	if x.SponsorID != root || x.ParentID != root {
		t.Fatalf("expected x under root, got sponsor %q parent %q", x.SponsorID, x.ParentID)
	}
	expectAmount(t, "root direct bonus", f.plan.DirectBonus, f.levelEarnings(t, root, pkg.LevelDirect))
}

func TestSponsorResolvedByEnrollmentCode(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Register(f.ctx, pkg.RegistrationEvent{
		MemberID:       "S",
		Sponsor:        root,
		EnrollmentCode: "S-CODE",
		Amount:         f.plan.PackageFee,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	f.register(t, "M", "S-CODE")

	m := f.member(t, "M")
	if m.SponsorID != "S" || m.SponsorCode != "S-CODE" {
		t.Fatalf("expected sponsor S by code, got %q / %q", m.SponsorID, m.SponsorCode)
	}
}

func TestAmountMismatchPlacesWithoutDistributing(t *testing.T) {
	f := newFixture(t)
	f.register(t, "S", root)

	_, err := f.engine.OnMemberRegistered(f.ctx, "M", "S", f.plan.PackageFee.Sub(dec(1)))
	if !errors.Is(err, pkg.ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}

	if m := f.member(t, "M"); !m.Placed() {
		t.Fatal("expected member to be placed")
	}
	if entries, _ := f.store.EventEntries(f.ctx, "M"); len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}

	res := f.register(t, "M", "S")
	if len(res.Posted) != pkg.MaxLevel+3 {
		t.Fatalf("expected full distribution on resubmit, got %d postings", len(res.Posted))
	}
}

func TestRegisterRejectsRootAndEmptyIds(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"", root} {
		if _, err := f.engine.OnMemberRegistered(f.ctx, id, root, f.plan.PackageFee); err == nil {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}

func TestEnsureRootIsIdempotent(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.EnsureRoot(f.ctx)
	if err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}
	if r.ID != root || !r.Active {
		t.Fatalf("unexpected root %+v", r)
	}
}
