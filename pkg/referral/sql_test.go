package referral

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"io"
	"testing"

	_ "modernc.org/sqlite"
)

func TestRepairAndMismatches(t *testing.T) {
	ctx := context.Background()

	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	if err = storage.NewSQL(db).Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	rows := []string{
		`INSERT INTO members (id, enrollment_code, registered_at) VALUES ('a', 'A-CODE', '2026-01-01 00:00:00')`,
		`INSERT INTO members (id, enrollment_code, registered_at) VALUES ('b', 'B-CODE', '2026-01-01 00:00:00')`,
		// pointer missing, code resolves
		`INSERT INTO members (id, sponsor_code, registered_at) VALUES ('c', 'A-CODE', '2026-01-01 00:00:00')`,
		// pointer and code disagree
		`INSERT INTO members (id, sponsor_id, sponsor_code, registered_at) VALUES ('d', 'a', 'B-CODE', '2026-01-01 00:00:00')`,
		// code resolves to nobody
		`INSERT INTO members (id, sponsor_code, registered_at) VALUES ('e', 'Z-CODE', '2026-01-01 00:00:00')`,
	}
	for _, q := range rows {
		if _, err = db.ExecContext(ctx, q); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := NewSQL(logger, db)

	n, err := r.Repair(ctx)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 repaired member, got %d", n)
	}

	var sponsor string
	if err = db.GetContext(ctx, &sponsor, `SELECT sponsor_id FROM members WHERE id = 'c'`); err != nil || sponsor != "a" {
		t.Fatalf("expected c to be sponsored by a, got %q, %v", sponsor, err)
	}

	if n, _ = r.Repair(ctx); n != 0 {
		t.Fatalf("expected repair to be idempotent, got %d", n)
	}

	mismatches, err := r.Mismatches(ctx)
	if err != nil {
		t.Fatalf("Mismatches: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].MemberID != "d" || mismatches[0].SponsorID != "a" || mismatches[0].CodeSponsorID != "b" {
		t.Fatalf("unexpected mismatches %+v", mismatches)
	}
}
