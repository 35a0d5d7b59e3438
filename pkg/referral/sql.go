package referral

import (
	"context"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// The sponsor pointer is the one source of truth for enrollment. The sponsor
// code typed at sign-up only fills a pointer that is missing.
const (
	repairSponsorSQL = `UPDATE members
						SET sponsor_id = (SELECT s.id FROM members s WHERE s.enrollment_code = members.sponsor_code)
						WHERE sponsor_id IS NULL AND sponsor_code IS NOT NULL
						  AND EXISTS (SELECT 1 FROM members s WHERE s.enrollment_code = members.sponsor_code AND s.id <> members.id)`

	mismatchSQL = `SELECT m.id, m.sponsor_id, s.id AS code_sponsor_id, m.sponsor_code
				   FROM members m
				   JOIN members s ON s.enrollment_code = m.sponsor_code
				   WHERE m.sponsor_id IS NOT NULL AND m.sponsor_id <> s.id
				   ORDER BY m.id`
)

type SQL struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

func NewSQL(logger *logrus.Logger, db *sqlx.DB) *SQL {
	return &SQL{db: db, logger: logger}
}

// Repair fills missing sponsor pointers from the sponsor code. Members it
// repairs still need placing and distributing by a registration replay.
func (p *SQL) Repair(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, repairSponsorSQL)
	if err != nil {
		return 0, errors.Wrap(err, "repair sponsor pointers")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "RowsAffected")
	}

	if n > 0 {
		p.logger.WithField("members", n).Info("repaired sponsor pointers from sponsor codes")
	}
	return n, nil
}

// Mismatches lists members whose sponsor pointer and sponsor code disagree.
// They are reported, never rewritten.
func (p *SQL) Mismatches(ctx context.Context) ([]pkg.ReferralMismatch, error) {
	var mismatches []pkg.ReferralMismatch
	if err := p.db.SelectContext(ctx, &mismatches, mismatchSQL); err != nil {
		return nil, errors.Wrap(err, "select mismatches")
	}

	for _, m := range mismatches {
		p.logger.WithFields(logrus.Fields{
			"member":          m.MemberID,
			"sponsor_id":      m.SponsorID,
			"code_sponsor_id": m.CodeSponsorID,
			"sponsor_code":    m.SponsorCode,
		}).Warn("sponsor pointer and sponsor code disagree")
	}

	return mismatches, nil
}
