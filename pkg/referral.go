package pkg

import "context"

// ReferralMismatch is a member whose sponsor pointer and sponsor code
// disagree. The sponsor pointer wins.
type ReferralMismatch struct {
	MemberID      string `db:"id"`
	SponsorID     string `db:"sponsor_id"`
	CodeSponsorID string `db:"code_sponsor_id"`
	SponsorCode   string `db:"sponsor_code"`
}

type Referral interface {
	Repair(ctx context.Context) (int64, error)
	Mismatches(ctx context.Context) ([]ReferralMismatch, error)
}
