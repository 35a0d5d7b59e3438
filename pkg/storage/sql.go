package storage

import (
	"context"
	"database/sql"
	"github.com/coinsurf-com/compensation/pkg"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"time"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS members (
	id TEXT PRIMARY KEY,
	sponsor_id TEXT,
	sponsor_code TEXT,
	enrollment_code TEXT UNIQUE,
	parent_id TEXT,
	left_id TEXT,
	right_id TEXT,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	registered_at TIMESTAMP NOT NULL,
	unlocked_levels INTEGER NOT NULL DEFAULT 0,
	total_earnings NUMERIC(20,4) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	recipient_id TEXT NOT NULL,
	from_id TEXT NOT NULL,
	level INTEGER NOT NULL,
	amount NUMERIC(20,4) NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (recipient_id, from_id, level)
);

CREATE TABLE IF NOT EXISTS missed_level_earnings (
	recipient_id TEXT NOT NULL,
	level INTEGER NOT NULL,
	amount NUMERIC(20,4) NOT NULL,
	status TEXT NOT NULL,
	expected_members INTEGER NOT NULL,
	actual_members INTEGER NOT NULL,
	required_directs INTEGER NOT NULL,
	actual_directs INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	transferred_at TIMESTAMP,
	PRIMARY KEY (recipient_id, level)
);

CREATE TABLE IF NOT EXISTS halted_members (
	member_id TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	halted_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_members_sponsor ON members(sponsor_id);
CREATE INDEX IF NOT EXISTS idx_ledger_from ON ledger_entries(from_id);
`

const memberColumns = `id,
	COALESCE(sponsor_id, '') AS sponsor_id,
	COALESCE(sponsor_code, '') AS sponsor_code,
	COALESCE(enrollment_code, '') AS enrollment_code,
	COALESCE(parent_id, '') AS parent_id,
	COALESCE(left_id, '') AS left_id,
	COALESCE(right_id, '') AS right_id,
	active, registered_at, unlocked_levels`

const entryColumns = `id, recipient_id, from_id, level, amount, kind, status, created_at`

const missedColumns = `recipient_id, level, amount, status, expected_members, actual_members,
	required_directs, actual_directs, created_at, updated_at, transferred_at`

const (
	insertMemberSQL = `INSERT INTO members (id, sponsor_id, sponsor_code, enrollment_code, active, registered_at, unlocked_levels)
					   VALUES (?, ?, ?, ?, ?, ?, ?)
					   ON CONFLICT (id) DO NOTHING`

	insertEntrySQL = `INSERT INTO ledger_entries (id, recipient_id, from_id, level, amount, kind, status, created_at)
					  VALUES (?, ?, ?, ?, ?, ?, ?, ?)
					  ON CONFLICT (recipient_id, from_id, level) DO NOTHING`

	insertMissedSQL = `INSERT INTO missed_level_earnings (recipient_id, level, amount, status, expected_members, actual_members,
						required_directs, actual_directs, created_at, updated_at)
					   VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)
					   ON CONFLICT (recipient_id, level) DO NOTHING`

	updateMissedSQL = `UPDATE missed_level_earnings
					   SET amount = ?, actual_members = ?, actual_directs = ?, updated_at = ?
					   WHERE recipient_id = ? AND level = ? AND status = 'pending'`

	touchMissedSQL = `UPDATE missed_level_earnings SET updated_at = ?
					  WHERE recipient_id = ? AND level = ? AND status = 'pending'`

	haltSQL = `INSERT INTO halted_members (member_id, reason, halted_at) VALUES (?, ?, ?)
			   ON CONFLICT (member_id) DO UPDATE SET reason = excluded.reason, halted_at = excluded.halted_at`

	closeMissedSQL = `UPDATE missed_level_earnings
					  SET status = 'transferred', amount = 0, updated_at = ?, transferred_at = ?
					  WHERE recipient_id = ? AND level = ? AND status = 'pending'`
)

// SQL is the ledger of record. Queries are written with ? placeholders and
// rebound for the driver, so the same code runs on postgres and sqlite.
type SQL struct {
	db *sqlx.DB
}

func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db}
}

func (d *SQL) Name() string {
	return d.db.DriverName()
}

func (d *SQL) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schemaSQL)
	return errors.Wrap(err, "migrate")
}

func (d *SQL) Member(ctx context.Context, id string) (*pkg.Member, error) {
	return d.memberBy(ctx, "id", id)
}

func (d *SQL) MemberByCode(ctx context.Context, code string) (*pkg.Member, error) {
	if code == "" {
		return nil, pkg.ErrNotFound
	}
	return d.memberBy(ctx, "enrollment_code", code)
}

func (d *SQL) memberBy(ctx context.Context, column, value string) (*pkg.Member, error) {
	var m pkg.Member
	err := d.db.GetContext(ctx, &m, d.db.Rebind(`SELECT `+memberColumns+` FROM members WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkg.ErrNotFound
	}
	if err != nil {
		return nil, pkg.Transient("Member", err)
	}
	return &m, nil
}

func (d *SQL) Members(ctx context.Context, ids []string) ([]pkg.Member, error) {
	return d.membersIn(ctx, "id", ids)
}

func (d *SQL) Sponsored(ctx context.Context, sponsorIds []string) ([]pkg.Member, error) {
	return d.membersIn(ctx, "sponsor_id", sponsorIds)
}

func (d *SQL) membersIn(ctx context.Context, column string, values []string) ([]pkg.Member, error) {
	if len(values) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT `+memberColumns+` FROM members WHERE `+column+` IN (?) ORDER BY registered_at, id`, values)
	if err != nil {
		return nil, errors.Wrap(err, "sqlx.In")
	}

	var members []pkg.Member
	err = d.db.SelectContext(ctx, &members, d.db.Rebind(query), args...)
	if err != nil {
		return nil, pkg.Transient("Members", err)
	}
	return members, nil
}

func (d *SQL) CreateMember(ctx context.Context, m *pkg.Member) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(insertMemberSQL),
		m.ID, nullable(m.SponsorID), nullable(m.SponsorCode), nullable(m.EnrollmentCode),
		m.Active, m.RegisteredAt.UTC(), m.UnlockedLevels)
	if err != nil {
		return pkg.Transient("CreateMember", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return pkg.ErrMemberExists
	}
	return nil
}

func (d *SQL) Attach(ctx context.Context, parentId string, slot pkg.Slot, childId string) error {
	var column string
	switch slot {
	case pkg.SlotLeft:
		column = "left_id"
	case pkg.SlotRight:
		column = "right_id"
	default:
		return errors.Errorf("attach: unknown slot %q", slot)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return pkg.Transient("BeginTxx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE members SET `+column+` = ? WHERE id = ? AND `+column+` IS NULL`), childId, parentId)
	if err != nil {
		return pkg.Transient("Attach", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err = tx.GetContext(ctx, &exists, tx.Rebind(`SELECT COUNT(*) FROM members WHERE id = ?`), parentId); err != nil {
			return pkg.Transient("Attach", err)
		}
		if exists == 0 {
			return pkg.ErrNotFound
		}
		return pkg.ErrSlotTaken
	}

	res, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE members SET parent_id = ? WHERE id = ? AND parent_id IS NULL`), parentId, childId)
	if err != nil {
		return pkg.Transient("Attach", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("attach: member %s is missing or already placed", childId)
	}

	return errors.Wrap(tx.Commit(), "Commit")
}

func (d *SQL) RaiseUnlockedLevels(ctx context.Context, id string, levels int) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`UPDATE members SET unlocked_levels = ? WHERE id = ? AND unlocked_levels < ?`), levels, id, levels)
	return pkg.Transient("RaiseUnlockedLevels", err)
}

func (d *SQL) SetActive(ctx context.Context, id string, active bool) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`UPDATE members SET active = ? WHERE id = ?`), active, id)
	return pkg.Transient("SetActive", err)
}

func (d *SQL) Post(ctx context.Context, e pkg.LedgerEntry) error {
	return insertEntry(ctx, d.db, e)
}

func insertEntry(ctx context.Context, ext sqlx.ExtContext, e pkg.LedgerEntry) error {
	res, err := ext.ExecContext(ctx, ext.Rebind(insertEntrySQL),
		e.ID, e.RecipientID, e.FromID, e.Level, e.Amount, e.Kind, e.Status, e.CreatedAt.UTC())
	if err != nil {
		return pkg.Transient("Post", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return pkg.Transient("RowsAffected", err)
	}
	if n == 0 {
		return pkg.ErrPostingConflict
	}
	return nil
}

func (d *SQL) Entries(ctx context.Context, recipientId string) ([]pkg.LedgerEntry, error) {
	return d.entriesBy(ctx, "recipient_id", recipientId)
}

func (d *SQL) EventEntries(ctx context.Context, fromId string) ([]pkg.LedgerEntry, error) {
	return d.entriesBy(ctx, "from_id", fromId)
}

func (d *SQL) entriesBy(ctx context.Context, column, value string) ([]pkg.LedgerEntry, error) {
	var entries []pkg.LedgerEntry
	err := d.db.SelectContext(ctx, &entries,
		d.db.Rebind(`SELECT `+entryColumns+` FROM ledger_entries WHERE `+column+` = ? ORDER BY created_at, level`), value)
	if err != nil {
		return nil, pkg.Transient("Entries", err)
	}
	return entries, nil
}

// ConfirmedTotal sums in decimal rather than in the database, sqlite would
// sum NUMERIC as float.
func (d *SQL) ConfirmedTotal(ctx context.Context, recipientId string) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := d.db.SelectContext(ctx, &amounts,
		d.db.Rebind(`SELECT amount FROM ledger_entries WHERE recipient_id = ? AND status = ?`), recipientId, pkg.StatusConfirmed)
	if err != nil {
		return decimal.Zero, pkg.Transient("ConfirmedTotal", err)
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}

// pendingClaims sums the pending level income claims at (recipientId, level).
func pendingClaims(ctx context.Context, ext sqlx.ExtContext, recipientId string, level int) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := sqlx.SelectContext(ctx, ext, &amounts, ext.Rebind(`SELECT amount FROM ledger_entries
		WHERE recipient_id = ? AND level = ? AND kind = ? AND status = ?`),
		recipientId, level, pkg.KindLevelIncome, pkg.StatusPending)
	if err != nil {
		return decimal.Zero, pkg.Transient("PendingClaims", err)
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}

type missedState struct {
	Amount decimal.Decimal  `db:"amount"`
	Status pkg.MissedStatus `db:"status"`
}

func (d *SQL) UpsertMissed(ctx context.Context, m pkg.MissedLevelEarning) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return pkg.Transient("BeginTxx", err)
	}
	defer tx.Rollback()

	var current missedState
	err = tx.GetContext(ctx, &current,
		tx.Rebind(`SELECT amount, status FROM missed_level_earnings WHERE recipient_id = ? AND level = ?`), m.RecipientID, m.Level)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, tx.Rebind(insertMissedSQL),
			m.RecipientID, m.Level, m.Amount, m.ExpectedMembers, m.ActualMembers,
			m.RequiredDirects, m.ActualDirects, m.CreatedAt.UTC(), m.UpdatedAt.UTC())
		if err != nil {
			return pkg.Transient("UpsertMissed", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return pkg.Transient("UpsertMissed", errors.New("concurrent insert"))
		}
	case err != nil:
		return pkg.Transient("UpsertMissed", err)
	case current.Status == pkg.MissedTransferred:
		return pkg.ErrTransferred
	default:
		amount := current.Amount
		if m.Amount.GreaterThan(amount) {
			amount = m.Amount
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(updateMissedSQL),
			amount, m.ActualMembers, m.ActualDirects, m.UpdatedAt.UTC(), m.RecipientID, m.Level)
		if err != nil {
			return pkg.Transient("UpsertMissed", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return pkg.ErrTransferred
		}
	}

	return errors.Wrap(tx.Commit(), "Commit")
}

// DeferClaim locks the missed record before it inserts the claim, so a
// concurrent TransferMissed either sees the claim or closes the record first.
func (d *SQL) DeferClaim(ctx context.Context, claim pkg.LedgerEntry, m pkg.MissedLevelEarning) (*pkg.MissedLevelEarning, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, pkg.Transient("BeginTxx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(touchMissedSQL), m.UpdatedAt.UTC(), claim.RecipientID, claim.Level)
	if err != nil {
		return nil, pkg.Transient("DeferClaim", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status pkg.MissedStatus
		err = tx.GetContext(ctx, &status,
			tx.Rebind(`SELECT status FROM missed_level_earnings WHERE recipient_id = ? AND level = ?`), claim.RecipientID, claim.Level)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err = tx.ExecContext(ctx, tx.Rebind(insertMissedSQL),
				claim.RecipientID, claim.Level, decimal.Zero, m.ExpectedMembers, m.ActualMembers,
				m.RequiredDirects, m.ActualDirects, m.CreatedAt.UTC(), m.UpdatedAt.UTC())
			if err != nil {
				return nil, pkg.Transient("DeferClaim", err)
			}
			if n, _ = res.RowsAffected(); n == 0 {
				return nil, pkg.Transient("DeferClaim", errors.New("concurrent insert"))
			}
		case err != nil:
			return nil, pkg.Transient("DeferClaim", err)
		default:
			return nil, pkg.ErrTransferred
		}
	}

	posted := insertEntry(ctx, tx, claim)
	if posted != nil && !errors.Is(posted, pkg.ErrPostingConflict) {
		return nil, posted
	}

	var current missedState
	err = tx.GetContext(ctx, &current,
		tx.Rebind(`SELECT amount, status FROM missed_level_earnings WHERE recipient_id = ? AND level = ?`), claim.RecipientID, claim.Level)
	if err != nil {
		return nil, pkg.Transient("DeferClaim", err)
	}

	amount, err := pendingClaims(ctx, tx, claim.RecipientID, claim.Level)
	if err != nil {
		return nil, err
	}
	amount = decimal.Max(amount, m.Amount, current.Amount)

	_, err = tx.ExecContext(ctx, tx.Rebind(updateMissedSQL),
		amount, m.ActualMembers, m.ActualDirects, m.UpdatedAt.UTC(), claim.RecipientID, claim.Level)
	if err != nil {
		return nil, pkg.Transient("DeferClaim", err)
	}

	var stored pkg.MissedLevelEarning
	err = tx.GetContext(ctx, &stored,
		tx.Rebind(`SELECT `+missedColumns+` FROM missed_level_earnings WHERE recipient_id = ? AND level = ?`), claim.RecipientID, claim.Level)
	if err != nil {
		return nil, pkg.Transient("DeferClaim", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, pkg.Transient("Commit", err)
	}
	return &stored, posted
}

func (d *SQL) Missed(ctx context.Context, recipientId string, level int) (*pkg.MissedLevelEarning, error) {
	var m pkg.MissedLevelEarning
	err := d.db.GetContext(ctx, &m,
		d.db.Rebind(`SELECT `+missedColumns+` FROM missed_level_earnings WHERE recipient_id = ? AND level = ?`), recipientId, level)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkg.ErrNotFound
	}
	if err != nil {
		return nil, pkg.Transient("Missed", err)
	}
	return &m, nil
}

func (d *SQL) PendingMissed(ctx context.Context, recipientId string) ([]pkg.MissedLevelEarning, error) {
	var pending []pkg.MissedLevelEarning
	err := d.db.SelectContext(ctx, &pending,
		d.db.Rebind(`SELECT `+missedColumns+` FROM missed_level_earnings WHERE recipient_id = ? AND status = ? ORDER BY level`),
		recipientId, pkg.MissedPending)
	if err != nil {
		return nil, pkg.Transient("PendingMissed", err)
	}
	return pending, nil
}

func (d *SQL) TransferMissed(ctx context.Context, recipientId string, level int, e pkg.LedgerEntry) (*pkg.LedgerEntry, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, pkg.Transient("BeginTxx", err)
	}
	defer tx.Rollback()

	var current missedState
	err = tx.GetContext(ctx, &current,
		tx.Rebind(`SELECT amount, status FROM missed_level_earnings WHERE recipient_id = ? AND level = ?`), recipientId, level)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkg.Transient("TransferMissed", err)
	}
	if current.Status != pkg.MissedPending {
		return nil, nil
	}

	at := e.CreatedAt.UTC()
	res, err := tx.ExecContext(ctx, tx.Rebind(closeMissedSQL), at, at, recipientId, level)
	if err != nil {
		return nil, pkg.Transient("TransferMissed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	claims, err := pendingClaims(ctx, tx, recipientId, level)
	if err != nil {
		return nil, err
	}
	e.Amount = decimal.Max(current.Amount, claims)

	err = insertEntry(ctx, tx, e)
	if errors.Is(err, pkg.ErrPostingConflict) {
		return nil, &pkg.InvariantViolation{MemberID: recipientId, Reason: "deferred transfer already posted for a pending record"}
	}
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, pkg.Transient("Commit", err)
	}
	return &e, nil
}

// Save keeps members.total_earnings, the cached counter, in step with
// confirmed postings.
func (d *SQL) Save(ctx context.Context, entries []pkg.LedgerEntry) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "BeginTxx")
	}
	defer tx.Rollback()

	for _, e := range entries {
		if !e.Credited() {
			continue
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE members SET total_earnings = total_earnings + ? WHERE id = ?`), e.Amount, e.RecipientID)
		if err != nil {
			return errors.Wrap(err, "update total_earnings")
		}
	}

	return tx.Commit()
}

func (d *SQL) Earnings(ctx context.Context, memberId string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := d.db.GetContext(ctx, &total, d.db.Rebind(`SELECT total_earnings FROM members WHERE id = ?`), memberId)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, pkg.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, pkg.Transient("Earnings", err)
	}
	return total, nil
}

func (d *SQL) SetEarnings(ctx context.Context, memberId string, amount decimal.Decimal) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`UPDATE members SET total_earnings = ? WHERE id = ?`), amount, memberId)
	return pkg.Transient("SetEarnings", err)
}

// Credited lists members credited since a point in time, for periodic audits.
func (d *SQL) Credited(ctx context.Context, since time.Time) ([]string, error) {
	var ids []string
	err := d.db.SelectContext(ctx, &ids, d.db.Rebind(`SELECT DISTINCT recipient_id FROM ledger_entries
		WHERE recipient_id <> '' AND status = ? AND created_at >= ?`), pkg.StatusConfirmed, since.UTC())
	if err != nil {
		return nil, pkg.Transient("Credited", err)
	}
	return ids, nil
}

func (d *SQL) Halt(ctx context.Context, memberId, reason string) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(haltSQL), memberId, reason, time.Now().UTC())
	return pkg.Transient("Halt", err)
}

func (d *SQL) Halted(ctx context.Context, memberId string) (string, bool, error) {
	var reason string
	err := d.db.GetContext(ctx, &reason, d.db.Rebind(`SELECT reason FROM halted_members WHERE member_id = ?`), memberId)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkg.Transient("Halted", err)
	}
	return reason, true, nil
}

func (d *SQL) Release(ctx context.Context, memberId string) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`DELETE FROM halted_members WHERE member_id = ?`), memberId)
	return pkg.Transient("Release", err)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
