package pkg

import (
	"context"
	"github.com/shopspring/decimal"
)

// Storage receives every entry after it has been posted to the ledger.
type Storage interface {
	Name() string
	Save(context.Context, []LedgerEntry) error
}

type MemberStore interface {
	Member(ctx context.Context, id string) (*Member, error)
	MemberByCode(ctx context.Context, code string) (*Member, error)
	Members(ctx context.Context, ids []string) ([]Member, error)
	// Sponsored returns the members directly enrolled by any of sponsorIds.
	Sponsored(ctx context.Context, sponsorIds []string) ([]Member, error)
	CreateMember(ctx context.Context, m *Member) error
	// Attach fills an empty slot of parentId; ErrSlotTaken if it is occupied.
	Attach(ctx context.Context, parentId string, slot Slot, childId string) error
	// RaiseUnlockedLevels stores levels only when it exceeds the stored value.
	RaiseUnlockedLevels(ctx context.Context, id string, levels int) error
}

type LedgerStore interface {
	// Post returns ErrPostingConflict when (recipient, from, level) exists.
	Post(ctx context.Context, e LedgerEntry) error
	Entries(ctx context.Context, recipientId string) ([]LedgerEntry, error)
	EventEntries(ctx context.Context, fromId string) ([]LedgerEntry, error)
	ConfirmedTotal(ctx context.Context, recipientId string) (decimal.Decimal, error)
}

type MissedStore interface {
	// UpsertMissed returns ErrTransferred when the record is already closed.
	UpsertMissed(ctx context.Context, m MissedLevelEarning) error
	Missed(ctx context.Context, recipientId string, level int) (*MissedLevelEarning, error)
	PendingMissed(ctx context.Context, recipientId string) ([]MissedLevelEarning, error)
	// DeferClaim posts the pending claim and raises the record of its
	// (recipient, level) to the sum of pending claims there, in one step.
	// ErrPostingConflict means the claim already existed and the record was
	// refreshed anyway; ErrTransferred means the record is closed and nothing
	// was written.
	DeferClaim(ctx context.Context, claim LedgerEntry, m MissedLevelEarning) (*MissedLevelEarning, error)
	// TransferMissed closes the pending record and posts e in one step, for
	// the larger of the stored amount and the pending claims at that level.
	// It returns nil when there is nothing pending.
	TransferMissed(ctx context.Context, recipientId string, level int, e LedgerEntry) (*LedgerEntry, error)
}

// EarningsCounter is a cached running total of confirmed earnings. The
// ledger is the truth; the counter may drift.
type EarningsCounter interface {
	Earnings(ctx context.Context, memberId string) (decimal.Decimal, error)
	SetEarnings(ctx context.Context, memberId string, amount decimal.Decimal) error
}

// HaltStore keeps the members whose reconciliation is halted after an
// invariant violation. Halts are shared by every worker and survive
// restarts until an operator releases them.
type HaltStore interface {
	Halt(ctx context.Context, memberId, reason string) error
	Halted(ctx context.Context, memberId string) (reason string, halted bool, err error)
	Release(ctx context.Context, memberId string) error
}

type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type StatsCache interface {
	Get(ctx context.Context, memberId string) (LevelCounts, bool)
	Set(ctx context.Context, memberId string, counts LevelCounts)
	Invalidate(ctx context.Context, memberIds ...string)
}
