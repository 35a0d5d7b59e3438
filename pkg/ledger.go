package pkg

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"strconv"
	"time"
)

const MaxLevel = 15

const (
	LevelDirect         = 0
	LevelCreatorFee     = -1
	LevelDevelopmentFee = -2
)

type Kind string

const (
	KindDirectBonus      Kind = "direct-bonus"
	KindLevelIncome      Kind = "level-income"
	KindCreatorFee       Kind = "creator-fee"
	KindDevelopmentFee   Kind = "development-fee"
	KindDeferredTransfer Kind = "deferred-transfer"
	// KindRetained holds a split share that had no ancestor to go to.
	KindRetained Kind = "retained"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// LedgerEntry is immutable once posted. (RecipientID, FromID, Level) is
// unique across the ledger; ledger-only entries have an empty RecipientID.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	RecipientID string          `json:"recipient_id" db:"recipient_id"`
	FromID      string          `json:"from_id" db:"from_id"`
	Level       int             `json:"level" db:"level"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Kind        Kind            `json:"kind" db:"kind"`
	Status      Status          `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

func NewEntry(recipientId, fromId string, level int, amount decimal.Decimal, kind Kind, status Status, at time.Time) LedgerEntry {
	return LedgerEntry{
		ID:          uuid.NewString(),
		RecipientID: recipientId,
		FromID:      fromId,
		Level:       level,
		Amount:      amount,
		Kind:        kind,
		Status:      status,
		CreatedAt:   at,
	}
}

// Credited reports whether the entry is money its recipient has received.
func (e LedgerEntry) Credited() bool {
	return e.RecipientID != "" && e.Status == StatusConfirmed
}

func (e LedgerEntry) String() string {
	return e.RecipientID + "<-" + e.FromID + ":" + strconv.Itoa(e.Level) + ":" + string(e.Kind) + ":" + e.Amount.String()
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
