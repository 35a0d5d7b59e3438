package pkg

import (
	"github.com/shopspring/decimal"
	"time"
)

type MissedStatus string

const (
	MissedPending     MissedStatus = "pending"
	MissedTransferred MissedStatus = "transferred"
)

// MissedLevelEarning is what a recipient would have earned at a locked level.
// Amount is the running total owed, not a delta. Once transferred the record
// is closed for good.
type MissedLevelEarning struct {
	RecipientID     string          `json:"recipient_id" db:"recipient_id"`
	Level           int             `json:"level" db:"level"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Status          MissedStatus    `json:"status" db:"status"`
	ExpectedMembers int             `json:"expected_members" db:"expected_members"`
	ActualMembers   int             `json:"actual_members" db:"actual_members"`
	RequiredDirects int             `json:"required_directs" db:"required_directs"`
	ActualDirects   int             `json:"actual_directs" db:"actual_directs"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	TransferredAt   *time.Time      `json:"transferred_at,omitempty" db:"transferred_at"`
}
