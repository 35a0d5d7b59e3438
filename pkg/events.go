package pkg

import (
	"github.com/shopspring/decimal"
	"time"
)

// RegistrationEvent is published once per successful registration.
type RegistrationEvent struct {
	MemberID       string          `json:"member_id"`
	Sponsor        string          `json:"sponsor"`
	EnrollmentCode string          `json:"enrollment_code"`
	Amount         decimal.Decimal `json:"amount"`
	RegisteredAt   time.Time       `json:"registered_at"`
}

// LevelStats is the cached per-level member count of one subtree.
type LevelStats struct {
	Counts []int `json:"counts"`
}

func NewLevelStats(counts LevelCounts) LevelStats {
	return LevelStats{Counts: counts[:]}
}

func (s LevelStats) LevelCounts() (counts LevelCounts) {
	copy(counts[:], s.Counts)
	return counts
}
