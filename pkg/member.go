package pkg

import "time"

func MemberLockKey(memberId string) string {
	return ":3:lock:member:" + memberId
}

func MissedLockKey(memberId string, level int) string {
	return ":3:lock:missed:" + memberId + ":" + itoa(level)
}

func StatsKey(memberId string) string {
	return ":3:stats:" + memberId
}

func EarningsKey(memberId string) string {
	return ":3:earnings:" + memberId
}

type Slot string

const (
	SlotLeft  Slot = "left"
	SlotRight Slot = "right"
)

// Member is a node of both trees: SponsorID links the enrollment chain,
// LeftID/RightID are the binary placement slots and ParentID points back to
// the placement parent.
type Member struct {
	ID             string    `json:"id" db:"id"`
	SponsorID      string    `json:"sponsor_id" db:"sponsor_id"`
	SponsorCode    string    `json:"sponsor_code" db:"sponsor_code"`
	EnrollmentCode string    `json:"enrollment_code" db:"enrollment_code"`
	ParentID       string    `json:"parent_id" db:"parent_id"`
	LeftID         string    `json:"left_id" db:"left_id"`
	RightID        string    `json:"right_id" db:"right_id"`
	Active         bool      `json:"active" db:"active"`
	RegisteredAt   time.Time `json:"registered_at" db:"registered_at"`
	UnlockedLevels int       `json:"unlocked_levels" db:"unlocked_levels"`
}

func (m *Member) Child(slot Slot) string {
	if slot == SlotLeft {
		return m.LeftID
	}
	return m.RightID
}

func (m *Member) Placed() bool {
	return m.ParentID != ""
}
