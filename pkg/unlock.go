package pkg

const (
	// TeamBuiltThreshold is the team size (levels 1-15) that unlocks every level.
	TeamBuiltThreshold = 100

	firstUnlockDirects = 2
	firstUnlockLevels  = 4
	stepUnlockFrom     = 5
)

// UnlockedLevels returns how many commission levels a member with the given
// number of validated direct referrals has unlocked.
//
//	< 2 directs   -> 0
//	2..4 directs  -> 4
//	N directs     -> N for 5 <= N <= 15
//	team built    -> 15
func UnlockedLevels(directReferrals int, teamFullyBuilt bool) int {
	if teamFullyBuilt {
		return MaxLevel
	}

	switch {
	case directReferrals < firstUnlockDirects:
		return 0
	case directReferrals < stepUnlockFrom:
		return firstUnlockLevels
	case directReferrals > MaxLevel:
		return MaxLevel
	default:
		return directReferrals
	}
}

// RequiredDirectReferrals is the smallest direct referral count that unlocks level.
func RequiredDirectReferrals(level int) int {
	if level <= firstUnlockLevels {
		return firstUnlockDirects
	}
	return level
}
