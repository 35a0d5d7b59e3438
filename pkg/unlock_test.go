package pkg

import "testing"

func TestUnlockedLevels(t *testing.T) {
	cases := []struct {
		directs  int
		built    bool
		expected int
	}{
		{0, false, 0},
		{1, false, 0},
		{2, false, 4},
		{3, false, 4},
		{4, false, 4},
		{5, false, 5},
		{9, false, 9},
		{15, false, 15},
		{40, false, 15},
		{0, true, 15},
		{1, true, 15},
	}

	for _, c := range cases {
		if got := UnlockedLevels(c.directs, c.built); got != c.expected {
			t.Fatalf("UnlockedLevels(%d, %v): expected %d, got %d", c.directs, c.built, c.expected, got)
		}
	}
}

func TestUnlockedLevelsMonotonic(t *testing.T) {
	prev := 0
	for directs := 0; directs <= 30; directs++ {
		got := UnlockedLevels(directs, false)
		if got < prev {
			t.Fatalf("expected non-decreasing levels, %d directs gave %d after %d", directs, got, prev)
		}
		if full := UnlockedLevels(directs, true); full != MaxLevel {
			t.Fatalf("expected team built to unlock %d, got %d", MaxLevel, full)
		}
		prev = got
	}
}

func TestRequiredDirectReferralsAgreesWithUnlock(t *testing.T) {
	for level := 1; level <= MaxLevel; level++ {
		required := RequiredDirectReferrals(level)
		if UnlockedLevels(required, false) < level {
			t.Fatalf("level %d: %d directs should unlock it", level, required)
		}
		if UnlockedLevels(required-1, false) >= level {
			t.Fatalf("level %d: %d directs should not unlock it", level, required-1)
		}
	}
}
