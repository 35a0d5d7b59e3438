package pkg

import (
	"context"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type LevelStat struct {
	Level       int     `json:"level"`
	Members     int     `json:"members"`
	Capacity    int64   `json:"capacity"`
	FillPercent float64 `json:"fill_percent"`
	Unlocked    bool    `json:"unlocked"`
}

type MissedLevel struct {
	Level  int             `json:"level"`
	Amount decimal.Decimal `json:"amount"`
}

type Summary struct {
	MemberID        string          `json:"member_id"`
	DirectReferrals int             `json:"direct_referrals"`
	UnlockedLevels  int             `json:"unlocked_levels"`
	TeamSize        int             `json:"team_size"`
	Levels          []LevelStat     `json:"levels"`
	TotalEarnings   decimal.Decimal `json:"total_earnings"`
	PendingMissed   decimal.Decimal `json:"pending_missed"`
	MissedByLevel   []MissedLevel   `json:"missed_by_level"`
}

// Reports serves the dashboard queries. It reads cached counts and never
// writes to the ledger.
type Reports struct {
	members    MemberStore
	census     *Census
	missed     MissedStore
	aggregator *Aggregator
}

func NewReports(members MemberStore, census *Census, missed MissedStore, aggregator *Aggregator) *Reports {
	return &Reports{members: members, census: census, missed: missed, aggregator: aggregator}
}

func (r *Reports) Summary(ctx context.Context, memberId string) (*Summary, error) {
	member, err := r.members.Member(ctx, memberId)
	if err != nil {
		return nil, errors.Wrap(err, "Member")
	}

	directs, err := r.census.DirectReferrals(ctx, memberId)
	if err != nil {
		return nil, err
	}

	counts, err := r.census.Levels(ctx, memberId)
	if err != nil {
		return nil, err
	}

	unlocked := UnlockedLevels(directs, TeamFullyBuilt(counts))
	if member.UnlockedLevels > unlocked {
		unlocked = member.UnlockedLevels
	}

	total, err := r.aggregator.TotalEarnings(ctx, memberId)
	if err != nil {
		return nil, err
	}

	pending, err := r.missed.PendingMissed(ctx, memberId)
	if err != nil {
		return nil, errors.Wrap(err, "PendingMissed")
	}

	summary := &Summary{
		MemberID:        memberId,
		DirectReferrals: directs,
		UnlockedLevels:  unlocked,
		TeamSize:        counts.Total(),
		Levels:          make([]LevelStat, 0, MaxLevel),
		TotalEarnings:   total,
		PendingMissed:   decimal.Zero,
		MissedByLevel:   make([]MissedLevel, 0, len(pending)),
	}

	for level := 1; level <= MaxLevel; level++ {
		summary.Levels = append(summary.Levels, LevelStat{
			Level:       level,
			Members:     counts.At(level),
			Capacity:    Capacity(level),
			FillPercent: FillPercent(counts.At(level), level),
			Unlocked:    level <= unlocked,
		})
	}

	for _, m := range pending {
		summary.PendingMissed = summary.PendingMissed.Add(m.Amount)
		summary.MissedByLevel = append(summary.MissedByLevel, MissedLevel{Level: m.Level, Amount: m.Amount})
	}

	return summary, nil
}

// FillPercent is how full a level is against its binary capacity, two decimals.
func FillPercent(members, level int) float64 {
	capacity := Capacity(level)
	if capacity == 0 {
		return 0
	}

	pct, _ := decimal.NewFromInt(int64(members) * 100).
		Div(decimal.NewFromInt(capacity)).
		Round(2).
		Float64()
	return pct
}
