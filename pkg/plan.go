package pkg

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type PlanSource interface {
	Plan() Plan
}

// Plan is the split of one package fee:
// PackageFee = DirectBonus + MaxLevel*LevelIncome + CreatorFee + DevelopmentFee.
type Plan struct {
	PackageFee     decimal.Decimal `json:"package_fee"`
	DirectBonus    decimal.Decimal `json:"direct_bonus"`
	LevelIncome    decimal.Decimal `json:"level_income"`
	CreatorFee     decimal.Decimal `json:"creator_fee"`
	DevelopmentFee decimal.Decimal `json:"development_fee"`
}

func DefaultPlan() Plan {
	return Plan{
		PackageFee:     decimal.NewFromInt(30),
		DirectBonus:    decimal.NewFromInt(10),
		LevelIncome:    decimal.NewFromInt(1),
		CreatorFee:     decimal.NewFromInt(3),
		DevelopmentFee: decimal.NewFromInt(2),
	}
}

func (p Plan) Plan() Plan {
	return p
}

func (p Plan) Split() decimal.Decimal {
	return p.DirectBonus.
		Add(p.LevelIncome.Mul(decimal.NewFromInt(MaxLevel))).
		Add(p.CreatorFee).
		Add(p.DevelopmentFee)
}

func (p Plan) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		"package_fee":     p.PackageFee,
		"direct_bonus":    p.DirectBonus,
		"level_income":    p.LevelIncome,
		"creator_fee":     p.CreatorFee,
		"development_fee": p.DevelopmentFee,
	} {
		if v.IsNegative() {
			return errors.Errorf("plan: %s is negative", name)
		}
	}

	if !p.PackageFee.IsPositive() {
		return errors.New("plan: package_fee must be positive")
	}

	if split := p.Split(); !split.Equal(p.PackageFee) {
		return errors.Errorf("plan: split %s does not add up to package fee %s", split, p.PackageFee)
	}

	return nil
}

// TheoreticalMax is the income of a member whose 15 levels are all full
// binary: 2^level members per level, the first level paying the direct bonus.
func (p Plan) TheoreticalMax() decimal.Decimal {
	total := decimal.Zero
	for level := 1; level <= MaxLevel; level++ {
		rate := p.LevelIncome
		if level == 1 {
			rate = p.DirectBonus
		}
		total = total.Add(rate.Mul(decimal.NewFromInt(Capacity(level))))
	}
	return total
}

// Capacity is the number of members a full binary tree holds at a level.
func Capacity(level int) int64 {
	if level < 0 {
		return 0
	}
	return int64(1) << uint(level)
}
