package pkg

import (
	"github.com/mailru/easyjson"
	"github.com/shopspring/decimal"
	"strings"
	"testing"
)

func TestDefaultPlanSplitsExactly(t *testing.T) {
	p := DefaultPlan()
	if err := p.Validate(); err != nil {
		t.Fatalf("expected default plan to validate, got %v", err)
	}
	if !p.Split().Equal(p.PackageFee) {
		t.Fatalf("expected split %s to equal fee %s", p.Split(), p.PackageFee)
	}
}

func TestPlanValidateRejectsDrift(t *testing.T) {
	p := DefaultPlan()
	p.LevelIncome = decimal.RequireFromString("1.01")
	if err := p.Validate(); err == nil || !strings.Contains(err.Error(), "does not add up") {
		t.Fatalf("expected split error, got %v", err)
	}

	p = DefaultPlan()
	p.CreatorFee = decimal.NewFromInt(-3)
	if err := p.Validate(); err == nil {
		t.Fatal("expected negative share to be rejected")
	}
}

func TestPlanFractionalSplitHasNoRoundingDrift(t *testing.T) {
	p := Plan{
		PackageFee:     decimal.RequireFromString("25.05"),
		DirectBonus:    decimal.RequireFromString("7.5"),
		LevelIncome:    decimal.RequireFromString("0.77"),
		CreatorFee:     decimal.RequireFromString("3.3"),
		DevelopmentFee: decimal.RequireFromString("2.7"),
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected fractional plan to validate, got %v", err)
	}
}

func TestTheoreticalMax(t *testing.T) {
	// 2*10 at level 1, then 2^2..2^15 at 1 each: 20 + 65532
	expected := decimal.NewFromInt(65552)
	if got := DefaultPlan().TheoreticalMax(); !got.Equal(expected) {
		t.Fatalf("expected %s, got %s", expected, got)
	}
}

func TestCapacity(t *testing.T) {
	if Capacity(1) != 2 || Capacity(15) != 32768 || Capacity(-1) != 0 {
		t.Fatalf("unexpected capacities %d %d %d", Capacity(1), Capacity(15), Capacity(-1))
	}
}

func TestPlanPayload(t *testing.T) {
	var p Plan
	err := easyjson.Unmarshal([]byte(`{"package_fee":"40","direct_bonus":"15","level_income":1,"creator_fee":"3","development_fee":"7","extra":true}`), &p)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err = p.Validate(); err != nil {
		t.Fatalf("expected valid plan, got %v", err)
	}

	data, err := easyjson.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"package_fee":"40"`) {
		t.Fatalf("unexpected payload %s", data)
	}
}

func TestRegistrationEventPayload(t *testing.T) {
	var ev RegistrationEvent
	err := easyjson.Unmarshal([]byte(`{"member_id":"m1","sponsor":"S-CODE","amount":"30","registered_at":"2026-10-19T10:00:00Z"}`), &ev)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.MemberID != "m1" || ev.Sponsor != "S-CODE" || !ev.Amount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.RegisteredAt.Year() != 2026 {
		t.Fatalf("expected registration time to be parsed, got %v", ev.RegisteredAt)
	}
}

func TestLevelStatsRoundTripKeepsCounts(t *testing.T) {
	var counts LevelCounts
	counts[1], counts[2], counts[15] = 2, 3, 7

	data, err := easyjson.Marshal(NewLevelStats(counts))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var stats LevelStats
	if err = easyjson.Unmarshal(data, &stats); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if stats.LevelCounts() != counts {
		t.Fatalf("expected %v, got %v", counts, stats.LevelCounts())
	}
}

func TestFillPercent(t *testing.T) {
	cases := []struct {
		members, level int
		expected       float64
	}{
		{2, 1, 100},
		{1, 1, 50},
		{1, 3, 12.5},
		{1, 15, 0},
		{0, 4, 0},
	}
	for _, c := range cases {
		if got := FillPercent(c.members, c.level); got != c.expected {
			t.Fatalf("FillPercent(%d, %d): expected %v, got %v", c.members, c.level, c.expected, got)
		}
	}
}
