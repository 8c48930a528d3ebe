package finance_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"redress/internal/domain"
	"redress/internal/finance"
)

func fixedEngine() finance.Engine {
	e := finance.New()
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return e
}

func TestMonthlySurplus(t *testing.T) {
	if got := finance.MonthlySurplus(3000, 2200); !got.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("surplus = %s, want 800", got)
	}
	// deficits are valid, not errors
	if got := finance.MonthlySurplus(1000, 1500); !got.Equal(decimal.NewFromInt(-500)) {
		t.Fatalf("deficit = %s, want -500", got)
	}
	// no float drift
	if got := finance.MonthlySurplus(0.3, 0.1); !got.Equal(decimal.NewFromFloat(0.2)) {
		t.Fatalf("surplus = %s, want 0.2", got)
	}
}

func TestAmortizedPayment(t *testing.T) {
	// $10,000 at 12% APR over 12 months ~ $888.49
	got := finance.AmortizedPayment(10000, 0.12, 12)
	if got.String() != "888.49" {
		t.Fatalf("payment = %s, want 888.49", got)
	}
	// zero rate falls back to straight division
	if got := finance.AmortizedPayment(1200, 0, 12); got.String() != "100" {
		t.Fatalf("zero-rate payment = %s, want 100", got)
	}
}

func TestCreditUtilizationZeroLimit(t *testing.T) {
	if got := finance.CreditUtilization(500, 0); !got.IsZero() {
		t.Fatalf("utilization = %s, want 0", got)
	}
	if got := finance.CreditUtilization(250, 1000); got.String() != "25" {
		t.Fatalf("utilization = %s, want 25", got)
	}
}

func TestDebtToIncomeSentinel(t *testing.T) {
	if got := finance.DebtToIncome(500, 0); got.String() != "999" {
		t.Fatalf("dti = %s, want 999 sentinel", got)
	}
	if got := finance.DebtToIncome(900, 3000); got.String() != "30" {
		t.Fatalf("dti = %s, want 30", got)
	}
}

func TestSnowballOrdersByBalance(t *testing.T) {
	e := fixedEngine()
	schedule := e.SnowballSchedule([]domain.Balance{
		{Name: "big", Balance: 5000, APR: 0.10},
		{Name: "small", Balance: 500, APR: 0.25},
	}, decimal.NewFromInt(200))
	if len(schedule) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(schedule))
	}
	if schedule[0].Account != "small" || schedule[1].Account != "big" {
		t.Fatalf("unexpected order: %s, %s", schedule[0].Account, schedule[1].Account)
	}
	// freed payment cascades: small pays 500*0.02+200=210, big pays 5000*0.02+210=310
	if schedule[0].Payment != 210 {
		t.Fatalf("first payment = %v, want 210", schedule[0].Payment)
	}
	if schedule[1].Payment != 310 {
		t.Fatalf("second payment = %v, want 310", schedule[1].Payment)
	}
	if schedule[0].Date != "2024-01-01" || schedule[1].Date != "2024-01-31" {
		t.Fatalf("dates not staggered by 30 days: %s, %s", schedule[0].Date, schedule[1].Date)
	}
}

func TestSnowballTieBreakStable(t *testing.T) {
	e := fixedEngine()
	schedule := e.SnowballSchedule([]domain.Balance{
		{Name: "first", Balance: 1000},
		{Name: "second", Balance: 1000},
	}, decimal.NewFromInt(100))
	if schedule[0].Account != "first" || schedule[1].Account != "second" {
		t.Fatalf("equal balances must keep input order, got %s, %s", schedule[0].Account, schedule[1].Account)
	}
}

func TestAvalancheOrdersByAPR(t *testing.T) {
	e := fixedEngine()
	schedule := e.AvalancheSchedule([]domain.Balance{
		{Name: "cheap", Balance: 500, APR: 0.05},
		{Name: "expensive", Balance: 5000, APR: 0.29},
	}, decimal.NewFromInt(100))
	if schedule[0].Account != "expensive" || schedule[1].Account != "cheap" {
		t.Fatalf("unexpected order: %s, %s", schedule[0].Account, schedule[1].Account)
	}
}

func TestSavingsScheduleReachesGoal(t *testing.T) {
	e := fixedEngine()
	// 120 days -> 4 months -> weekly deposits of exactly 1200/4/4 = 75
	schedule := e.SavingsSchedule(1200, 120, decimal.NewFromInt(800))
	if len(schedule) != 16 {
		t.Fatalf("expected 16 weekly entries, got %d", len(schedule))
	}
	var total float64
	for _, entry := range schedule {
		total += entry.Amount
	}
	if total != 1200 {
		t.Fatalf("schedule total = %v, want 1200", total)
	}
	if schedule[0].Date != "2024-01-01" || schedule[1].Date != "2024-01-08" {
		t.Fatalf("entries not weekly: %s, %s", schedule[0].Date, schedule[1].Date)
	}
}

func TestSavingsScheduleCapsFinalEntry(t *testing.T) {
	e := fixedEngine()
	// weekly chunk 1000/2/4 = 125; 8th entry capped at the exact remainder
	schedule := e.SavingsSchedule(1000, 60, decimal.NewFromInt(800))
	last := schedule[len(schedule)-1]
	if last.Amount > schedule[0].Amount {
		t.Fatalf("final entry %v exceeds weekly chunk %v", last.Amount, schedule[0].Amount)
	}
}

func TestSavingsScheduleSafetyBound(t *testing.T) {
	e := fixedEngine()
	// weekly chunk rounds to ~0 progress per iteration: must stop, not spin
	schedule := e.SavingsSchedule(1000, 1000000, decimal.NewFromInt(0))
	if len(schedule) > 200 {
		t.Fatalf("expected at most 200 entries, got %d", len(schedule))
	}
	if got := e.SavingsSchedule(0, 90, decimal.NewFromInt(100)); len(got) != 0 {
		t.Fatalf("zero goal should produce empty schedule, got %d entries", len(got))
	}
	if got := e.SavingsSchedule(1000, 0, decimal.NewFromInt(100)); len(got) != 0 {
		t.Fatalf("zero deadline should produce empty schedule, got %d entries", len(got))
	}
}

func TestSimulateChecksumDeterministic(t *testing.T) {
	scenario := domain.FinanceScenario{
		Income:   3000,
		Expenses: 2200,
		Goal:     &domain.Goal{Type: "emergency", Amount: 1000, DeadlineDays: 90},
		Balances: []domain.Balance{{Name: "visa", Balance: 1200, APR: 0.24}},
	}

	e1 := fixedEngine()
	_, sum1, assumptions, err := e1.Simulate(scenario)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	e2 := fixedEngine()
	_, sum2, _, err := e2.Simulate(scenario)
	if err != nil {
		t.Fatalf("simulate again: %v", err)
	}
	if sum1 != sum2 {
		t.Fatalf("checksums differ: %s vs %s", sum1, sum2)
	}
	if len(assumptions) == 0 {
		t.Fatal("expected stated assumptions")
	}

	verified, err := finance.Verify(map[string]any{
		"income":          scenario.Income,
		"expenses":        scenario.Expenses,
		"monthly_surplus": 800.0,
		"finance_version": finance.Version,
	}, sum1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verified {
		t.Fatal("expected checksum to verify")
	}
	verified, err = finance.Verify(map[string]any{"income": 1.0}, sum1)
	if err != nil {
		t.Fatalf("verify mismatch: %v", err)
	}
	if verified {
		t.Fatal("expected mismatch to fail verification")
	}
}
