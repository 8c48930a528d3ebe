// Package finance is the deterministic financial math engine. Every
// calculation uses exact decimal arithmetic and is paired with a checksum
// over its inputs and outputs so a third party can detect divergence.
package finance

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"redress/internal/canon"
	"redress/internal/domain"
)

// Version participates in every checksum; bump it whenever the math changes.
const Version = "v1.0"

var (
	hundred     = decimal.NewFromInt(100)
	twelve      = decimal.NewFromInt(12)
	dtiSentinel = decimal.NewFromInt(999)
)

// Engine generates schedules with simulated dates from an injectable clock.
// The pure calculations below are package functions.
type Engine struct {
	Now func() time.Time
}

func New() Engine {
	return Engine{Now: time.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// MonthlySurplus is income minus expenses as exact decimals. Negative
// results are valid and signal a deficit.
func MonthlySurplus(income, expenses float64) decimal.Decimal {
	return decimal.NewFromFloat(income).Sub(decimal.NewFromFloat(expenses))
}

// AmortizedPayment is the standard amortization formula
// M = P * r(1+r)^n / ((1+r)^n - 1) with a monthly rate of annualRate/12.
// A zero rate degenerates to principal/months. Rounded half-up to cents.
func AmortizedPayment(principal, annualRate float64, months int) decimal.Decimal {
	p := decimal.NewFromFloat(principal)
	n := decimal.NewFromInt(int64(months))
	r := decimal.NewFromFloat(annualRate).Div(twelve)
	if r.IsZero() {
		return p.Div(n).Round(2)
	}
	growth := decimal.NewFromInt(1).Add(r).Pow(n)
	payment := p.Mul(r.Mul(growth)).Div(growth.Sub(decimal.NewFromInt(1)))
	return payment.Round(2)
}

// CreditUtilization returns balance/limit as a percentage, 0 when the
// limit is 0.
func CreditUtilization(balance, limit float64) decimal.Decimal {
	if limit == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(balance).Div(decimal.NewFromFloat(limit)).Mul(hundred).Round(2)
}

// DebtToIncome returns the DTI percentage, or the 999 sentinel when income
// is zero (undefined, flagged rather than a division error).
func DebtToIncome(monthlyDebtPayments, grossMonthlyIncome float64) decimal.Decimal {
	if grossMonthlyIncome == 0 {
		return dtiSentinel
	}
	return decimal.NewFromFloat(monthlyDebtPayments).Div(decimal.NewFromFloat(grossMonthlyIncome)).Mul(hundred).Round(2)
}

// Checksum hashes any JSON-compatible calculation payload canonically.
func Checksum(v any) (string, error) {
	return canon.Hash(v)
}

func minimumPayment(b domain.Balance) decimal.Decimal {
	if b.MinPayment > 0 {
		return decimal.NewFromFloat(b.MinPayment)
	}
	return decimal.NewFromFloat(b.Balance).Mul(decimal.NewFromFloat(0.02))
}

// SnowballSchedule targets the smallest balance first. Once a debt is
// cleared its whole payment rolls into the next target, so payments cascade.
// Entries carry simulated dates staggered 30 days per position. Equal
// balances keep their input order.
func (e Engine) SnowballSchedule(balances []domain.Balance, monthlySurplus decimal.Decimal) []domain.PaydownEntry {
	ordered := make([]domain.Balance, len(balances))
	copy(ordered, balances)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Balance < ordered[j].Balance })
	return e.cascade(ordered, monthlySurplus)
}

// AvalancheSchedule is the same cascade ordered by highest APR first; ties
// keep their input order.
func (e Engine) AvalancheSchedule(balances []domain.Balance, monthlySurplus decimal.Decimal) []domain.PaydownEntry {
	ordered := make([]domain.Balance, len(balances))
	copy(ordered, balances)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].APR > ordered[j].APR })
	return e.cascade(ordered, monthlySurplus)
}

func (e Engine) cascade(ordered []domain.Balance, surplus decimal.Decimal) []domain.PaydownEntry {
	start := e.now()
	schedule := make([]domain.PaydownEntry, 0, len(ordered))
	for idx, b := range ordered {
		total := minimumPayment(b).Add(surplus)
		schedule = append(schedule, domain.PaydownEntry{
			Account: b.Name,
			Payment: total.Round(2).InexactFloat64(),
			Balance: b.Balance,
			Date:    start.AddDate(0, 0, idx*30).Format("2006-01-02"),
		})
		surplus = total
	}
	return schedule
}

// savingsIterationCap bounds the weekly loop against pathological inputs
// (zero or negative goal chunks). Hitting the cap truncates the schedule
// rather than erroring.
const savingsIterationCap = 200

// SavingsSchedule splits the goal into deadlineDays/30 monthly chunks and
// four weekly micro-deposits per month, capping the final entry at the
// exact remaining amount.
func (e Engine) SavingsSchedule(goalAmount float64, deadlineDays int, monthlySurplus decimal.Decimal) []domain.SavingsEntry {
	_ = monthlySurplus
	if deadlineDays <= 0 {
		return nil
	}
	goal := decimal.NewFromFloat(goalAmount)
	months := decimal.NewFromInt(int64(deadlineDays)).Div(decimal.NewFromInt(30))
	weekly := goal.Div(months).Div(decimal.NewFromInt(4))

	start := e.now()
	var schedule []domain.SavingsEntry
	saved := decimal.Zero
	for week := 0; saved.LessThan(goal); week++ {
		if week >= savingsIterationCap {
			break
		}
		amount := weekly
		if remaining := goal.Sub(saved); remaining.LessThan(amount) {
			amount = remaining
		}
		schedule = append(schedule, domain.SavingsEntry{
			Date:   start.AddDate(0, 0, week*7).Format("2006-01-02"),
			Amount: amount.Round(2).InexactFloat64(),
		})
		saved = saved.Add(amount)
	}
	return schedule
}

// debtAllocation is the share of the surplus directed at debt paydown in a
// simulation; the rest is assumed saved.
var debtAllocation = decimal.NewFromFloat(0.5)

// Simulate runs the full scenario and returns the calculations together
// with the checksum binding them to their inputs. Identical scenarios
// always yield identical checksums.
func (e Engine) Simulate(scenario domain.FinanceScenario) (domain.Calculations, string, []string, error) {
	surplus := MonthlySurplus(scenario.Income, scenario.Expenses)

	calc := domain.Calculations{MonthlySurplus: surplus.InexactFloat64()}
	if scenario.Goal != nil && scenario.Goal.Type == "emergency" {
		calc.SavingsPlan = e.SavingsSchedule(scenario.Goal.Amount, scenario.Goal.DeadlineDays, surplus)
	}
	if len(scenario.Balances) > 0 {
		calc.PaydownSchedule = e.SnowballSchedule(scenario.Balances, surplus.Mul(debtAllocation))
	}

	checksum, err := Checksum(map[string]any{
		"income":          scenario.Income,
		"expenses":        scenario.Expenses,
		"monthly_surplus": calc.MonthlySurplus,
		"finance_version": Version,
	})
	if err != nil {
		return domain.Calculations{}, "", nil, err
	}

	assumptions := []string{
		"30-day months used for calculations",
		"Snowball method for debt payoff",
		"50% surplus allocated to debt, 50% to savings",
		"Weekly micro-deposits for savings goals",
	}
	return calc, checksum, assumptions, nil
}

// Verify recomputes the checksum over the supplied calculations and
// compares. A mismatch is a normal outcome, not an error.
func Verify(calculations map[string]any, expected string) (bool, error) {
	actual, err := Checksum(calculations)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
