package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// DaysInMonth returns the number of days of t's month in UTC.
func DaysInMonth(t time.Time) int {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// FirstOfNextMonth returns midnight UTC of the first day after t's month.
func FirstOfNextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// ProratedCharge is the share of budget covering the rest of the month,
// counting the launch day itself. The result is rounded half up and never
// drops below one credit.
func ProratedCharge(budget int64, at time.Time) int64 {
	at = at.UTC()
	days := DaysInMonth(at)
	remaining := days - at.Day() + 1

	charge := decimal.NewFromInt(budget).
		Mul(decimal.NewFromInt(int64(remaining))).
		Div(decimal.NewFromInt(int64(days))).
		Round(0).
		IntPart()

	if charge < 1 {
		return 1
	}
	return charge
}

// LaunchCharge is what a launch debits immediately.
func LaunchCharge(budget int64, prorate bool, at time.Time) int64 {
	if !prorate {
		return budget
	}
	return ProratedCharge(budget, at)
}
