package subscriptions

import (
	"time"

	"github.com/shopspring/decimal"
)

// prorate splits a period at the change instant and returns the credit for
// unused time on the old amount and the charge for remaining time on the new
// one. Both are rounded half-up to whole cents. The instant is clamped to
// the period, so a change after the period end prorates to zero.
func prorate(oldAmountCents, newAmountCents int64, periodStart, periodEnd, at time.Time) (credit, charge int64) {
	if !periodEnd.After(periodStart) {
		return 0, 0
	}
	if at.Before(periodStart) {
		at = periodStart
	}
	if at.After(periodEnd) {
		at = periodEnd
	}

	total := decimal.NewFromInt(int64(periodEnd.Sub(periodStart) / time.Second))
	remaining := decimal.NewFromInt(int64(periodEnd.Sub(at) / time.Second))
	if total.IsZero() || remaining.IsZero() {
		return 0, 0
	}
	fraction := remaining.Div(total)

	credit = decimal.NewFromInt(oldAmountCents).Mul(fraction).Round(0).IntPart()
	charge = decimal.NewFromInt(newAmountCents).Mul(fraction).Round(0).IntPart()
	return credit, charge
}
