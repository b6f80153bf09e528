package catalog

import "time"

// Interval is the billing interval of a price
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Valid reports whether the interval is a known value.
func (i Interval) Valid() bool {
	return i == IntervalMonth || i == IntervalYear
}

// UsageType distinguishes flat-fee prices from metered ones
type UsageType string

const (
	// UsageTypeLicensed bills a flat amount per period.
	UsageTypeLicensed UsageType = "licensed"
	// UsageTypeMetered bills included units plus overage per recorded unit.
	UsageTypeMetered UsageType = "metered"
)

// Plan represents a sellable product
type Plan struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Price represents an immutable price point for a plan
type Price struct {
	ID              string    `json:"id"`
	PlanID          string    `json:"plan_id"`
	Currency        string    `json:"currency"`
	UnitAmountCents int64     `json:"unit_amount_cents"`
	Interval        Interval  `json:"interval"`
	UsageType       UsageType `json:"usage_type"`
	MeteredUnit     string    `json:"metered_unit,omitempty"`
	IncludedUnits   int64     `json:"included_units,omitempty"`
	OverageCents    int64     `json:"overage_cents,omitempty"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

// PeriodLength returns the start of the next period after the given period
// start, honoring calendar month/year arithmetic.
func (p *Price) NextPeriodStart(periodStart time.Time) time.Time {
	switch p.Interval {
	case IntervalYear:
		return periodStart.AddDate(1, 0, 0)
	default:
		return periodStart.AddDate(0, 1, 0)
	}
}

// CreatePlanRequest is the payload for creating a plan
type CreatePlanRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=255"`
	Description string `json:"description"`
}

// UpdatePlanRequest is the payload for updating plan display fields. Price
// amounts are not updatable; create a new price instead.
type UpdatePlanRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=255"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

// CreatePriceRequest is the payload for creating a price
type CreatePriceRequest struct {
	PlanID          string    `json:"plan_id" validate:"required"`
	Currency        string    `json:"currency" validate:"omitempty,len=3"`
	UnitAmountCents int64     `json:"unit_amount_cents" validate:"gte=0"`
	Interval        Interval  `json:"interval" validate:"required,oneof=month year"`
	UsageType       UsageType `json:"usage_type" validate:"omitempty,oneof=licensed metered"`
	MeteredUnit     string    `json:"metered_unit"`
	IncludedUnits   int64     `json:"included_units" validate:"gte=0"`
	OverageCents    int64     `json:"overage_cents" validate:"gte=0"`
}
