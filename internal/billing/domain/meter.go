package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meter is a billable metering point.
type Meter struct {
	ID             string
	CustomerID     string
	RateCategoryID string
	Status         string
	Serial         string
	Location       string
	InstalledAt    time.Time

	// RatePlan is the category's current active plan, nil when the category has none.
	RatePlan *RatePlan
}

// RatePlan is a tariff row for one rate category.
type RatePlan struct {
	ID             string
	RateCategoryID string
	MinConsumption decimal.Decimal
	MaxConsumption decimal.NullDecimal
	WaterRate      decimal.Decimal
	SewerageRate   decimal.Decimal
	FixedCharge    decimal.Decimal
	BaselineVolume decimal.Decimal
	Active         bool
	ValidFrom      time.Time
	ValidTo        *time.Time
}

// Reading is one metered observation.
type Reading struct {
	ID               string
	MeterID          string
	ReadAt           time.Time
	CumulativeLiters decimal.Decimal
	// ConsumptionLiters is the delta since the previous reading; null counts as zero.
	ConsumptionLiters decimal.NullDecimal
	Invoiced          bool
	InvoiceID         string
}

// Usage is the aggregated consumption of one meter over one period.
type Usage struct {
	MeterID     string
	Period      Period
	Liters      decimal.Decimal
	CubicMeters decimal.Decimal
	ReadingIDs  []string
}

var litersPerCubicMeter = decimal.NewFromInt(1000)

// SumLiters adds up reading deltas, treating null deltas as zero.
func SumLiters(readings []Reading) decimal.Decimal {
	total := decimal.Zero
	for _, r := range readings {
		if r.ConsumptionLiters.Valid {
			total = total.Add(r.ConsumptionLiters.Decimal)
		}
	}
	return total
}

// LitersToCubicMeters converts the storage unit to the billing unit.
func LitersToCubicMeters(liters decimal.Decimal) decimal.Decimal {
	return liters.Div(litersPerCubicMeter)
}
