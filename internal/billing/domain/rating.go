package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	componentPlaces int32 = 2
	// Invoice totals are rounded to the nearest 0.10 currency unit.
	totalPlaces int32 = 1
)

// Charges are the monetary components of one invoice.
type Charges struct {
	Water      decimal.Decimal
	Sewerage   decimal.Decimal
	Fixed      decimal.Decimal
	Additional decimal.Decimal
	Discounts  decimal.Decimal
	Taxes      decimal.Decimal
	Total      decimal.Decimal
}

// RoundComponent rounds a per-unit charge to two decimals.
func RoundComponent(d decimal.Decimal) decimal.Decimal {
	return d.Round(componentPlaces)
}

// RoundTotal rounds a grand total to one decimal.
func RoundTotal(d decimal.Decimal) decimal.Decimal {
	return d.Round(totalPlaces)
}

// ComputeTotal returns water + sewerage + fixed + additional - discounts + taxes,
// rounded with RoundTotal.
func (c Charges) ComputeTotal() decimal.Decimal {
	return RoundTotal(c.Water.
		Add(c.Sewerage).
		Add(c.Fixed).
		Add(c.Additional).
		Sub(c.Discounts).
		Add(c.Taxes))
}

// Rate prices cubicMeters against plan. Components are rounded first, then the total.
func Rate(plan *RatePlan, cubicMeters decimal.Decimal) (Charges, error) {
	if plan == nil || !plan.Active {
		return Charges{}, ErrNoActiveTariff
	}
	if cubicMeters.IsNegative() {
		return Charges{}, fmt.Errorf("billing: negative consumption %s", cubicMeters)
	}
	c := Charges{
		Water:      RoundComponent(cubicMeters.Mul(plan.WaterRate)),
		Sewerage:   RoundComponent(cubicMeters.Mul(plan.SewerageRate)),
		Fixed:      plan.FixedCharge,
		Additional: decimal.Zero,
		Discounts:  decimal.Zero,
		Taxes:      decimal.Zero,
	}
	c.Total = c.ComputeTotal()
	return c, nil
}

// RateMeter prices usage with the meter's current active plan.
func RateMeter(meter Meter, cubicMeters decimal.Decimal) (Charges, error) {
	if meter.RatePlan == nil {
		return Charges{}, fmt.Errorf("%w: category %s", ErrNoActiveTariff, meter.RateCategoryID)
	}
	return Rate(meter.RatePlan, cubicMeters)
}
