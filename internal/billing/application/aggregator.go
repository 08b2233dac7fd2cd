package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	billing "water-billing/internal/billing/domain"
)

// Aggregator sums unbilled consumption of a meter over a period.
type Aggregator struct {
	readings  billing.ReadingStore
	tolerance time.Duration
}

// NewAggregator constructs an Aggregator.
func NewAggregator(readings billing.ReadingStore, tolerance time.Duration) (*Aggregator, error) {
	if readings == nil {
		return nil, errors.New("aggregator: nil reading store")
	}
	if tolerance < 0 {
		tolerance = 0
	}
	return &Aggregator{readings: readings, tolerance: tolerance}, nil
}

// Aggregate selects unbilled readings with readAt in [start, end+tolerance] and
// converts their summed deltas to cubic meters.
func (a *Aggregator) Aggregate(ctx context.Context, meterID string, period billing.Period) (billing.Usage, error) {
	readings, err := a.readings.FindUnbilledInRange(ctx, meterID, period.Start, period.End.Add(a.tolerance))
	if err != nil {
		return billing.Usage{}, err
	}
	if len(readings) == 0 {
		return billing.Usage{}, fmt.Errorf("meter %s %s: %w", meterID, period, billing.ErrNoConsumptionInPeriod)
	}
	liters := billing.SumLiters(readings)
	if liters.IsZero() {
		return billing.Usage{}, fmt.Errorf("meter %s %s: %w", meterID, period, billing.ErrZeroConsumption)
	}
	return billing.Usage{
		MeterID:     meterID,
		Period:      period,
		Liters:      liters,
		CubicMeters: billing.LitersToCubicMeters(liters),
		ReadingIDs:  lo.Map(readings, func(r billing.Reading, _ int) string { return r.ID }),
	}, nil
}
