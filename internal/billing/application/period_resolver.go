package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	billing "water-billing/internal/billing/domain"
)

// PeriodResolver determines the billing window of a meter.
type PeriodResolver struct {
	invoices billing.InvoiceStore
	readings billing.ReadingStore
}

// NewPeriodResolver constructs a PeriodResolver.
func NewPeriodResolver(invoices billing.InvoiceStore, readings billing.ReadingStore) (*PeriodResolver, error) {
	if invoices == nil {
		return nil, errors.New("period resolver: nil invoice store")
	}
	if readings == nil {
		return nil, errors.New("period resolver: nil reading store")
	}
	return &PeriodResolver{invoices: invoices, readings: readings}, nil
}

// Resolve returns the period following the meter's last invoice, or starting at its
// earliest unbilled reading when it was never invoiced. The end is the close of the
// previous cycle in the config timezone.
func (r *PeriodResolver) Resolve(ctx context.Context, meterID string, cfg billing.BillingConfig, now time.Time) (billing.Period, error) {
	loc := cfg.Location()

	var start time.Time
	last, err := r.invoices.FindLastInvoice(ctx, meterID)
	if err != nil {
		return billing.Period{}, err
	}
	if last != nil {
		start = billing.StartAfter(last.PeriodEnd, loc)
	} else {
		earliest, err := r.readings.FindEarliestUnbilled(ctx, meterID)
		if err != nil {
			return billing.Period{}, err
		}
		if earliest == nil {
			return billing.Period{}, fmt.Errorf("meter %s: %w", meterID, billing.ErrNoConsumptionInPeriod)
		}
		start = earliest.ReadAt.In(loc)
	}

	end := billing.PeriodEnd(cfg.Cycle, now, loc)
	period, err := billing.NewPeriod(start, end)
	if err != nil {
		return billing.Period{}, fmt.Errorf("meter %s: %w", meterID, err)
	}
	return period, nil
}
