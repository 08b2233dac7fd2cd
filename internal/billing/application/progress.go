package application

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	billing "water-billing/internal/billing/domain"
)

// progressWriter serializes ledger count updates of one run.
type progressWriter struct {
	mu          sync.Mutex
	ledger      billing.LedgerStore
	executionID string

	progress     billing.Progress
	errors       []billing.MeterError
	invoices     int
	billedM3     decimal.Decimal
	billedAmount decimal.Decimal
}

type runTotals struct {
	Progress     billing.Progress
	Errors       []billing.MeterError
	Invoices     int
	BilledM3     decimal.Decimal
	BilledAmount decimal.Decimal
}

func newProgressWriter(ledger billing.LedgerStore, executionID string) *progressWriter {
	return &progressWriter{
		ledger:       ledger,
		executionID:  executionID,
		billedM3:     decimal.Zero,
		billedAmount: decimal.Zero,
	}
}

func (w *progressWriter) setTotal(ctx context.Context, total int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.progress.Total = total
	return w.ledger.UpdateExecution(ctx, w.executionID, w.progress)
}

func (w *progressWriter) succeeded(ctx context.Context, inv *billing.Invoice) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.progress.Processed++
	w.progress.Succeeded++
	if inv != nil {
		w.invoices++
		w.billedM3 = w.billedM3.Add(inv.ConsumptionM3)
		w.billedAmount = w.billedAmount.Add(inv.Total)
	}
	return w.ledger.UpdateExecution(ctx, w.executionID, w.progress)
}

func (w *progressWriter) failed(ctx context.Context, meterErr billing.MeterError) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.progress.Processed++
	w.progress.Failed++
	if len(w.errors) < billing.MaxRecordedErrors {
		w.errors = append(w.errors, meterErr)
	}
	return w.ledger.UpdateExecution(ctx, w.executionID, w.progress)
}

func (w *progressWriter) totals() runTotals {
	w.mu.Lock()
	defer w.mu.Unlock()
	return runTotals{
		Progress:     w.progress,
		Errors:       append([]billing.MeterError(nil), w.errors...),
		Invoices:     w.invoices,
		BilledM3:     w.billedM3,
		BilledAmount: w.billedAmount,
	}
}
