package billing

import (
	"context"
	"time"
)

// ConfigStore loads billing configs and records run bookkeeping.
type ConfigStore interface {
	GetConfig(ctx context.Context, id string) (*BillingConfig, error)
	ListDueConfigs(ctx context.Context, now time.Time) ([]BillingConfig, error)
	UpdateConfigAfterRun(ctx context.Context, id string, run RunBookkeeping) error
}

// MeterDirectory lists the meters a config bills. Each meter carries its
// category's current active rate plan.
type MeterDirectory interface {
	ListEligibleMeters(ctx context.Context, statuses, categoryIDs []string) ([]Meter, error)
}

// InvoiceStore persists invoices.
type InvoiceStore interface {
	FindLastInvoice(ctx context.Context, meterID string) (*Invoice, error)
	FindHighestInvoiceNumber(ctx context.Context, prefix string) (string, error)
	// CreateInvoice assigns the next invoice number, inserts the invoice and marks
	// readingIDs as invoiced by it, all or nothing.
	CreateInvoice(ctx context.Context, draft InvoiceDraft, readingIDs []string) (*Invoice, error)
}

// ReadingStore reads unbilled consumption.
type ReadingStore interface {
	FindEarliestUnbilled(ctx context.Context, meterID string) (*Reading, error)
	// FindUnbilledInRange returns unbilled readings with start <= readAt <= end.
	FindUnbilledInRange(ctx context.Context, meterID string, start, end time.Time) ([]Reading, error)
}

// LedgerStore persists execution ledger entries.
type LedgerStore interface {
	CreateExecution(ctx context.Context, configID string, startedAt time.Time) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, progress Progress) error
	// FinalizeExecution writes the terminal state; it fails with ErrExecutionFinalized
	// when the entry is no longer RUNNING.
	FinalizeExecution(ctx context.Context, id string, fin Finalization) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, configID string, limit int) ([]Execution, error)
}
