package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the lifecycle state of a run.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionPartial ExecutionStatus = "PARTIAL"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// Terminal reports whether s is a final state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionPartial || s == ExecutionFailed
}

const (
	// MaxRecordedErrors bounds the error list kept on a ledger entry.
	MaxRecordedErrors = 1000
	// SummaryErrorLimit is the number of errors copied into the summary snapshot.
	SummaryErrorLimit = 10
)

// MeterError is one per-meter failure recorded on the ledger.
type MeterError struct {
	MeterID    string    `json:"meter_id,omitempty"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Progress holds the running meter counts of a run.
type Progress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Summary is the snapshot stored on a finalized ledger entry.
type Summary struct {
	Total        int             `json:"total"`
	Success      int             `json:"success"`
	Failed       int             `json:"failed"`
	Invoices     int             `json:"invoices"`
	BilledM3     decimal.Decimal `json:"billed_m3"`
	BilledAmount decimal.Decimal `json:"billed_amount"`
	Errors       []MeterError    `json:"errors,omitempty"`
}

// Execution is one ledger entry.
type Execution struct {
	ID          string
	ConfigID    string
	Status      ExecutionStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Progress    Progress
	Errors      []MeterError
	Summary     *Summary
}

// Finalization is the terminal write applied to a ledger entry.
type Finalization struct {
	Status      ExecutionStatus
	Progress    Progress
	Errors      []MeterError
	Summary     Summary
	CompletedAt time.Time
}

// DecideStatus maps final counts to a terminal status.
func DecideStatus(p Progress) ExecutionStatus {
	switch {
	case p.Failed == 0:
		return ExecutionSuccess
	case p.Succeeded == 0:
		return ExecutionFailed
	default:
		return ExecutionPartial
	}
}

// NewSummary builds the summary snapshot for a run.
func NewSummary(p Progress, invoices int, billedM3, billedAmount decimal.Decimal, errs []MeterError) Summary {
	head := errs
	if len(head) > SummaryErrorLimit {
		head = head[:SummaryErrorLimit]
	}
	return Summary{
		Total:        p.Total,
		Success:      p.Succeeded,
		Failed:       p.Failed,
		Invoices:     invoices,
		BilledM3:     billedM3,
		BilledAmount: billedAmount,
		Errors:       append([]MeterError(nil), head...),
	}
}
