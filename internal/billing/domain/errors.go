package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound is returned when the billing config does not exist.
	ErrConfigNotFound = errors.New("billing: config not found")
	// ErrConfigInactive is returned when the billing config is disabled.
	ErrConfigInactive = errors.New("billing: config inactive")
	// ErrInvalidConfig is returned when a billing config fails validation.
	ErrInvalidConfig = errors.New("billing: invalid config")
	// ErrRunInProgress is returned when another run of the same config holds the run lease.
	ErrRunInProgress = errors.New("billing: run already in progress")

	// ErrNoActiveTariff is returned when the meter's category has no active rate plan.
	ErrNoActiveTariff = errors.New("billing: no active tariff")
	// ErrNoConsumptionInPeriod is returned when no unbilled reading falls in the period.
	ErrNoConsumptionInPeriod = errors.New("billing: no consumption in period")
	// ErrZeroConsumption is returned when the unbilled readings sum to zero.
	ErrZeroConsumption = errors.New("billing: zero consumption")
	// ErrInvalidPeriod is returned when a resolved period ends before it starts.
	ErrInvalidPeriod = errors.New("billing: invalid period")

	// ErrExecutionNotFound is returned when a ledger entry does not exist.
	ErrExecutionNotFound = errors.New("billing: execution not found")
	// ErrExecutionFinalized is returned when a terminal ledger entry is written again.
	ErrExecutionFinalized = errors.New("billing: execution already finalized")
	// ErrReadingAlreadyInvoiced is returned when an invoice would consume a billed reading.
	ErrReadingAlreadyInvoiced = errors.New("billing: reading already invoiced")
	// ErrDuplicateActivePlan is returned when a category would get a second active rate plan.
	ErrDuplicateActivePlan = errors.New("billing: category already has an active rate plan")
)

// Error kinds recorded in the execution ledger.
const (
	KindNoActiveTariff        = "NO_ACTIVE_TARIFF"
	KindNoConsumptionInPeriod = "NO_CONSUMPTION_IN_PERIOD"
	KindZeroConsumption       = "ZERO_CONSUMPTION"
	KindInvalidPeriod         = "INVALID_PERIOD"
	KindRunFatal              = "RUN_FATAL"
)

// MeterErrorKind maps a per-meter business failure to its ledger kind.
// The second result is false for errors that are not per-meter failures.
func MeterErrorKind(err error) (string, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ErrNoActiveTariff):
		return KindNoActiveTariff, true
	case errors.Is(err, ErrNoConsumptionInPeriod):
		return KindNoConsumptionInPeriod, true
	case errors.Is(err, ErrZeroConsumption):
		return KindZeroConsumption, true
	case errors.Is(err, ErrInvalidPeriod):
		return KindInvalidPeriod, true
	default:
		return "", false
	}
}

// IsMeterError reports whether err is an isolated per-meter failure.
func IsMeterError(err error) bool {
	_, ok := MeterErrorKind(err)
	return ok
}

// IsConfigurationError reports whether err aborted a run before any ledger entry was written.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfigNotFound) ||
		errors.Is(err, ErrConfigInactive) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrRunInProgress)
}

// RunFatalError wraps an unexpected failure that aborted a run after its ledger entry existed.
// The ledger entry is finalized as FAILED before this error is returned.
type RunFatalError struct {
	ExecutionID string
	Err         error
}

func (e *RunFatalError) Error() string {
	return fmt.Sprintf("billing: run %s aborted: %v", e.ExecutionID, e.Err)
}

func (e *RunFatalError) Unwrap() error { return e.Err }
