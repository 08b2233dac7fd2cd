package billing

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Cycle is the billing cadence of a config.
type Cycle string

const (
	CycleDaily     Cycle = "DAILY"
	CycleWeekly    Cycle = "WEEKLY"
	CycleMonthly   Cycle = "MONTHLY"
	CycleQuarterly Cycle = "QUARTERLY"
	CycleYearly    Cycle = "YEARLY"
)

// Valid reports whether c is a known cycle.
func (c Cycle) Valid() bool {
	switch c {
	case CycleDaily, CycleWeekly, CycleMonthly, CycleQuarterly, CycleYearly:
		return true
	default:
		return false
	}
}

// BillingConfig is one automated billing policy.
type BillingConfig struct {
	ID              string `validate:"required"`
	Name            string
	Active          bool
	Cycle           Cycle  `validate:"required,oneof=DAILY WEEKLY MONTHLY QUARTERLY YEARLY"`
	DayOfMonth      int    `validate:"min=1,max=31"`
	Hour            int    `validate:"min=0,max=23"`
	Minute          int    `validate:"min=0,max=59"`
	Timezone        string `validate:"omitempty,timezone"`
	IncludeWeekends bool

	RetryEnabled     bool
	MaxRetryAttempts int `validate:"min=0,max=10"`

	// Eligibility filters; empty means no filtering on that attribute.
	MeterStatuses   []string
	RateCategoryIDs []string

	NotifyOnSuccess        bool
	NotifyOnFailure        bool
	NotificationRecipients []string `validate:"dive,email"`

	LastRunAt              *time.Time
	LastRunStatus          ExecutionStatus
	NextRunAt              *time.Time
	TotalInvoicesGenerated int
}

// RunBookkeeping is written back to the config after every run.
type RunBookkeeping struct {
	LastRunAt         time.Time
	LastRunStatus     ExecutionStatus
	NextRunAt         time.Time
	InvoicesGenerated int
}

var validate = validator.New()

// Validate checks the config fields.
func (c BillingConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.ID, err)
	}
	return nil
}

// Location returns the configured timezone, falling back to UTC.
func (c BillingConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Due reports whether the config is scheduled at or before now.
func (c BillingConfig) Due(now time.Time) bool {
	return c.Active && c.NextRunAt != nil && !c.NextRunAt.After(now)
}

// WantsNotification reports whether a run ending in status should notify recipients.
func (c BillingConfig) WantsNotification(status ExecutionStatus) bool {
	if len(c.NotificationRecipients) == 0 {
		return false
	}
	if status == ExecutionSuccess {
		return c.NotifyOnSuccess
	}
	return c.NotifyOnFailure
}
