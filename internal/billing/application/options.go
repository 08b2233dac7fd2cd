package application

import (
	"context"
	"time"

	billing "water-billing/internal/billing/domain"
)

const (
	DefaultWorkers              = 1
	DefaultRunTimeout           = 30 * time.Minute
	DefaultAggregationTolerance = 5 * time.Hour
	DefaultDueDays              = 15
	DefaultRetryInterval        = 500 * time.Millisecond
	defaultLockSlack            = 5 * time.Minute
)

// Options tunes a billing Engine. Zero values take the defaults above.
type Options struct {
	Workers    int
	RunTimeout time.Duration
	// AggregationTolerance widens the upper bound of the reading window to absorb
	// skew between stored timestamps and the config timezone.
	AggregationTolerance time.Duration
	InvoicePrefix        string
	DueDays              int
	// LockTTL bounds the run lease; it defaults to RunTimeout plus five minutes.
	LockTTL              time.Duration
	RetryInitialInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = DefaultRunTimeout
	}
	if o.AggregationTolerance < 0 {
		o.AggregationTolerance = 0
	} else if o.AggregationTolerance == 0 {
		o.AggregationTolerance = DefaultAggregationTolerance
	}
	if o.InvoicePrefix == "" {
		o.InvoicePrefix = billing.DefaultInvoicePrefix
	}
	if o.DueDays <= 0 {
		o.DueDays = DefaultDueDays
	}
	if o.LockTTL <= 0 {
		o.LockTTL = o.RunTimeout + defaultLockSlack
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = DefaultRetryInterval
	}
	return o
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// RunLocker grants the per-config run lease. Acquire fails with an error wrapping
// billing.ErrRunInProgress when another holder owns key.
type RunLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Stores groups the persistence ports used by the engine.
type Stores struct {
	Configs  billing.ConfigStore
	Ledger   billing.LedgerStore
	Meters   billing.MeterDirectory
	Invoices billing.InvoiceStore
	Readings billing.ReadingStore
}
