package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	billing "water-billing/internal/billing/domain"
	"water-billing/internal/billing/infrastructure/lock"
	"water-billing/internal/billing/infrastructure/memory"
	"water-billing/internal/billing/notify"
)

// Monday after the February billing period closes.
var runNow = time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)

var (
	febStart = time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	febEnd   = time.Date(2024, time.February, 29, 23, 59, 59, 999_000_000, time.UTC)
	janEnd   = time.Date(2024, time.January, 31, 23, 59, 59, 999_000_000, time.UTC)
)

var errTransient = errors.New("connection reset by peer")

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func monthlyConfig() billing.BillingConfig {
	return billing.BillingConfig{
		ID:            "cfg-1",
		Name:          "Residential monthly",
		Active:        true,
		Cycle:         billing.CycleMonthly,
		DayOfMonth:    1,
		Hour:          2,
		Minute:        30,
		Timezone:      "UTC",
		MeterStatuses: []string{"ACTIVE"},
	}
}

func seedStore(t *testing.T, cfg billing.BillingConfig) *memory.Store {
	t.Helper()
	s := memory.NewStore()
	s.AddConfig(cfg)
	require.NoError(t, s.AddRatePlan(billing.RatePlan{
		ID:             "plan-res",
		RateCategoryID: "RES",
		WaterRate:      dec("1.50"),
		SewerageRate:   dec("0.45"),
		FixedCharge:    dec("8.50"),
		Active:         true,
	}))
	return s
}

func addMeter(s *memory.Store, id, category string) {
	s.AddMeter(billing.Meter{ID: id, CustomerID: "cust-" + id, RateCategoryID: category, Status: "ACTIVE"})
}

func addReading(s *memory.Store, id, meterID string, at time.Time, liters string) {
	s.AddReading(billing.Reading{
		ID:                id,
		MeterID:           meterID,
		ReadAt:            at,
		ConsumptionLiters: decimal.NewNullDecimal(dec(liters)),
	})
}

func storesFor(s *memory.Store) Stores {
	return Stores{Configs: s, Ledger: s, Meters: s, Invoices: s, Readings: s}
}

func newTestEngine(t *testing.T, stores Stores, opts Options, extra ...EngineOption) *Engine {
	t.Helper()
	if opts.RetryInitialInterval == 0 {
		opts.RetryInitialInterval = time.Millisecond
	}
	options := append([]EngineOption{WithClock(fixedClock{now: runNow})}, extra...)
	e, err := NewEngine(stores, opts, zaptest.NewLogger(t), options...)
	require.NoError(t, err)
	return e
}

func onlyExecution(t *testing.T, s *memory.Store, configID string) billing.Execution {
	t.Helper()
	list, err := s.ListExecutions(context.Background(), configID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func assertCountIdentity(t *testing.T, exec billing.Execution) {
	t.Helper()
	p := exec.Progress
	assert.Equal(t, p.Processed, p.Succeeded+p.Failed)
	assert.Equal(t, p.Total, p.Processed)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.RunMessage
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.RunMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *recordingNotifier) messages() []notify.RunMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.RunMessage(nil), n.msgs...)
}

type flakyInvoices struct {
	*memory.Store
	mu       sync.Mutex
	calls    int
	failures int
	panics   bool
}

func (f *flakyInvoices) CreateInvoice(ctx context.Context, draft billing.InvoiceDraft, readingIDs []string) (*billing.Invoice, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if f.panics {
		panic("nil pointer in invoice writer")
	}
	if fail {
		return nil, errTransient
	}
	return f.Store.CreateInvoice(ctx, draft, readingIDs)
}

type meterListFunc func(ctx context.Context) ([]billing.Meter, error)

func (f meterListFunc) ListEligibleMeters(ctx context.Context, _, _ []string) ([]billing.Meter, error) {
	return f(ctx)
}

func TestExecuteBilling_FebruaryInvoiceAfterJanuary(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, monthlyConfig())
	addMeter(s, "m-1", "RES")
	s.AddInvoice(billing.Invoice{
		ID:          "inv-jan",
		Number:      "INV-000041",
		MeterID:     "m-1",
		PeriodStart: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   janEnd,
		Total:       dec("20"),
	})
	addReading(s, "r-1", "m-1", time.Date(2024, time.February, 10, 8, 0, 0, 0, time.UTC), "5000")
	addReading(s, "r-2", "m-1", time.Date(2024, time.February, 20, 8, 0, 0, 0, time.UTC), "7500")

	res, err := newTestEngine(t, storesFor(s), Options{}).ExecuteBilling(ctx, "cfg-1")
	require.NoError(t, err)

	assert.Equal(t, billing.ExecutionSuccess, res.Status)
	assert.Equal(t, ResultSummary{Total: 1, Success: 1, Failed: 0}, res.Summary)

	invoices := s.Invoices()
	require.Len(t, invoices, 2)
	inv := invoices[1]
	assert.Equal(t, "INV-000042", inv.Number)
	assert.Equal(t, res.ExecutionID, inv.ExecutionID)
	assert.Equal(t, "plan-res", inv.RatePlanID)
	assert.Equal(t, febStart, inv.PeriodStart)
	assert.Equal(t, febEnd, inv.PeriodEnd)
	assert.True(t, inv.ConsumptionM3.Equal(dec("12.5")), "m3=%s", inv.ConsumptionM3)
	assert.True(t, inv.WaterCharge.Equal(dec("18.75")))
	assert.True(t, inv.SewerageCharge.Equal(dec("5.63")))
	assert.True(t, inv.FixedCharge.Equal(dec("8.50")))
	assert.True(t, inv.Total.Equal(dec("32.9")), "total=%s", inv.Total)
	assert.True(t, inv.AmountDue.Equal(inv.Total))
	assert.Equal(t, runNow.AddDate(0, 0, DefaultDueDays), inv.DueDate)
	assert.Equal(t, "Automatic invoice for period 2024-02-01 to 2024-02-29", inv.Notes)

	for _, id := range []string{"r-1", "r-2"} {
		r, ok := s.Reading(id)
		require.True(t, ok)
		assert.True(t, r.Invoiced, id)
		assert.Equal(t, inv.ID, r.InvoiceID, id)
	}

	exec := onlyExecution(t, s, "cfg-1")
	assert.Equal(t, res.ExecutionID, exec.ID)
	assert.Equal(t, billing.ExecutionSuccess, exec.Status)
	assert.Equal(t, billing.Progress{Total: 1, Processed: 1, Succeeded: 1}, exec.Progress)
	require.NotNil(t, exec.CompletedAt)
	require.NotNil(t, exec.Summary)
	assert.Equal(t, 1, exec.Summary.Invoices)
	assert.True(t, exec.Summary.BilledAmount.Equal(dec("32.9")))

	cfg, err := s.GetConfig(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ExecutionSuccess, cfg.LastRunStatus)
	assert.Equal(t, runNow, *cfg.LastRunAt)
	assert.Equal(t, time.Date(2024, time.April, 1, 2, 30, 0, 0, time.UTC), *cfg.NextRunAt)
	assert.Equal(t, 1, cfg.TotalInvoicesGenerated)
}

func TestExecuteBilling_MeterWithoutReadingsRecordsNoConsumption(t *testing.T) {
	s := seedStore(t, monthlyConfig())
	addMeter(s, "m-1", "RES")

	res, err := newTestEngine(t, storesFor(s), Options{}).ExecuteBilling(context.Background(), "cfg-1")
	require.NoError(t, err)

	assert.Equal(t, billing.ExecutionFailed, res.Status)
	assert.Equal(t, ResultSummary{Total: 1, Success: 0, Failed: 1}, res.Summary)
	assert.Empty(t, s.Invoices())

	exec := onlyExecution(t, s, "cfg-1")
	require.Len(t, exec.Errors, 1)
	assert.Equal(t, "m-1", exec.Errors[0].MeterID)
	assert.Equal(t, billing.KindNoConsumptionInPeriod, exec.Errors[0].Kind)
	assert.Equal(t, runNow, exec.Errors[0].OccurredAt)
	assertCountIdentity(t, exec)
}

func TestExecuteBilling_PartialWhenOneMeterHasNoTariff(t *testing.T) {
	s := seedStore(t, monthlyConfig())
	addMeter(s, "m-res", "RES")
	addMeter(s, "m-com", "COM")
	addReading(s, "r-res", "m-res", time.Date(2024, time.February, 12, 0, 0, 0, 0, time.UTC), "4000")
	addReading(s, "r-com", "m-com", time.Date(2024, time.February, 12, 0, 0, 0, 0, time.UTC), "9000")

	res, err := newTestEngine(t, storesFor(s), Options{}).ExecuteBilling(context.Background(), "cfg-1")
	require.NoError(t, err)

	assert.Equal(t, billing.ExecutionPartial, res.Status)
	assert.Equal(t, ResultSummary{Total: 2, Success: 1, Failed: 1}, res.Summary)

	exec := onlyExecution(t, s, "cfg-1")
	assertCountIdentity(t, exec)
	require.Len(t, exec.Errors, 1)
	assert.Equal(t, billing.KindNoActiveTariff, exec.Errors[0].Kind)
	assert.Equal(t, "m-com", exec.Errors[0].MeterID)

	comReading, _ := s.Reading("r-com")
	assert.False(t, comReading.Invoiced)
}

func TestExecuteBilling_SecondRunCreatesNoInvoices(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, monthlyConfig())
	addMeter(s, "m-1", "RES")
	addMeter(s, "m-2", "RES")
	addReading(s, "r-1", "m-1", time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC), "1200")
	addReading(s, "r-2", "m-2", time.Date(2024, time.February, 4, 0, 0, 0, 0, time.UTC), "3400")
	engine := newTestEngine(t, storesFor(s), Options{})

	first, err := engine.ExecuteBilling(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Summary.Success)
	require.Len(t, s.Invoices(), 2)

	second, err := engine.ExecuteBilling(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Summary.Success)
	assert.Len(t, s.Invoices(), 2)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)

	cfg, err := s.GetConfig(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.TotalInvoicesGenerated)
}

func TestExecuteBilling_ZeroConsumption(t *testing.T) {
	s := seedStore(t, monthlyConfig())
	addMeter(s, "m-1", "RES")
	addReading(s, "r-1", "m-1", time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC), "0")
	s.AddReading(billing.Reading{ID: "r-null", MeterID: "m-1", ReadAt: time.Date(2024, time.February, 4, 0, 0, 0, 0, time.UTC)})

	_, err := newTestEngine(t, storesFor(s), Options{}).ExecuteBilling(context.Background(), "cfg-1")
	require.NoError(t, err)

	exec := onlyExecution(t, s, "cfg-1")
	require.Len(t, exec.Errors, 1)
	assert.Equal(t, billing.KindZeroConsumption, exec.Errors[0].Kind)
}

func TestExecuteBilling_ToleranceWidensUpperBound(t *testing.T) {
	tests := []struct {
		name       string
		tolerance  time.Duration
		wantM3     string
		lateBilled bool
	}{
		{name: "default tolerance", tolerance: 0, wantM3: "12.5", lateBilled: true},
		{name: "no tolerance", tolerance: -1, wantM3: "10", lateBilled: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seedStore(t, monthlyConfig())
			addMeter(s, "m-1", "RES")
			addReading(s, "r-feb", "m-1", time.Date(2024, time.February, 15, 0, 0, 0, 0, time.UTC), "10000")
			addReading(s, "r-late", "m-1", time.Date(2024, time.March, 1, 3, 0, 0, 0, time.UTC), "2500")

			_, err := newTestEngine(t, storesFor(s), Options{AggregationTolerance: tt.tolerance}).
				ExecuteBilling(context.Background(), "cfg-1")
			require.NoError(t, err)

			invoices := s.Invoices()
			require.Len(t, invoices, 1)
			assert.True(t, invoices[0].ConsumptionM3.Equal(dec(tt.wantM3)), "m3=%s", invoices[0].ConsumptionM3)
			late, _ := s.Reading("r-late")
			assert.Equal(t, tt.lateBilled, late.Invoiced)
		})
	}
}

func TestExecuteBilling_ZeroEligibleMetersSucceeds(t *testing.T) {
	s := seedStore(t, monthlyConfig())

	res, err := newTestEngine(t, storesFor(s), Options{}).ExecuteBilling(context.Background(), "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ExecutionSuccess, res.Status)
	assert.Equal(t, ResultSummary{}, res.Summary)
}

func TestExecuteBilling_DuplicateMetersProcessedOnce(t *testing.T) {
	s := seedStore(t, monthlyConfig())
	addMeter(s, "m-1", "RES")
	addReading(s, "r-1", "m-1", time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC), "1000")
	stores := storesFor(s)
	stores.Meters = meterListFunc(func(ctx context.Context) ([]billing.Meter, error) {
		meters, err := s.ListEligibleMeters(ctx, nil, nil)
		if err != nil {
			return nil, err
		}
		return append(meters, meters...), nil
	})

	res, err := newTestEngine(t, stores, Options{}).ExecuteBilling(context.Background(), "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSummary{Total: 1, Success: 1}, res.Summary)
	assert.Len(t, s.Invoices(), 1)
}

func TestExecuteBilling_ConcurrentWorkersAssignUniqueNumbers(t *testing.T) {
	s := seedStore(t, monthlyConfig())
	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("m-%02d", i)
		addMeter(s, id, "RES")
		addReading(s, "r-"+id, id, time.Date(2024, time.February, i, 0, 0, 0, 0, time.UTC), "1000")
	}

	res, err := newTestEngine(t, storesFor(s), Options{Workers: 4}).ExecuteBilling(context.Background(), "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, ResultSummary{Total: 10, Success: 10}, res.Summary)

	numbers := lo.Map(s.Invoices(), func(inv billing.Invoice, _ int) string { return inv.Number })
	want := lo.Times(10, func(i int) string { return billing.FormatInvoiceNumber("", int64(i+1)) })
	assert.ElementsMatch(t, want, numbers)
	assertCountIdentity(t, onlyExecution(t, s, "cfg-1"))
}

func TestExecuteBilling_ConfigurationErrorsWriteNoLedger(t *testing.T) {
	ctx := context.Background()
	inactive := monthlyConfig()
	inactive.ID = "cfg-off"
	inactive.Active = false
	invalid := monthlyConfig()
	invalid.ID = "cfg-bad"
	invalid.Cycle = "HOURLY"

	s := seedStore(t, monthlyConfig())
	s.AddConfig(inactive)
	s.AddConfig(invalid)
	engine := newTestEngine(t, storesFor(s), Options{})

	_, err := engine.ExecuteBilling(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrConfigNotFound)
	_, err = engine.ExecuteBilling(ctx, "cfg-off")
	assert.ErrorIs(t, err, billing.ErrConfigInactive)
	_, err = engine.ExecuteBilling(ctx, "cfg-bad")
	assert.ErrorIs(t, err, billing.ErrInvalidConfig)
	assert.True(t, billing.IsConfigurationError(err))

	for _, id := range []string{"missing", "cfg-off", "cfg-bad"} {
		list, err := s.ListExecutions(ctx, id, 10)
		require.NoError(t, err)
		assert.Empty(t, list, id)
	}
}

func TestExecuteBilling_RunInProgress(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, monthlyConfig())
	locker := lock.NewLocalLocker()
	release, err := locker.Acquire(ctx, "billing-run:cfg-1", time.Minute)
	require.NoError(t, err)

	engine := newTestEngine(t, storesFor(s), Options{}, WithLocker(locker))
	_, err = engine.ExecuteBilling(ctx, "cfg-1")
	assert.ErrorIs(t, err, billing.ErrRunInProgress)

	list, err := s.ListExecutions(ctx, "cfg-1", 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, release(ctx))
	_, err = engine.ExecuteBilling(ctx, "cfg-1")
	assert.NoError(t, err)
}

func TestExecuteBilling_FatalListingFailureFinalizesFailed(t *testing.T) {
	ctx := context.Background()
	cfg := monthlyConfig()
	cfg.NotifyOnFailure = true
	cfg.NotificationRecipients = []string{"ops@example.com"}
	s := seedStore(t, cfg)
	stores := storesFor(s)
	stores.Meters = meterListFunc(func(context.Context) ([]billing.Meter, error) {
		return nil, errors.New("meters table unavailable")
	})
	notifier := &recordingNotifier{}

	res, err := newTestEngine(t, stores, Options{}, WithNotifier(notifier)).ExecuteBilling(ctx, "cfg-1")
	require.Error(t, err)
	assert.Nil(t, res)

	var fatal *billing.RunFatalError
	require.ErrorAs(t, err, &fatal)

	exec := onlyExecution(t, s, "cfg-1")
	assert.Equal(t, fatal.ExecutionID, exec.ID)
	assert.Equal(t, billing.ExecutionFailed, exec.Status)
	require.Len(t, exec.Errors, 1)
	assert.Equal(t, billing.KindRunFatal, exec.Errors[0].Kind)
	assert.Contains(t, exec.Errors[0].Message, "meters table unavailable")

	stored, err := s.GetConfig(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ExecutionFailed, stored.LastRunStatus)

	msgs := notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "FAILED", msgs[0].Status)
	assert.Equal(t, exec.ID, msgs[0].ExecutionID)
}

func TestExecuteBilling_RetriesTransientFailures(t *testing.T) {
	cfg := monthlyConfig()
	cfg.RetryEnabled = true
	cfg.MaxRetryAttempts = 3
	s := seedStore(t, cfg)
	addMeter(s, "m-1", "RES")
	addReading(s, "r-1", "m-1", time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC), "1000")
	invoices := &flakyInvoices{Store: s, failures: 2}
	stores := storesFor(s)
	stores.Invoices = invoices

	res, err := newTestEngine(t, stores, Options{}).ExecuteBilling(context.Background(), "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ExecutionSuccess, res.Status)
	assert.Equal(t, 3, invoices.calls)
	assert.Len(t, s.Invoices(), 1)
}

func TestExecuteBilling_UnknownErrorAfterRetriesIsFatal(t *testing.T) {
	cfg := monthlyConfig()
	cfg.RetryEnabled = true
	cfg.MaxRetryAttempts = 3
	s := seedStore(t, cfg)
	addMeter(s, "m-1", "RES")
	addReading(s, "r-1", "m-1", time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC), "1000")
	invoices := &flakyInvoices{Store: s, failures: 100}
	stores := storesFor(s)
	stores.Invoices = invoices

	_, err := newTestEngine(t, stores, Options{}).ExecuteBilling(context.Background(), "cfg-1")

	var fatal *billing.RunFatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, invoices.calls)
	assert.Equal(t, billing.ExecutionFailed, onlyExecution(t, s, "cfg-1").Status)
}

func TestExecuteBilling_NoRetryWhenDisabled(t *testing.T) {
	s := seedStore(t, monthlyConfig())
	addMeter(s, "m-1", "RES")
	addReading(s, "r-1", "m-1", time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC), "1000")
	invoices := &flakyInvoices{Store: s, failures: 1}
	stores := storesFor(s)
	stores.Invoices = invoices

	_, err := newTestEngine(t, stores, Options{}).ExecuteBilling(context.Background(), "cfg-1")
	assert.Error(t, err)
	assert.Equal(t, 1, invoices.calls)
}

func TestExecuteBilling_PanicIsFatal(t *testing.T) {
	s := seedStore(t, monthlyConfig())
	addMeter(s, "m-1", "RES")
	addReading(s, "r-1", "m-1", time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC), "1000")
	stores := storesFor(s)
	stores.Invoices = &flakyInvoices{Store: s, panics: true}

	_, err := newTestEngine(t, stores, Options{}).ExecuteBilling(context.Background(), "cfg-1")

	var fatal *billing.RunFatalError
	require.ErrorAs(t, err, &fatal)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, billing.ExecutionFailed, onlyExecution(t, s, "cfg-1").Status)
}

func TestExecuteBilling_TimeoutIsFatal(t *testing.T) {
	s := seedStore(t, monthlyConfig())
	stores := storesFor(s)
	stores.Meters = meterListFunc(func(ctx context.Context) ([]billing.Meter, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := newTestEngine(t, stores, Options{RunTimeout: 20 * time.Millisecond}).
		ExecuteBilling(context.Background(), "cfg-1")

	var fatal *billing.RunFatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timeout")

	exec := onlyExecution(t, s, "cfg-1")
	assert.Equal(t, billing.ExecutionFailed, exec.Status)
}

func TestExecuteBilling_Notifications(t *testing.T) {
	tests := []struct {
		name       string
		onSuccess  bool
		onFailure  bool
		withTariff bool
		wantSent   int
		wantState  string
	}{
		{name: "success notifies when enabled", onSuccess: true, withTariff: true, wantSent: 1, wantState: "SUCCESS"},
		{name: "success silent when disabled", onFailure: true, withTariff: true, wantSent: 0},
		{name: "failure notifies when enabled", onFailure: true, wantSent: 1, wantState: "FAILED"},
		{name: "failure silent when disabled", onSuccess: true, wantSent: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := monthlyConfig()
			cfg.NotifyOnSuccess = tt.onSuccess
			cfg.NotifyOnFailure = tt.onFailure
			cfg.NotificationRecipients = []string{"billing@example.com"}
			s := seedStore(t, cfg)
			category := "COM"
			if tt.withTariff {
				category = "RES"
			}
			addMeter(s, "m-1", category)
			addReading(s, "r-1", "m-1", time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC), "1000")
			notifier := &recordingNotifier{}

			_, err := newTestEngine(t, storesFor(s), Options{}, WithNotifier(notifier)).
				ExecuteBilling(context.Background(), "cfg-1")
			require.NoError(t, err)

			msgs := notifier.messages()
			require.Len(t, msgs, tt.wantSent)
			if tt.wantSent > 0 {
				assert.Equal(t, tt.wantState, msgs[0].Status)
				assert.Equal(t, []string{"billing@example.com"}, msgs[0].Recipients)
			}
		})
	}
}

func TestExecuteBilling_NotifierFailureDoesNotChangeResult(t *testing.T) {
	cfg := monthlyConfig()
	cfg.NotifyOnFailure = true
	cfg.NotificationRecipients = []string{"billing@example.com"}
	s := seedStore(t, cfg)
	addMeter(s, "m-1", "RES")
	notifier := &recordingNotifier{err: errors.New("smtp down")}

	res, err := newTestEngine(t, storesFor(s), Options{}, WithNotifier(notifier)).
		ExecuteBilling(context.Background(), "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ExecutionFailed, res.Status)
	assert.Len(t, notifier.messages(), 1)
}

func TestEngine_ReadSide(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, monthlyConfig())
	engine := newTestEngine(t, storesFor(s), Options{})

	res, err := engine.ExecuteBilling(ctx, "cfg-1")
	require.NoError(t, err)

	exec, err := engine.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, billing.ExecutionSuccess, exec.Status)

	_, err = engine.GetExecution(ctx, "nope")
	assert.ErrorIs(t, err, billing.ErrExecutionNotFound)

	list, err := engine.ListExecutions(ctx, "cfg-1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = engine.ListExecutions(ctx, "missing", 0)
	assert.ErrorIs(t, err, billing.ErrConfigNotFound)

	next, err := engine.NextRun(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.April, 1, 2, 30, 0, 0, time.UTC), next)
}

type finalizeFailingLedger struct {
	*memory.Store
	mu       sync.Mutex
	calls    int
	failures int
}

func (l *finalizeFailingLedger) FinalizeExecution(ctx context.Context, id string, fin billing.Finalization) error {
	l.mu.Lock()
	l.calls++
	fail := l.calls <= l.failures
	l.mu.Unlock()
	if fail {
		return errors.New("ledger write timed out")
	}
	return l.Store.FinalizeExecution(ctx, id, fin)
}

func TestExecuteBilling_FinalizeFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, monthlyConfig())
	addMeter(s, "m-1", "RES")
	addReading(s, "r-1", "m-1", time.Date(2024, time.February, 10, 8, 0, 0, 0, time.UTC), "12500")
	stores := storesFor(s)
	ledger := &finalizeFailingLedger{Store: s, failures: 1}
	stores.Ledger = ledger

	res, err := newTestEngine(t, stores, Options{}).ExecuteBilling(ctx, "cfg-1")
	assert.Nil(t, res)
	var fatal *billing.RunFatalError
	require.ErrorAs(t, err, &fatal)
	assert.Contains(t, err.Error(), "ledger write timed out")

	exec := onlyExecution(t, s, "cfg-1")
	assert.Equal(t, fatal.ExecutionID, exec.ID)
	assert.Equal(t, billing.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	require.Len(t, exec.Errors, 1)
	assert.Equal(t, billing.KindRunFatal, exec.Errors[0].Kind)

	stored, err := s.GetConfig(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ExecutionFailed, stored.LastRunStatus)
}

func TestExecuteBilling_LedgerUnwritableNeverReportsSuccess(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, monthlyConfig())
	addMeter(s, "m-1", "RES")
	addReading(s, "r-1", "m-1", time.Date(2024, time.February, 10, 8, 0, 0, 0, time.UTC), "12500")
	stores := storesFor(s)
	stores.Ledger = &finalizeFailingLedger{Store: s, failures: 1 << 30}

	res, err := newTestEngine(t, stores, Options{}).ExecuteBilling(ctx, "cfg-1")
	assert.Nil(t, res)
	var fatal *billing.RunFatalError
	require.ErrorAs(t, err, &fatal)

	stored, err := s.GetConfig(ctx, "cfg-1")
	require.NoError(t, err)
	assert.NotEqual(t, billing.ExecutionSuccess, stored.LastRunStatus)
}

// steppingClock advances by step on every read.
type steppingClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}

func TestExecuteBilling_AllMetersShareRunStartAcrossCycleBoundary(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t, monthlyConfig())
	for _, id := range []string{"m-1", "m-2"} {
		addMeter(s, id, "RES")
		addReading(s, id+"-jan", id, time.Date(2024, time.January, 10, 8, 0, 0, 0, time.UTC), "1000")
		addReading(s, id+"-feb", id, time.Date(2024, time.February, 10, 8, 0, 0, 0, time.UTC), "1000")
	}
	start := time.Date(2024, time.February, 29, 23, 59, 59, 0, time.UTC)
	clock := &steppingClock{next: start, step: 2 * time.Second}

	res, err := newTestEngine(t, storesFor(s), Options{Workers: 1}, WithClock(clock)).ExecuteBilling(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ExecutionSuccess, res.Status)

	invoices := s.Invoices()
	require.Len(t, invoices, 2)
	for _, inv := range invoices {
		assert.True(t, janEnd.Equal(inv.PeriodEnd), "meter %s period end %s", inv.MeterID, inv.PeriodEnd)
		assert.True(t, dec("1").Equal(inv.ConsumptionM3), "meter %s consumed %s", inv.MeterID, inv.ConsumptionM3)
		assert.True(t, start.Equal(inv.IssuedAt), "meter %s issued %s", inv.MeterID, inv.IssuedAt)
		assert.True(t, start.AddDate(0, 0, 15).Equal(inv.DueDate), "meter %s due %s", inv.MeterID, inv.DueDate)
	}
}
