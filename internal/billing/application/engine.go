package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	billing "water-billing/internal/billing/domain"
	"water-billing/internal/billing/infrastructure/lock"
	"water-billing/internal/billing/metrics"
	"water-billing/internal/billing/notify"
)

// Result is returned to callers of ExecuteBilling.
type Result struct {
	ExecutionID string                  `json:"execution_id"`
	Status      billing.ExecutionStatus `json:"status"`
	Summary     ResultSummary           `json:"summary"`
}

// ResultSummary holds the meter counts of a run.
type ResultSummary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Engine runs billing configs end to end.
type Engine struct {
	stores     Stores
	resolver   *PeriodResolver
	aggregator *Aggregator
	opts       Options
	locker     RunLocker
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	clock      Clock
	logger     *zap.Logger
}

// EngineOption configures optional collaborators.
type EngineOption func(*Engine)

// WithLocker sets the run lease provider.
func WithLocker(locker RunLocker) EngineOption {
	return func(e *Engine) {
		if locker != nil {
			e.locker = locker
		}
	}
}

// WithNotifier sets the run notifier.
func WithNotifier(notifier notify.Notifier) EngineOption {
	return func(e *Engine) { e.notifier = notifier }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(stores Stores, opts Options, logger *zap.Logger, options ...EngineOption) (*Engine, error) {
	if stores.Configs == nil {
		return nil, errors.New("billing engine: nil config store")
	}
	if stores.Ledger == nil {
		return nil, errors.New("billing engine: nil ledger store")
	}
	if stores.Meters == nil {
		return nil, errors.New("billing engine: nil meter directory")
	}
	opts = opts.withDefaults()
	resolver, err := NewPeriodResolver(stores.Invoices, stores.Readings)
	if err != nil {
		return nil, err
	}
	aggregator, err := NewAggregator(stores.Readings, opts.AggregationTolerance)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		stores:     stores,
		resolver:   resolver,
		aggregator: aggregator,
		opts:       opts,
		locker:     lock.NewLocalLocker(),
		clock:      SystemClock{},
		logger:     logger.Named("billing"),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// ExecuteBilling runs one billing config synchronously. Configuration errors
// return before any ledger entry exists. Per-meter failures are recorded on the
// ledger and never returned. Any other failure finalizes the entry as FAILED and
// is returned as *billing.RunFatalError.
func (e *Engine) ExecuteBilling(ctx context.Context, configID string) (*Result, error) {
	cfg, err := e.stores.Configs.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", billing.ErrConfigNotFound, configID)
	}
	if !cfg.Active {
		return nil, fmt.Errorf("%w: %s", billing.ErrConfigInactive, configID)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	release, err := e.locker.Acquire(ctx, "billing-run:"+cfg.ID, e.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("run lease release failed", zap.String("config_id", cfg.ID), zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer cancel()

	started := e.clock.Now()
	exec, err := e.stores.Ledger.CreateExecution(runCtx, cfg.ID, started)
	if err != nil {
		return nil, fmt.Errorf("billing: create execution for %s: %w", cfg.ID, err)
	}

	r := &run{
		engine:   e,
		cfg:      *cfg,
		exec:     exec,
		started:  started,
		progress: newProgressWriter(e.stores.Ledger, exec.ID),
		logger:   e.logger.With(zap.String("config_id", cfg.ID), zap.String("execution_id", exec.ID)),
	}
	e.metrics.RunStarted()
	r.logger.Info("billing run started")

	if err := r.processAll(runCtx); err != nil {
		return nil, r.abort(ctx, err)
	}
	return r.complete(ctx)
}

// NextRun reports when a config is due next, counted from the engine clock.
func (e *Engine) NextRun(ctx context.Context, configID string) (time.Time, error) {
	cfg, err := e.stores.Configs.GetConfig(ctx, configID)
	if err != nil {
		return time.Time{}, err
	}
	if cfg == nil {
		return time.Time{}, fmt.Errorf("%w: %s", billing.ErrConfigNotFound, configID)
	}
	return billing.NextRun(*cfg, e.clock.Now()), nil
}

// GetExecution returns one ledger entry.
func (e *Engine) GetExecution(ctx context.Context, id string) (*billing.Execution, error) {
	exec, err := e.stores.Ledger.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: %s", billing.ErrExecutionNotFound, id)
	}
	return exec, nil
}

// ListExecutions returns the most recent ledger entries of a config.
func (e *Engine) ListExecutions(ctx context.Context, configID string, limit int) ([]billing.Execution, error) {
	cfg, err := e.stores.Configs.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", billing.ErrConfigNotFound, configID)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.stores.Ledger.ListExecutions(ctx, configID, limit)
}

type run struct {
	engine   *Engine
	cfg      billing.BillingConfig
	exec     *billing.Execution
	started  time.Time
	progress *progressWriter
	logger   *zap.Logger
}

func (r *run) processAll(ctx context.Context) error {
	e := r.engine
	meters, err := e.stores.Meters.ListEligibleMeters(ctx, r.cfg.MeterStatuses, r.cfg.RateCategoryIDs)
	if err != nil {
		return fmt.Errorf("list eligible meters: %w", err)
	}
	meters = lo.UniqBy(meters, func(m billing.Meter) string { return m.ID })
	if err := r.progress.setTotal(ctx, len(meters)); err != nil {
		return fmt.Errorf("record meter total: %w", err)
	}

	p := pool.New().
		WithContext(ctx).
		WithMaxGoroutines(e.opts.Workers).
		WithCancelOnError().
		WithFirstError()
	for _, meter := range meters {
		p.Go(func(ctx context.Context) (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("meter %s: panic: %v", meter.ID, rec)
				}
			}()
			if err := ctx.Err(); err != nil {
				return err
			}
			return r.processMeter(ctx, meter)
		})
	}
	return p.Wait()
}

func (r *run) processMeter(ctx context.Context, meter billing.Meter) error {
	inv, err := r.billWithRetry(ctx, meter)
	if err == nil {
		r.logger.Debug("meter billed",
			zap.String("meter_id", meter.ID),
			zap.String("invoice_number", inv.Number),
			zap.String("total", inv.Total.String()))
		if err := r.progress.succeeded(ctx, inv); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
		return nil
	}

	kind, ok := billing.MeterErrorKind(err)
	if !ok {
		return fmt.Errorf("meter %s: %w", meter.ID, err)
	}
	r.engine.metrics.MeterFailed(kind)
	r.logger.Info("meter skipped",
		zap.String("meter_id", meter.ID),
		zap.String("kind", kind),
		zap.Error(err))
	meterErr := billing.MeterError{
		MeterID:    meter.ID,
		Kind:       kind,
		Message:    err.Error(),
		OccurredAt: r.engine.clock.Now(),
	}
	if err := r.progress.failed(ctx, meterErr); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

// billWithRetry retries transient failures when the config enables it.
// MaxRetryAttempts counts every attempt, including the first.
func (r *run) billWithRetry(ctx context.Context, meter billing.Meter) (*billing.Invoice, error) {
	if !r.cfg.RetryEnabled || r.cfg.MaxRetryAttempts <= 1 {
		return r.bill(ctx, meter)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.engine.opts.RetryInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxRetryAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryWithData(func() (*billing.Invoice, error) {
		attempt++
		inv, err := r.bill(ctx, meter)
		if err == nil {
			return inv, nil
		}
		if billing.IsMeterError(err) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		r.logger.Warn("meter attempt failed",
			zap.String("meter_id", meter.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return nil, err
	}, policy)
}

// bill resolves every meter against the run start so one run bills a single window.
func (r *run) bill(ctx context.Context, meter billing.Meter) (*billing.Invoice, error) {
	e := r.engine
	now := r.started
	period, err := e.resolver.Resolve(ctx, meter.ID, r.cfg, now)
	if err != nil {
		return nil, err
	}
	usage, err := e.aggregator.Aggregate(ctx, meter.ID, period)
	if err != nil {
		return nil, err
	}
	charges, err := billing.RateMeter(meter, usage.CubicMeters)
	if err != nil {
		return nil, err
	}
	draft := billing.InvoiceDraft{
		NumberPrefix:  e.opts.InvoicePrefix,
		CustomerID:    meter.CustomerID,
		MeterID:       meter.ID,
		RatePlanID:    meter.RatePlan.ID,
		ExecutionID:   r.exec.ID,
		Period:        period,
		ConsumptionM3: usage.CubicMeters,
		Charges:       charges,
		IssuedAt:      now,
		DueDate:       now.AddDate(0, 0, e.opts.DueDays),
		Notes:         billing.InvoiceNote(period),
	}
	return e.stores.Invoices.CreateInvoice(ctx, draft, usage.ReadingIDs)
}

func (r *run) complete(ctx context.Context) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	e := r.engine
	totals := r.progress.totals()
	status := billing.DecideStatus(totals.Progress)
	completed := e.clock.Now()
	summary := billing.NewSummary(totals.Progress, totals.Invoices, totals.BilledM3, totals.BilledAmount, totals.Errors)

	if err := e.stores.Ledger.FinalizeExecution(ctx, r.exec.ID, billing.Finalization{
		Status:      status,
		Progress:    totals.Progress,
		Errors:      totals.Errors,
		Summary:     summary,
		CompletedAt: completed,
	}); err != nil {
		return nil, r.abort(ctx, fmt.Errorf("finalize execution as %s: %w", status, err))
	}
	r.finish(ctx, status, totals, summary.Errors, completed)

	r.logger.Info("billing run finished",
		zap.String("status", string(status)),
		zap.Int("total", totals.Progress.Total),
		zap.Int("success", totals.Progress.Succeeded),
		zap.Int("failed", totals.Progress.Failed),
		zap.Int("invoices", totals.Invoices))
	return &Result{
		ExecutionID: r.exec.ID,
		Status:      status,
		Summary: ResultSummary{
			Total:   totals.Progress.Total,
			Success: totals.Progress.Succeeded,
			Failed:  totals.Progress.Failed,
		},
	}, nil
}

// abort finalizes the run as FAILED with a single generic error entry and returns
// the cause as a RunFatalError.
func (r *run) abort(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	e := r.engine
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("run exceeded timeout %s: %w", e.opts.RunTimeout, cause)
	}
	totals := r.progress.totals()
	completed := e.clock.Now()
	entry := billing.MeterError{
		Kind:       billing.KindRunFatal,
		Message:    "billing run aborted: " + cause.Error(),
		OccurredAt: completed,
	}
	errs := []billing.MeterError{entry}
	summary := billing.NewSummary(totals.Progress, totals.Invoices, totals.BilledM3, totals.BilledAmount, errs)

	if err := e.stores.Ledger.FinalizeExecution(ctx, r.exec.ID, billing.Finalization{
		Status:      billing.ExecutionFailed,
		Progress:    totals.Progress,
		Errors:      errs,
		Summary:     summary,
		CompletedAt: completed,
	}); err != nil {
		r.logger.Error("finalize aborted execution failed", zap.Error(err))
	}
	r.finish(ctx, billing.ExecutionFailed, totals, errs, completed)

	r.logger.Error("billing run aborted", zap.Error(cause))
	return &billing.RunFatalError{ExecutionID: r.exec.ID, Err: cause}
}

// finish updates config bookkeeping, metrics and notifications. None of these
// change the run result.
func (r *run) finish(ctx context.Context, status billing.ExecutionStatus, totals runTotals, errs []billing.MeterError, completed time.Time) {
	e := r.engine
	next := billing.NextRun(r.cfg, completed)
	if err := e.stores.Configs.UpdateConfigAfterRun(ctx, r.cfg.ID, billing.RunBookkeeping{
		LastRunAt:         r.started,
		LastRunStatus:     status,
		NextRunAt:         next,
		InvoicesGenerated: totals.Invoices,
	}); err != nil {
		r.logger.Error("update config after run failed", zap.Error(err))
	}

	amount, _ := totals.BilledAmount.Float64()
	e.metrics.RunFinished(string(status), completed.Sub(r.started).Seconds(), totals.Invoices, amount)

	if e.notifier == nil || !r.cfg.WantsNotification(status) {
		return
	}
	msg := notify.RunMessage{
		ConfigID:    r.cfg.ID,
		ConfigName:  r.cfg.Name,
		ExecutionID: r.exec.ID,
		Status:      string(status),
		Total:       totals.Progress.Total,
		Success:     totals.Progress.Succeeded,
		Failed:      totals.Progress.Failed,
		Invoices:    totals.Invoices,
		StartedAt:   r.started,
		CompletedAt: completed,
		Recipients:  r.cfg.NotificationRecipients,
		Errors:      errs,
	}
	if err := e.notifier.Notify(ctx, msg); err != nil {
		r.logger.Warn("run notification failed", zap.Error(err))
	}
}
