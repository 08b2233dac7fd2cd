package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	billing "water-billing/internal/billing/domain"
)

const configColumns = `id, name, active, cycle, day_of_month, run_hour, run_minute, timezone, include_weekends,
	retry_enabled, max_retry_attempts, meter_statuses, rate_category_ids,
	notify_on_success, notify_on_failure, notification_recipients,
	last_run_at, last_run_status, next_run_at, total_invoices_generated`

// ConfigRepository persists billing configs.
type ConfigRepository struct {
	db *sql.DB
}

// NewConfigRepository constructs a repository.
func NewConfigRepository(db *sql.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// GetConfig returns a config or nil when it does not exist.
func (r *ConfigRepository) GetConfig(ctx context.Context, id string) (*billing.BillingConfig, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("config repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+configColumns+`
FROM billing_configs
WHERE id = $1`, id)
	return scanConfig(row)
}

// ListDueConfigs returns active configs scheduled at or before now.
func (r *ConfigRepository) ListDueConfigs(ctx context.Context, now time.Time) ([]billing.BillingConfig, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("config repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+configColumns+`
FROM billing_configs
WHERE active AND next_run_at IS NOT NULL AND next_run_at <= $1
ORDER BY next_run_at, id`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.BillingConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			result = append(result, *cfg)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateConfigAfterRun writes run bookkeeping and adds to the invoice counter.
func (r *ConfigRepository) UpdateConfigAfterRun(ctx context.Context, id string, run billing.RunBookkeeping) error {
	if r == nil || r.db == nil {
		return errors.New("config repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE billing_configs
SET last_run_at = $1, last_run_status = $2, next_run_at = $3,
	total_invoices_generated = total_invoices_generated + $4, updated_at = $5
WHERE id = $6`,
		run.LastRunAt.UTC(), string(run.LastRunStatus), run.NextRunAt.UTC(), run.InvoicesGenerated, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", billing.ErrConfigNotFound, id)
	}
	return nil
}

func scanConfig(row rowScanner) (*billing.BillingConfig, error) {
	var (
		cfg                              billing.BillingConfig
		cycle, lastStatus                string
		statuses, categories, recipients []byte
		lastRunAt, nextRunAt             sql.NullTime
	)
	err := row.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.Active,
		&cycle,
		&cfg.DayOfMonth,
		&cfg.Hour,
		&cfg.Minute,
		&cfg.Timezone,
		&cfg.IncludeWeekends,
		&cfg.RetryEnabled,
		&cfg.MaxRetryAttempts,
		&statuses,
		&categories,
		&cfg.NotifyOnSuccess,
		&cfg.NotifyOnFailure,
		&recipients,
		&lastRunAt,
		&lastStatus,
		&nextRunAt,
		&cfg.TotalInvoicesGenerated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cfg.Cycle = billing.Cycle(cycle)
	cfg.LastRunStatus = billing.ExecutionStatus(lastStatus)
	cfg.LastRunAt = nullTimePtr(lastRunAt)
	cfg.NextRunAt = nullTimePtr(nextRunAt)
	if cfg.MeterStatuses, err = unmarshalStrings(statuses); err != nil {
		return nil, fmt.Errorf("config %s meter_statuses: %w", cfg.ID, err)
	}
	if cfg.RateCategoryIDs, err = unmarshalStrings(categories); err != nil {
		return nil, fmt.Errorf("config %s rate_category_ids: %w", cfg.ID, err)
	}
	if cfg.NotificationRecipients, err = unmarshalStrings(recipients); err != nil {
		return nil, fmt.Errorf("config %s notification_recipients: %w", cfg.ID, err)
	}
	return &cfg, nil
}
