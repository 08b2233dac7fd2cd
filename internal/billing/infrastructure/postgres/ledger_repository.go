package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	billing "water-billing/internal/billing/domain"
)

const executionColumns = `id, config_id, status, started_at, completed_at,
	total_meters, processed_meters, succeeded_meters, failed_meters, errors, summary`

// LedgerRepository persists billing execution ledger entries.
type LedgerRepository struct {
	db    *sql.DB
	newID func() string
}

// NewLedgerRepository constructs a repository.
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db, newID: uuid.NewString}
}

// CreateExecution opens a RUNNING entry.
func (r *LedgerRepository) CreateExecution(ctx context.Context, configID string, startedAt time.Time) (*billing.Execution, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("ledger repo: nil db")
	}
	exec := &billing.Execution{
		ID:        r.newID(),
		ConfigID:  configID,
		Status:    billing.ExecutionRunning,
		StartedAt: startedAt.UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO billing_executions (id, config_id, status, started_at)
VALUES ($1,$2,$3,$4)`, exec.ID, exec.ConfigID, string(exec.Status), exec.StartedAt)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// UpdateExecution writes running counts of a RUNNING entry.
func (r *LedgerRepository) UpdateExecution(ctx context.Context, id string, progress billing.Progress) error {
	if r == nil || r.db == nil {
		return errors.New("ledger repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE billing_executions
SET total_meters = $1, processed_meters = $2, succeeded_meters = $3, failed_meters = $4
WHERE id = $5 AND status = 'RUNNING'`,
		progress.Total, progress.Processed, progress.Succeeded, progress.Failed, id)
	if err != nil {
		return err
	}
	return r.checkRunning(ctx, res, id)
}

// FinalizeExecution writes the terminal state of a RUNNING entry.
func (r *LedgerRepository) FinalizeExecution(ctx context.Context, id string, fin billing.Finalization) error {
	if r == nil || r.db == nil {
		return errors.New("ledger repo: nil db")
	}
	errs := fin.Errors
	if errs == nil {
		errs = []billing.MeterError{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return err
	}
	summaryJSON, err := json.Marshal(fin.Summary)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE billing_executions
SET status = $1, completed_at = $2, total_meters = $3, processed_meters = $4,
	succeeded_meters = $5, failed_meters = $6, errors = $7, summary = $8
WHERE id = $9 AND status = 'RUNNING'`,
		string(fin.Status), fin.CompletedAt.UTC(), fin.Progress.Total, fin.Progress.Processed,
		fin.Progress.Succeeded, fin.Progress.Failed, errorsJSON, summaryJSON, id)
	if err != nil {
		return err
	}
	return r.checkRunning(ctx, res, id)
}

func (r *LedgerRepository) checkRunning(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM billing_executions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", billing.ErrExecutionNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", billing.ErrExecutionFinalized, id, status)
}

// GetExecution returns a ledger entry, or nil when it does not exist.
func (r *LedgerRepository) GetExecution(ctx context.Context, id string) (*billing.Execution, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("ledger repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+executionColumns+`
FROM billing_executions
WHERE id = $1`, id)
	return scanExecution(row)
}

// ListExecutions returns the newest entries of a config.
func (r *LedgerRepository) ListExecutions(ctx context.Context, configID string, limit int) ([]billing.Execution, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("ledger repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+executionColumns+`
FROM billing_executions
WHERE config_id = $1
ORDER BY started_at DESC, id DESC
LIMIT $2`, configID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		if exec != nil {
			result = append(result, *exec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanExecution(row rowScanner) (*billing.Execution, error) {
	var (
		exec        billing.Execution
		status      string
		completedAt sql.NullTime
		errorsJSON  []byte
		summaryJSON []byte
	)
	err := row.Scan(
		&exec.ID,
		&exec.ConfigID,
		&status,
		&exec.StartedAt,
		&completedAt,
		&exec.Progress.Total,
		&exec.Progress.Processed,
		&exec.Progress.Succeeded,
		&exec.Progress.Failed,
		&errorsJSON,
		&summaryJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	exec.Status = billing.ExecutionStatus(status)
	exec.StartedAt = exec.StartedAt.UTC()
	exec.CompletedAt = nullTimePtr(completedAt)
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &exec.Errors); err != nil {
			return nil, fmt.Errorf("execution %s errors: %w", exec.ID, err)
		}
	}
	if len(summaryJSON) > 0 {
		var summary billing.Summary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return nil, fmt.Errorf("execution %s summary: %w", exec.ID, err)
		}
		exec.Summary = &summary
	}
	return &exec, nil
}
