package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	billing "water-billing/internal/billing/domain"
)

const invoiceColumns = `id, number, customer_id, meter_id, rate_plan_id, execution_id, period_start, period_end,
	consumption_m3, water_charge, sewerage_charge, fixed_charge, additional_charges, discounts, taxes,
	total, amount_due, due_date, issued_at, notes`

const maxNumberConflicts = 3

// InvoiceRepository persists invoices and assigns their numbers.
type InvoiceRepository struct {
	db           *sql.DB
	newID        func() string
	retryBackoff func() backoff.BackOff
}

// NewInvoiceRepository constructs a repository.
func NewInvoiceRepository(db *sql.DB) *InvoiceRepository {
	return &InvoiceRepository{
		db:    db,
		newID: uuid.NewString,
		retryBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			return backoff.WithMaxRetries(b, maxNumberConflicts)
		},
	}
}

// FindLastInvoice returns the invoice with the latest period end for a meter, or nil.
func (r *InvoiceRepository) FindLastInvoice(ctx context.Context, meterID string) (*billing.Invoice, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("invoice repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+invoiceColumns+`
FROM invoices
WHERE meter_id = $1
ORDER BY period_end DESC, issued_at DESC
LIMIT 1`, meterID)
	return scanInvoice(row)
}

// FindHighestInvoiceNumber returns the number with the numerically largest suffix for prefix.
func (r *InvoiceRepository) FindHighestInvoiceNumber(ctx context.Context, prefix string) (string, error) {
	if r == nil || r.db == nil {
		return "", errors.New("invoice repo: nil db")
	}
	return highestNumber(ctx, r.db, prefix)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func highestNumber(ctx context.Context, q queryer, prefix string) (string, error) {
	if prefix == "" {
		prefix = billing.DefaultInvoicePrefix
	}
	var number string
	err := q.QueryRowContext(ctx, `
SELECT number
FROM invoices
WHERE number ~ $1
ORDER BY length(number) DESC, number DESC
LIMIT 1`, numberPattern(prefix)).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func numberPattern(prefix string) string {
	return "^" + regexp.QuoteMeta(prefix) + "-[0-9]+$"
}

// CreateInvoice assigns the next number, inserts the invoice and marks its readings
// invoiced in one transaction. Number conflicts are retried.
func (r *InvoiceRepository) CreateInvoice(ctx context.Context, draft billing.InvoiceDraft, readingIDs []string) (*billing.Invoice, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("invoice repo: nil db")
	}
	if draft.NumberPrefix == "" {
		draft.NumberPrefix = billing.DefaultInvoicePrefix
	}
	policy := backoff.WithContext(r.retryBackoff(), ctx)
	return backoff.RetryWithData(func() (*billing.Invoice, error) {
		inv, err := r.createInvoiceTx(ctx, draft, readingIDs)
		if err != nil && !isUniqueViolation(err) {
			return nil, backoff.Permanent(err)
		}
		return inv, err
	}, policy)
}

func (r *InvoiceRepository) createInvoiceTx(ctx context.Context, draft billing.InvoiceDraft, readingIDs []string) (*billing.Invoice, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	highest, err := highestNumber(ctx, tx, draft.NumberPrefix)
	if err != nil {
		return nil, fmt.Errorf("highest invoice number: %w", err)
	}
	floor := billing.NextInvoiceSequence(draft.NumberPrefix, highest)
	var seq int64
	if err := tx.QueryRowContext(ctx, `
INSERT INTO invoice_sequences (prefix, last_value)
VALUES ($1, $2)
ON CONFLICT (prefix) DO UPDATE
SET last_value = GREATEST(invoice_sequences.last_value + 1, EXCLUDED.last_value)
RETURNING last_value`, draft.NumberPrefix, floor).Scan(&seq); err != nil {
		return nil, fmt.Errorf("advance invoice sequence: %w", err)
	}

	inv := draft.Build(r.newID(), billing.FormatInvoiceNumber(draft.NumberPrefix, seq))
	if _, err := tx.ExecContext(ctx, `
INSERT INTO invoices (`+invoiceColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		inv.ID, inv.Number, inv.CustomerID, inv.MeterID, inv.RatePlanID, inv.ExecutionID,
		inv.PeriodStart.UTC(), inv.PeriodEnd.UTC(),
		inv.ConsumptionM3, inv.WaterCharge, inv.SewerageCharge, inv.FixedCharge, inv.Additional, inv.Discounts, inv.Taxes,
		inv.Total, inv.AmountDue, inv.DueDate.UTC(), inv.IssuedAt.UTC(), inv.Notes,
	); err != nil {
		return nil, fmt.Errorf("insert invoice: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE readings
SET invoiced = TRUE, invoice_id = $1
WHERE id = ANY($2::text[]) AND NOT invoiced`, inv.ID, textArray(readingIDs))
	if err != nil {
		return nil, fmt.Errorf("mark readings invoiced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != int64(len(readingIDs)) {
		return nil, fmt.Errorf("%w: marked %d of %d readings", billing.ErrReadingAlreadyInvoiced, n, len(readingIDs))
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanInvoice(row rowScanner) (*billing.Invoice, error) {
	var inv billing.Invoice
	err := row.Scan(
		&inv.ID,
		&inv.Number,
		&inv.CustomerID,
		&inv.MeterID,
		&inv.RatePlanID,
		&inv.ExecutionID,
		&inv.PeriodStart,
		&inv.PeriodEnd,
		&inv.ConsumptionM3,
		&inv.WaterCharge,
		&inv.SewerageCharge,
		&inv.FixedCharge,
		&inv.Additional,
		&inv.Discounts,
		&inv.Taxes,
		&inv.Total,
		&inv.AmountDue,
		&inv.DueDate,
		&inv.IssuedAt,
		&inv.Notes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	inv.PeriodStart = inv.PeriodStart.UTC()
	inv.PeriodEnd = inv.PeriodEnd.UTC()
	inv.DueDate = inv.DueDate.UTC()
	inv.IssuedAt = inv.IssuedAt.UTC()
	return &inv, nil
}
