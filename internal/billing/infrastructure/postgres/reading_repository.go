package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	billing "water-billing/internal/billing/domain"
)

const readingColumns = `id, meter_id, read_at, cumulative_liters, consumption_liters, invoiced, invoice_id`

// ReadingRepository reads metered consumption.
type ReadingRepository struct {
	db *sql.DB
}

// NewReadingRepository constructs a repository.
func NewReadingRepository(db *sql.DB) *ReadingRepository {
	return &ReadingRepository{db: db}
}

// FindEarliestUnbilled returns the oldest unbilled reading of a meter, or nil.
func (r *ReadingRepository) FindEarliestUnbilled(ctx context.Context, meterID string) (*billing.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+readingColumns+`
FROM readings
WHERE meter_id = $1 AND NOT invoiced
ORDER BY read_at, id
LIMIT 1`, meterID)
	return scanReading(row)
}

// FindUnbilledInRange returns unbilled readings with start <= read_at <= end.
func (r *ReadingRepository) FindUnbilledInRange(ctx context.Context, meterID string, start, end time.Time) ([]billing.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+readingColumns+`
FROM readings
WHERE meter_id = $1 AND NOT invoiced AND read_at >= $2 AND read_at <= $3
ORDER BY read_at, id`, meterID, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		if reading != nil {
			result = append(result, *reading)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanReading(row rowScanner) (*billing.Reading, error) {
	var (
		reading   billing.Reading
		invoiceID sql.NullString
	)
	err := row.Scan(
		&reading.ID,
		&reading.MeterID,
		&reading.ReadAt,
		&reading.CumulativeLiters,
		&reading.ConsumptionLiters,
		&reading.Invoiced,
		&invoiceID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	reading.ReadAt = reading.ReadAt.UTC()
	reading.InvoiceID = invoiceID.String
	return &reading, nil
}
