package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	billing "water-billing/internal/billing/domain"
)

const defaultPlanCacheTTL = time.Minute

// MeterRepository lists billable meters and resolves their active rate plan.
type MeterRepository struct {
	db    *sql.DB
	plans *cache.Cache
}

// NewMeterRepository constructs a repository. Active plans are cached per
// category for planTTL; a non-positive TTL uses one minute.
func NewMeterRepository(db *sql.DB, planTTL time.Duration) *MeterRepository {
	if planTTL <= 0 {
		planTTL = defaultPlanCacheTTL
	}
	return &MeterRepository{db: db, plans: cache.New(planTTL, 2*planTTL)}
}

// ListEligibleMeters returns meters matching the status and category filters.
// Empty filters match everything.
func (r *MeterRepository) ListEligibleMeters(ctx context.Context, statuses, categoryIDs []string) ([]billing.Meter, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("meter repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, customer_id, rate_category_id, status, serial, location, installed_at
FROM meters
WHERE (cardinality($1::text[]) = 0 OR status = ANY($1::text[]))
	AND (cardinality($2::text[]) = 0 OR rate_category_id = ANY($2::text[]))
ORDER BY id`, textArray(statuses), textArray(categoryIDs))
	if err != nil {
		return nil, err
	}
	var meters []billing.Meter
	for rows.Next() {
		var m billing.Meter
		if err := rows.Scan(&m.ID, &m.CustomerID, &m.RateCategoryID, &m.Status, &m.Serial, &m.Location, &m.InstalledAt); err != nil {
			rows.Close()
			return nil, err
		}
		m.InstalledAt = m.InstalledAt.UTC()
		meters = append(meters, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range meters {
		plan, err := r.ActivePlan(ctx, meters[i].RateCategoryID)
		if err != nil {
			return nil, err
		}
		meters[i].RatePlan = plan
	}
	return meters, nil
}

// ActivePlan returns the active plan of a category, or nil when there is none.
func (r *MeterRepository) ActivePlan(ctx context.Context, categoryID string) (*billing.RatePlan, error) {
	if cached, ok := r.plans.Get(categoryID); ok {
		plan, _ := cached.(*billing.RatePlan)
		return plan, nil
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, rate_category_id, min_consumption, max_consumption, water_rate, sewerage_rate,
	fixed_charge, baseline_volume, active, valid_from, valid_to
FROM rate_plans
WHERE rate_category_id = $1 AND active
LIMIT 1`, categoryID)
	plan, err := scanRatePlan(row)
	if err != nil {
		return nil, fmt.Errorf("active plan for %s: %w", categoryID, err)
	}
	r.plans.SetDefault(categoryID, plan)
	return plan, nil
}

// InvalidatePlans drops cached plans.
func (r *MeterRepository) InvalidatePlans() {
	r.plans.Flush()
}

func scanRatePlan(row rowScanner) (*billing.RatePlan, error) {
	var (
		plan    billing.RatePlan
		validTo sql.NullTime
	)
	err := row.Scan(
		&plan.ID,
		&plan.RateCategoryID,
		&plan.MinConsumption,
		&plan.MaxConsumption,
		&plan.WaterRate,
		&plan.SewerageRate,
		&plan.FixedCharge,
		&plan.BaselineVolume,
		&plan.Active,
		&plan.ValidFrom,
		&validTo,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	plan.ValidFrom = plan.ValidFrom.UTC()
	plan.ValidTo = nullTimePtr(validTo)
	return &plan, nil
}
