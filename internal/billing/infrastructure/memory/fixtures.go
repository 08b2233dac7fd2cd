package memory

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	billing "water-billing/internal/billing/domain"
)

// Fixtures is the YAML seed format of the dev store. Amounts are strings to keep
// decimal precision.
type Fixtures struct {
	Configs   []ConfigFixture   `yaml:"configs"`
	RatePlans []RatePlanFixture `yaml:"rate_plans"`
	Meters    []MeterFixture    `yaml:"meters"`
	Readings  []ReadingFixture  `yaml:"readings"`
	Invoices  []InvoiceFixture  `yaml:"invoices"`
}

type ConfigFixture struct {
	ID                     string     `yaml:"id"`
	Name                   string     `yaml:"name"`
	Active                 bool       `yaml:"active"`
	Cycle                  string     `yaml:"cycle"`
	DayOfMonth             int        `yaml:"day_of_month"`
	Hour                   int        `yaml:"hour"`
	Minute                 int        `yaml:"minute"`
	Timezone               string     `yaml:"timezone"`
	IncludeWeekends        bool       `yaml:"include_weekends"`
	RetryEnabled           bool       `yaml:"retry_enabled"`
	MaxRetryAttempts       int        `yaml:"max_retry_attempts"`
	MeterStatuses          []string   `yaml:"meter_statuses"`
	RateCategoryIDs        []string   `yaml:"rate_category_ids"`
	NotifyOnSuccess        bool       `yaml:"notify_on_success"`
	NotifyOnFailure        bool       `yaml:"notify_on_failure"`
	NotificationRecipients []string   `yaml:"notification_recipients"`
	NextRunAt              *time.Time `yaml:"next_run_at"`
}

type RatePlanFixture struct {
	ID             string `yaml:"id"`
	RateCategoryID string `yaml:"rate_category_id"`
	WaterRate      string `yaml:"water_rate"`
	SewerageRate   string `yaml:"sewerage_rate"`
	FixedCharge    string `yaml:"fixed_charge"`
	Active         bool   `yaml:"active"`
}

type MeterFixture struct {
	ID             string `yaml:"id"`
	CustomerID     string `yaml:"customer_id"`
	RateCategoryID string `yaml:"rate_category_id"`
	Status         string `yaml:"status"`
	Serial         string `yaml:"serial"`
}

type ReadingFixture struct {
	ID                string    `yaml:"id"`
	MeterID           string    `yaml:"meter_id"`
	ReadAt            time.Time `yaml:"read_at"`
	CumulativeLiters  string    `yaml:"cumulative_liters"`
	ConsumptionLiters *string   `yaml:"consumption_liters"`
}

type InvoiceFixture struct {
	ID          string    `yaml:"id"`
	Number      string    `yaml:"number"`
	CustomerID  string    `yaml:"customer_id"`
	MeterID     string    `yaml:"meter_id"`
	PeriodStart time.Time `yaml:"period_start"`
	PeriodEnd   time.Time `yaml:"period_end"`
	Total       string    `yaml:"total"`
}

// LoadFixturesFile reads a YAML fixture file into the store.
func (s *Store) LoadFixturesFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("fixtures: %w", err)
	}
	return s.LoadFixtures(raw)
}

// LoadFixtures decodes YAML fixtures into the store.
func (s *Store) LoadFixtures(raw []byte) error {
	var f Fixtures
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("fixtures: decode: %w", err)
	}

	for _, c := range f.Configs {
		cfg := billing.BillingConfig{
			ID:                     c.ID,
			Name:                   c.Name,
			Active:                 c.Active,
			Cycle:                  billing.Cycle(c.Cycle),
			DayOfMonth:             c.DayOfMonth,
			Hour:                   c.Hour,
			Minute:                 c.Minute,
			Timezone:               c.Timezone,
			IncludeWeekends:        c.IncludeWeekends,
			RetryEnabled:           c.RetryEnabled,
			MaxRetryAttempts:       c.MaxRetryAttempts,
			MeterStatuses:          c.MeterStatuses,
			RateCategoryIDs:        c.RateCategoryIDs,
			NotifyOnSuccess:        c.NotifyOnSuccess,
			NotifyOnFailure:        c.NotifyOnFailure,
			NotificationRecipients: c.NotificationRecipients,
			NextRunAt:              c.NextRunAt,
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("fixtures: %w", err)
		}
		s.AddConfig(cfg)
	}

	for _, p := range f.RatePlans {
		water, err := parseAmount("water_rate", p.WaterRate)
		if err != nil {
			return err
		}
		sewerage, err := parseAmount("sewerage_rate", p.SewerageRate)
		if err != nil {
			return err
		}
		fixed, err := parseAmount("fixed_charge", p.FixedCharge)
		if err != nil {
			return err
		}
		if err := s.AddRatePlan(billing.RatePlan{
			ID:             p.ID,
			RateCategoryID: p.RateCategoryID,
			WaterRate:      water,
			SewerageRate:   sewerage,
			FixedCharge:    fixed,
			Active:         p.Active,
		}); err != nil {
			return fmt.Errorf("fixtures: %w", err)
		}
	}

	for _, m := range f.Meters {
		s.AddMeter(billing.Meter{
			ID:             m.ID,
			CustomerID:     m.CustomerID,
			RateCategoryID: m.RateCategoryID,
			Status:         m.Status,
			Serial:         m.Serial,
		})
	}

	for _, r := range f.Readings {
		cumulative, err := parseAmount("cumulative_liters", r.CumulativeLiters)
		if err != nil {
			return err
		}
		var delta decimal.NullDecimal
		if r.ConsumptionLiters != nil {
			d, err := parseAmount("consumption_liters", *r.ConsumptionLiters)
			if err != nil {
				return err
			}
			delta = decimal.NewNullDecimal(d)
		}
		s.AddReading(billing.Reading{
			ID:                r.ID,
			MeterID:           r.MeterID,
			ReadAt:            r.ReadAt,
			CumulativeLiters:  cumulative,
			ConsumptionLiters: delta,
		})
	}

	for _, inv := range f.Invoices {
		total, err := parseAmount("total", inv.Total)
		if err != nil {
			return err
		}
		s.AddInvoice(billing.Invoice{
			ID:          inv.ID,
			Number:      inv.Number,
			CustomerID:  inv.CustomerID,
			MeterID:     inv.MeterID,
			PeriodStart: inv.PeriodStart,
			PeriodEnd:   inv.PeriodEnd,
			Total:       total,
			AmountDue:   total,
		})
	}
	return nil
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fixtures: %s %q: %w", field, raw, err)
	}
	return d, nil
}
