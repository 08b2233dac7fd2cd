package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	billing "water-billing/internal/billing/domain"
)

// Store is an in-memory billing store for dev mode and tests.
// It implements every billing persistence port; writes that must be atomic run
// inside one critical section.
type Store struct {
	mu         sync.RWMutex
	configs    map[string]billing.BillingConfig
	meters     map[string]billing.Meter
	plans      map[string]billing.RatePlan
	readings   map[string]billing.Reading
	invoices   map[string]billing.Invoice
	executions map[string]billing.Execution
	sequences  map[string]int64
	newID      func() string
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		configs:    make(map[string]billing.BillingConfig),
		meters:     make(map[string]billing.Meter),
		plans:      make(map[string]billing.RatePlan),
		readings:   make(map[string]billing.Reading),
		invoices:   make(map[string]billing.Invoice),
		executions: make(map[string]billing.Execution),
		sequences:  make(map[string]int64),
		newID:      uuid.NewString,
	}
}

// AddConfig inserts or replaces a config.
func (s *Store) AddConfig(cfg billing.BillingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cloneConfig(cfg)
}

// AddMeter inserts or replaces a meter. Its RatePlan field is ignored; plans are
// attached from the category when meters are listed.
func (s *Store) AddMeter(m billing.Meter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.RatePlan = nil
	s.meters[m.ID] = m
}

// AddRatePlan inserts a plan. A category keeps at most one active plan.
func (s *Store) AddRatePlan(plan billing.RatePlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plan.Active {
		for _, existing := range s.plans {
			if existing.ID != plan.ID && existing.Active && existing.RateCategoryID == plan.RateCategoryID {
				return fmt.Errorf("%w: %s", billing.ErrDuplicateActivePlan, plan.RateCategoryID)
			}
		}
	}
	s.plans[plan.ID] = plan
	return nil
}

// AddReading inserts or replaces a reading.
func (s *Store) AddReading(r billing.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings[r.ID] = r
}

// AddInvoice inserts a previously issued invoice.
func (s *Store) AddInvoice(inv billing.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
}

// GetConfig returns a config or nil when it does not exist.
func (s *Store) GetConfig(_ context.Context, id string) (*billing.BillingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, nil
	}
	out := cloneConfig(cfg)
	return &out, nil
}

// ListDueConfigs returns active configs whose next run is at or before now.
func (s *Store) ListDueConfigs(_ context.Context, now time.Time) ([]billing.BillingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []billing.BillingConfig
	for _, cfg := range s.configs {
		if cfg.Due(now) {
			due = append(due, cloneConfig(cfg))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(*due[j].NextRunAt) {
			return due[i].NextRunAt.Before(*due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

// UpdateConfigAfterRun writes run bookkeeping.
func (s *Store) UpdateConfigAfterRun(_ context.Context, id string, run billing.RunBookkeeping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return fmt.Errorf("%w: %s", billing.ErrConfigNotFound, id)
	}
	lastRun := run.LastRunAt
	nextRun := run.NextRunAt
	cfg.LastRunAt = &lastRun
	cfg.LastRunStatus = run.LastRunStatus
	cfg.NextRunAt = &nextRun
	cfg.TotalInvoicesGenerated += run.InvoicesGenerated
	s.configs[id] = cfg
	return nil
}

// ListEligibleMeters returns meters matching the filters with their category's active plan.
func (s *Store) ListEligibleMeters(_ context.Context, statuses, categoryIDs []string) ([]billing.Meter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]billing.Meter, 0, len(s.meters))
	for _, m := range s.meters {
		if len(statuses) > 0 && !lo.Contains(statuses, m.Status) {
			continue
		}
		if len(categoryIDs) > 0 && !lo.Contains(categoryIDs, m.RateCategoryID) {
			continue
		}
		m.RatePlan = s.activePlanLocked(m.RateCategoryID)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) activePlanLocked(categoryID string) *billing.RatePlan {
	for _, plan := range s.plans {
		if plan.Active && plan.RateCategoryID == categoryID {
			p := plan
			return &p
		}
	}
	return nil
}

// FindLastInvoice returns the invoice with the latest period end for a meter.
func (s *Store) FindLastInvoice(_ context.Context, meterID string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *billing.Invoice
	for _, inv := range s.invoices {
		if inv.MeterID != meterID {
			continue
		}
		if last == nil || inv.PeriodEnd.After(last.PeriodEnd) {
			v := inv
			last = &v
		}
	}
	return last, nil
}

// FindHighestInvoiceNumber returns the number with the largest numeric suffix for prefix.
func (s *Store) FindHighestInvoiceNumber(_ context.Context, prefix string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highestNumberLocked(prefix), nil
}

func (s *Store) highestNumberLocked(prefix string) string {
	var (
		best    string
		bestSeq int64 = -1
	)
	for _, inv := range s.invoices {
		seq, ok := billing.ParseInvoiceSequence(prefix, inv.Number)
		if ok && seq > bestSeq {
			best, bestSeq = inv.Number, seq
		}
	}
	return best
}

// CreateInvoice numbers and stores the invoice and marks its readings invoiced.
func (s *Store) CreateInvoice(_ context.Context, draft billing.InvoiceDraft, readingIDs []string) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range readingIDs {
		r, ok := s.readings[id]
		if !ok || r.Invoiced {
			return nil, fmt.Errorf("%w: %s", billing.ErrReadingAlreadyInvoiced, id)
		}
	}

	prefix := draft.NumberPrefix
	if prefix == "" {
		prefix = billing.DefaultInvoicePrefix
	}
	seq, ok := s.sequences[prefix]
	if !ok {
		seq = billing.NextInvoiceSequence(prefix, s.highestNumberLocked(prefix)) - 1
	}
	seq++
	s.sequences[prefix] = seq

	inv := draft.Build(s.newID(), billing.FormatInvoiceNumber(prefix, seq))
	s.invoices[inv.ID] = inv
	for _, id := range readingIDs {
		r := s.readings[id]
		r.Invoiced = true
		r.InvoiceID = inv.ID
		s.readings[id] = r
	}
	return &inv, nil
}

// Invoices returns every stored invoice ordered by number.
func (s *Store) Invoices() []billing.Invoice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := lo.Values(s.invoices)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Reading returns a stored reading.
func (s *Store) Reading(id string) (billing.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[id]
	return r, ok
}

// FindEarliestUnbilled returns the oldest unbilled reading of a meter, or nil.
func (s *Store) FindEarliestUnbilled(_ context.Context, meterID string) (*billing.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var earliest *billing.Reading
	for _, r := range s.readings {
		if r.MeterID != meterID || r.Invoiced {
			continue
		}
		if earliest == nil || r.ReadAt.Before(earliest.ReadAt) {
			v := r
			earliest = &v
		}
	}
	return earliest, nil
}

// FindUnbilledInRange returns unbilled readings with start <= readAt <= end, oldest first.
func (s *Store) FindUnbilledInRange(_ context.Context, meterID string, start, end time.Time) ([]billing.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.Reading
	for _, r := range s.readings {
		if r.MeterID != meterID || r.Invoiced {
			continue
		}
		if r.ReadAt.Before(start) || r.ReadAt.After(end) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReadAt.Before(out[j].ReadAt) })
	return out, nil
}

// CreateExecution opens a RUNNING ledger entry.
func (s *Store) CreateExecution(_ context.Context, configID string, startedAt time.Time) (*billing.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec := billing.Execution{
		ID:        s.newID(),
		ConfigID:  configID,
		Status:    billing.ExecutionRunning,
		StartedAt: startedAt,
	}
	s.executions[exec.ID] = exec
	out := exec
	return &out, nil
}

// UpdateExecution writes running counts.
func (s *Store) UpdateExecution(_ context.Context, id string, progress billing.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, err := s.runningLocked(id)
	if err != nil {
		return err
	}
	exec.Progress = progress
	s.executions[id] = exec
	return nil
}

// FinalizeExecution writes the terminal state once.
func (s *Store) FinalizeExecution(_ context.Context, id string, fin billing.Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, err := s.runningLocked(id)
	if err != nil {
		return err
	}
	completed := fin.CompletedAt
	summary := fin.Summary
	exec.Status = fin.Status
	exec.Progress = fin.Progress
	exec.Errors = append([]billing.MeterError(nil), fin.Errors...)
	exec.Summary = &summary
	exec.CompletedAt = &completed
	s.executions[id] = exec
	return nil
}

func (s *Store) runningLocked(id string) (billing.Execution, error) {
	exec, ok := s.executions[id]
	if !ok {
		return billing.Execution{}, fmt.Errorf("%w: %s", billing.ErrExecutionNotFound, id)
	}
	if exec.Status != billing.ExecutionRunning {
		return billing.Execution{}, fmt.Errorf("%w: %s", billing.ErrExecutionFinalized, id)
	}
	return exec, nil
}

// GetExecution returns a ledger entry or nil when it does not exist.
func (s *Store) GetExecution(_ context.Context, id string) (*billing.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	return &exec, nil
}

// ListExecutions returns the newest ledger entries of a config.
func (s *Store) ListExecutions(_ context.Context, configID string, limit int) ([]billing.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := lo.Filter(lo.Values(s.executions), func(e billing.Execution, _ int) bool {
		return e.ConfigID == configID
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneConfig(cfg billing.BillingConfig) billing.BillingConfig {
	cfg.MeterStatuses = append([]string(nil), cfg.MeterStatuses...)
	cfg.RateCategoryIDs = append([]string(nil), cfg.RateCategoryIDs...)
	cfg.NotificationRecipients = append([]string(nil), cfg.NotificationRecipients...)
	if cfg.LastRunAt != nil {
		t := *cfg.LastRunAt
		cfg.LastRunAt = &t
	}
	if cfg.NextRunAt != nil {
		t := *cfg.NextRunAt
		cfg.NextRunAt = &t
	}
	return cfg
}
