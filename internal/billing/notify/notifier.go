package notify

import (
	"context"
	"time"

	billing "water-billing/internal/billing/domain"
)

// RunMessage is the notification payload sent after a billing run.
type RunMessage struct {
	ConfigID    string               `json:"config_id"`
	ConfigName  string               `json:"config_name,omitempty"`
	ExecutionID string               `json:"execution_id"`
	Status      string               `json:"status"`
	Total       int                  `json:"total"`
	Success     int                  `json:"success"`
	Failed      int                  `json:"failed"`
	Invoices    int                  `json:"invoices"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
	Recipients  []string             `json:"recipients"`
	Errors      []billing.MeterError `json:"errors,omitempty"`
}

// Notifier sends run notifications.
type Notifier interface {
	Notify(ctx context.Context, msg RunMessage) error
}
