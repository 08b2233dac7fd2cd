package http

import (
	billing "water-billing/internal/billing/domain"
)

type executionView struct {
	ID          string               `json:"id"`
	ConfigID    string               `json:"config_id"`
	Status      string               `json:"status"`
	StartedAt   string               `json:"started_at"`
	CompletedAt string               `json:"completed_at,omitempty"`
	Progress    billing.Progress     `json:"progress"`
	Errors      []billing.MeterError `json:"errors"`
	Summary     *billing.Summary     `json:"summary,omitempty"`
}

func toExecutionView(exec billing.Execution) executionView {
	view := executionView{
		ID:        exec.ID,
		ConfigID:  exec.ConfigID,
		Status:    string(exec.Status),
		StartedAt: exec.StartedAt.UTC().Format(timeLayout),
		Progress:  exec.Progress,
		Errors:    exec.Errors,
		Summary:   exec.Summary,
	}
	if exec.CompletedAt != nil {
		view.CompletedAt = exec.CompletedAt.UTC().Format(timeLayout)
	}
	if view.Errors == nil {
		view.Errors = []billing.MeterError{}
	}
	return view
}
