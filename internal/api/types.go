package api

import (
	"time"

	"github.com/roach88/reach/internal/ir"
)

// RunSummary is the list view of a run. The full run, including its
// context and pointers, is served by GET /v1/runs/:id.
type RunSummary struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id,omitempty"`
	Pack          ir.PackRef   `json:"pack"`
	Status        ir.RunStatus `json:"status"`
	Fingerprint   string       `json:"fingerprint,omitempty"`
	FailureCode   string       `json:"failure_code,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	Events        int64        `json:"events"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func summarize(r ir.Run) RunSummary {
	return RunSummary{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Pack:          ir.PackRef{Name: r.PackName, Version: r.PackVersion, Hash: r.PackHash},
		Status:        r.Status,
		Fingerprint:   r.Fingerprint,
		FailureCode:   r.FailureCode,
		FailureReason: r.FailureReason,
		Events:        r.LastSeq,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
