package models

import (
	"time"

	"github.com/google/uuid"
)

// JobCompleted is published when the last task of a job reaches a terminal
// state. Delivery is at-least-once; consumers must deduplicate by JobID.
type JobCompleted struct {
	JobID       uuid.UUID `json:"job_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	BatchID     *string   `json:"batch_id,omitempty"`
	Outcome     string    `json:"outcome"` // completed, completed_with_errors, failed
	Total       int       `json:"total"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	CompletedAt time.Time `json:"completed_at"`
}

// CompletionEvent builds the event for a job that just became terminal.
func (j *AnalysisJob) CompletionEvent() JobCompleted {
	completedAt := time.Now().UTC()
	if j.CompletedAt != nil {
		completedAt = *j.CompletedAt
	}
	return JobCompleted{
		JobID:       j.ID,
		TenantID:    j.TenantID,
		BatchID:     j.BatchID,
		Outcome:     j.State(),
		Total:       j.TotalTasks,
		Succeeded:   j.SucceededTasks,
		Failed:      j.FailedTasks,
		CompletedAt: completedAt,
	}
}
