// Package models contains shared data models used across the retina-batch codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Derived job states. A job's state is never stored; it is computed from the
// task counters and started_at. See AnalysisJob.State.
const (
	JobStateQueued              = "queued"
	JobStateRunning             = "running"
	JobStateCompleted           = "completed"
	JobStateCompletedWithErrors = "completed_with_errors"
	JobStateFailed              = "failed"
)

// Image types accepted for analysis.
const (
	ImageTypeFundus = "Fundus"
	ImageTypeOCT    = "OCT"
)

// AnalysisJob tracks one batch of retinal images submitted for analysis.
// The API returns the job on POST /api/v1/batches/{batch_id}/analysis; the
// client polls GET /api/v1/analysis/{job_id}/status until the state is terminal.
//
// SucceededTasks and FailedTasks are denormalized counters updated in the same
// transaction as every task transition, so a single job row is a consistent
// snapshot of batch progress.
type AnalysisJob struct {
	ID                 uuid.UUID  `db:"id"                  json:"id"`
	TenantID           uuid.UUID  `db:"tenant_id"           json:"tenant_id"`
	BatchID            *string    `db:"batch_id"            json:"batch_id,omitempty"`
	ImageType          string     `db:"image_type"          json:"image_type"`
	TotalTasks         int        `db:"total_tasks"         json:"total_tasks"`
	SucceededTasks     int        `db:"succeeded_tasks"     json:"succeeded_tasks"`
	FailedTasks        int        `db:"failed_tasks"        json:"failed_tasks"`
	CompletionNotified bool       `db:"completion_notified" json:"-"`
	StartedAt          *time.Time `db:"started_at"          json:"started_at,omitempty"`
	CompletedAt        *time.Time `db:"completed_at"        json:"completed_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"          json:"updated_at"`
}

// TerminalTasks returns the number of tasks that have reached a terminal state.
func (j *AnalysisJob) TerminalTasks() int {
	return j.SucceededTasks + j.FailedTasks
}

// PendingOrClaimed returns the number of tasks still in flight.
func (j *AnalysisJob) PendingOrClaimed() int {
	return j.TotalTasks - j.TerminalTasks()
}

// State derives the job state from the counters. The mapping is monotonic:
// counters only increment and StartedAt is set exactly once, so once a job
// reports a terminal state it can never report anything else.
func (j *AnalysisJob) State() string {
	switch {
	case j.TerminalTasks() >= j.TotalTasks:
		switch {
		case j.FailedTasks == 0:
			return JobStateCompleted
		case j.SucceededTasks == 0:
			return JobStateFailed
		default:
			return JobStateCompletedWithErrors
		}
	case j.StartedAt != nil:
		return JobStateRunning
	default:
		return JobStateQueued
	}
}

// IsTerminal reports whether the job has finished processing all of its tasks.
func (j *AnalysisJob) IsTerminal() bool {
	return j.TerminalTasks() >= j.TotalTasks
}

// JobStatus is the read-side snapshot served by the status endpoint.
type JobStatus struct {
	JobID            uuid.UUID  `json:"job_id"`
	BatchID          *string    `json:"batch_id,omitempty"`
	State            string     `json:"state"`
	Total            int        `json:"total"`
	Succeeded        int        `json:"succeeded"`
	Failed           int        `json:"failed"`
	PendingOrClaimed int        `json:"pending_or_claimed"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Status builds the snapshot returned to polling clients.
func (j *AnalysisJob) Status() JobStatus {
	return JobStatus{
		JobID:            j.ID,
		BatchID:          j.BatchID,
		State:            j.State(),
		Total:            j.TotalTasks,
		Succeeded:        j.SucceededTasks,
		Failed:           j.FailedTasks,
		PendingOrClaimed: j.PendingOrClaimed(),
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
	}
}
