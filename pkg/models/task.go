package models

import (
	"time"

	"github.com/google/uuid"
)

// Task states. A task moves pending -> claimed -> {succeeded | failed},
// or claimed -> pending again on a retryable failure or an expired lease.
const (
	TaskStatePending   = "pending"
	TaskStateClaimed   = "claimed"
	TaskStateSucceeded = "succeeded"
	TaskStateFailed    = "failed"
)

// ImageTask is the per-image unit of work within an AnalysisJob. The task
// references an image in the external image store; the image itself is not
// owned by the task and survives job deletion.
type ImageTask struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	JobID          uuid.UUID  `db:"job_id"           json:"job_id"`
	ImageID        uuid.UUID  `db:"image_id"         json:"image_id"`
	State          string     `db:"state"            json:"state"`
	AttemptCount   int        `db:"attempt_count"    json:"attempt_count"`
	LastError      *string    `db:"last_error"       json:"last_error,omitempty"`
	ClaimedAt      *time.Time `db:"claimed_at"       json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"-"`
	NotBefore      *time.Time `db:"not_before"       json:"-"`
	CompletedAt    *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	ResultRef      *string    `db:"result_ref"       json:"result_ref,omitempty"`
	RiskLevel      *string    `db:"risk_level"       json:"risk_level,omitempty"`
	RiskScore      *float64   `db:"risk_score"       json:"risk_score,omitempty"`
	Confidence     *float64   `db:"confidence"       json:"confidence,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`

	// ImageType is copied from the owning job when the task is claimed.
	// Not a column on image_tasks.
	ImageType string `db:"-" json:"-"`
}

// ImageResult is one entry of the results endpoint: a succeeded task with its
// analyzer output. Failed or in-flight images are omitted, never errored on.
type ImageResult struct {
	ImageID     uuid.UUID `json:"image_id"`
	ResultRef   string    `json:"result_ref"`
	RiskLevel   string    `json:"risk_level"`
	RiskScore   float64   `json:"risk_score"`
	Confidence  float64   `json:"confidence"`
	CompletedAt time.Time `json:"completed_at"`
}
