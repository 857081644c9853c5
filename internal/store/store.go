package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aurahealth/retina-batch/pkg/models"
)

var (
	ErrNotFound       = errors.New("resource not found")
	ErrDuplicateKey   = errors.New("duplicate key violation")
	ErrDuplicateBatch = errors.New("active job already exists for batch")
	ErrNotClaimed     = errors.New("task is not claimed")

	// ErrUnavailable means the database could not be reached. Callers may
	// retry; the API maps it to 503 instead of 500.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	// CreateJobWithTasks inserts the job row and one pending task per image in
	// a single transaction. Returns ErrDuplicateBatch if an active (non-terminal)
	// job already exists for the same tenant and batch.
	CreateJobWithTasks(ctx context.Context, job *models.AnalysisJob, imageIDs []uuid.UUID) error
	GetActiveJobByBatchID(ctx context.Context, tenantID uuid.UUID, batchID string) (*models.AnalysisJob, error)
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.AnalysisJob, error)
	ListJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.AnalysisJob, error)
	ListJobResults(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID) ([]*models.ImageResult, error)

	// ReclaimExpiredLeases releases tasks whose claim lease has lapsed back to
	// pending. Crash recovery, not a failure: attempt_count is untouched.
	ReclaimExpiredLeases(ctx context.Context) (int, error)

	// ClaimTasks atomically moves up to batchSize pending tasks of a single job
	// to claimed with the given lease deadline. The conditional update is the
	// only coordination between workers; no two claims ever overlap.
	ClaimTasks(ctx context.Context, batchSize int, leaseUntil time.Time) ([]*models.ImageTask, error)

	// CompleteTask, FailTask, and ReleaseTask resolve a claimed task. Complete
	// and Fail are conditional on the task still being claimed (ErrNotClaimed
	// otherwise, so a worker whose lease lapsed cannot double-count an outcome)
	// and update the job counters in the same transaction. The returned
	// transition reports whether this call won the completion notification.
	CompleteTask(ctx context.Context, taskID uuid.UUID, success TaskSuccess) (*TaskTransition, error)
	FailTask(ctx context.Context, taskID uuid.UUID, reason string) (*TaskTransition, error)
	ReleaseTask(ctx context.Context, taskID uuid.UUID, reason string, notBefore time.Time) error

	// CancelPendingTasks fails every still-pending task of the job with the
	// given reason. Claimed tasks are left to finish naturally.
	CancelPendingTasks(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID, reason string) (*TaskTransition, error)
}

// TaskSuccess carries the analyzer output recorded on a succeeded task.
type TaskSuccess struct {
	ResultRef  string
	RiskLevel  string
	RiskScore  float64
	Confidence float64
}

// TaskTransition is the result of resolving one or more tasks. Notify is true
// exactly once per job: on the transition that moved its last task to a
// terminal state and won the completion_notified flag.
type TaskTransition struct {
	Job      *models.AnalysisJob
	Affected int
	Notify   bool
}
