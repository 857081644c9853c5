package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aurahealth/retina-batch/pkg/models"
)

// activeBatchIndex is the partial unique index that enforces one active job
// per (tenant, batch). See migrations/000001_init.up.sql.
const activeBatchIndex = "analysis_jobs_active_batch_key"

const jobCols = `id, tenant_id, batch_id, image_type, total_tasks, succeeded_tasks, failed_tasks,
	 completion_notified, started_at, completed_at, created_at, updated_at`

const taskCols = `id, job_id, image_id, state, attempt_count, last_error, claimed_at,
	 lease_expires_at, not_before, completed_at, result_ref, risk_level, risk_score, confidence,
	 created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, clinic_code, created_at, updated_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.ClinicCode, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJobWithTasks(ctx context.Context, job *models.AnalysisJob, imageIDs []uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		if isUnavailable(err) {
			return ErrUnavailable
		}
		return fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO analysis_jobs (id, tenant_id, batch_id, image_type, total_tasks, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.TenantID, job.BatchID, job.ImageType, job.TotalTasks, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, activeBatchIndex) {
			return ErrDuplicateBatch
		}
		if isUnavailable(err) {
			return ErrUnavailable
		}
		return fmt.Errorf("create job: %w", err)
	}

	taskRows := make([][]any, 0, len(imageIDs))
	for _, imageID := range imageIDs {
		taskRows = append(taskRows, []any{uuid.New(), job.ID, imageID, models.TaskStatePending, job.CreatedAt, job.UpdatedAt})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"image_tasks"},
		[]string{"id", "job_id", "image_id", "state", "created_at", "updated_at"},
		pgx.CopyFromRows(taskRows))
	if err != nil {
		if isUnavailable(err) {
			return ErrUnavailable
		}
		return fmt.Errorf("create image tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUnavailable(err) {
			return ErrUnavailable
		}
		return fmt.Errorf("commit enqueue tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveJobByBatchID(ctx context.Context, tenantID uuid.UUID, batchID string) (*models.AnalysisJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM analysis_jobs
		 WHERE tenant_id = $1 AND batch_id = $2 AND completed_at IS NULL`, tenantID, batchID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active job by batch: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.AnalysisJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM analysis_jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.AnalysisJob, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+` FROM analysis_jobs
		 WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.AnalysisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ListJobResults(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID) ([]*models.ImageResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.image_id, t.result_ref, t.risk_level, t.risk_score, t.confidence, t.completed_at
		 FROM image_tasks t
		 JOIN analysis_jobs j ON j.id = t.job_id
		 WHERE t.job_id = $1 AND j.tenant_id = $2 AND t.state = $3
		 ORDER BY t.completed_at`, jobID, tenantID, models.TaskStateSucceeded)
	if err != nil {
		return nil, fmt.Errorf("list job results: %w", err)
	}
	defer rows.Close()

	results := []*models.ImageResult{}
	for rows.Next() {
		var r models.ImageResult
		if err := rows.Scan(&r.ImageID, &r.ResultRef, &r.RiskLevel, &r.RiskScore, &r.Confidence, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan job result: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// --- Tasks ---

func (s *PostgresStore) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE image_tasks
		 SET state = $1, claimed_at = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE state = $2 AND lease_expires_at < NOW()`,
		models.TaskStatePending, models.TaskStateClaimed)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ClaimTasks(ctx context.Context, batchSize int, leaseUntil time.Time) ([]*models.ImageTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the job row before any task rows. CancelPendingTasks and the
	// counter updates lock in the same order, so claim and cancel on the same
	// job serialize instead of deadlocking. SKIP LOCKED turns contention into
	// an empty claim; the worker just polls again.
	var jobID uuid.UUID
	var imageType string
	err = tx.QueryRow(ctx,
		`SELECT id, image_type FROM analysis_jobs
		 WHERE id = (
		   SELECT job_id FROM image_tasks
		   WHERE state = 'pending' AND (not_before IS NULL OR not_before <= NOW())
		   ORDER BY created_at
		   LIMIT 1
		 )
		 FOR UPDATE SKIP LOCKED`,
	).Scan(&jobID, &imageType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick claimable job: %w", err)
	}

	// All picked tasks belong to one job so a worker sees batch-local progress.
	// FOR UPDATE SKIP LOCKED makes concurrent claims disjoint.
	rows, err := tx.Query(ctx,
		`WITH picked AS (
		   SELECT id FROM image_tasks
		   WHERE job_id = $1 AND state = 'pending' AND (not_before IS NULL OR not_before <= NOW())
		   ORDER BY created_at
		   FOR UPDATE SKIP LOCKED
		   LIMIT $2
		 )
		 UPDATE image_tasks SET state = 'claimed', claimed_at = NOW(), lease_expires_at = $3, updated_at = NOW()
		 WHERE id IN (SELECT id FROM picked)
		 RETURNING `+taskCols,
		jobID, batchSize, leaseUntil.UTC())
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}

	var tasks []*models.ImageTask
	for rows.Next() {
		var t models.ImageTask
		if err := rows.Scan(&t.ID, &t.JobID, &t.ImageID, &t.State, &t.AttemptCount, &t.LastError,
			&t.ClaimedAt, &t.LeaseExpiresAt, &t.NotBefore, &t.CompletedAt, &t.ResultRef,
			&t.RiskLevel, &t.RiskScore, &t.Confidence, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		t.ImageType = imageType
		tasks = append(tasks, &t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}

	if len(tasks) > 0 {
		// First claim marks the job as started.
		_, err = tx.Exec(ctx,
			`UPDATE analysis_jobs SET started_at = COALESCE(started_at, NOW()), updated_at = NOW()
			 WHERE id = $1`, jobID)
		if err != nil {
			return nil, fmt.Errorf("mark job started: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, taskID uuid.UUID, success TaskSuccess) (*TaskTransition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var jobID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE image_tasks
		 SET state = $2, completed_at = NOW(), updated_at = NOW(), lease_expires_at = NULL,
		     result_ref = $3, risk_level = $4, risk_score = $5, confidence = $6, last_error = NULL
		 WHERE id = $1 AND state = $7
		 RETURNING job_id`,
		taskID, models.TaskStateSucceeded, success.ResultRef, success.RiskLevel,
		success.RiskScore, success.Confidence, models.TaskStateClaimed,
	).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}

	transition, err := bumpJobCounterTx(ctx, tx, jobID, "succeeded_tasks", 1)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit complete tx: %w", err)
	}
	return transition, nil
}

func (s *PostgresStore) FailTask(ctx context.Context, taskID uuid.UUID, reason string) (*TaskTransition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var jobID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE image_tasks
		 SET state = $2, completed_at = NOW(), updated_at = NOW(), lease_expires_at = NULL, last_error = $3
		 WHERE id = $1 AND state = $4
		 RETURNING job_id`,
		taskID, models.TaskStateFailed, reason, models.TaskStateClaimed,
	).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}

	transition, err := bumpJobCounterTx(ctx, tx, jobID, "failed_tasks", 1)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit fail tx: %w", err)
	}
	return transition, nil
}

func (s *PostgresStore) ReleaseTask(ctx context.Context, taskID uuid.UUID, reason string, notBefore time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE image_tasks
		 SET state = $2, attempt_count = attempt_count + 1, last_error = $3, not_before = $4,
		     claimed_at = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND state = $5`,
		taskID, models.TaskStatePending, reason, notBefore.UTC(), models.TaskStateClaimed)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *PostgresStore) CancelPendingTasks(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID, reason string) (*TaskTransition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the job row so the counter update and completion check are ordered
	// against concurrent task transitions.
	row := tx.QueryRow(ctx,
		`SELECT `+jobCols+` FROM analysis_jobs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, jobID, tenantID)
	if _, err := scanJob(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job for cancel: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE image_tasks
		 SET state = $2, last_error = $3, completed_at = NOW(), updated_at = NOW(), not_before = NULL
		 WHERE job_id = $1 AND state = $4`,
		jobID, models.TaskStateFailed, reason, models.TaskStatePending)
	if err != nil {
		return nil, fmt.Errorf("cancel pending tasks: %w", err)
	}
	cancelled := int(tag.RowsAffected())

	transition, err := bumpJobCounterTx(ctx, tx, jobID, "failed_tasks", cancelled)
	if err != nil {
		return nil, err
	}
	transition.Affected = cancelled

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel tx: %w", err)
	}
	return transition, nil
}

// bumpJobCounterTx increments one of the job's terminal counters and, when the
// increment makes the job terminal, claims the completion notification under
// the same row lock. Exactly one transition per job ever observes Notify=true.
func bumpJobCounterTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, column string, delta int) (*TaskTransition, error) {
	row := tx.QueryRow(ctx,
		`UPDATE analysis_jobs SET `+column+` = `+column+` + $2, updated_at = NOW()
		 WHERE id = $1 RETURNING `+jobCols, jobID, delta)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("update job counters: %w", err)
	}

	transition := &TaskTransition{Job: job, Affected: delta}
	if job.IsTerminal() && !job.CompletionNotified {
		row := tx.QueryRow(ctx,
			`UPDATE analysis_jobs SET completion_notified = TRUE, completed_at = NOW(), updated_at = NOW()
			 WHERE id = $1 AND completion_notified = FALSE RETURNING `+jobCols, jobID)
		job, err := scanJob(row)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("claim completion notification: %w", err)
		}
		if err == nil {
			transition.Job = job
			transition.Notify = true
		}
	}
	return transition, nil
}

func scanJob(row pgx.Row) (*models.AnalysisJob, error) {
	var j models.AnalysisJob
	err := row.Scan(&j.ID, &j.TenantID, &j.BatchID, &j.ImageType, &j.TotalTasks,
		&j.SucceededTasks, &j.FailedTasks, &j.CompletionNotified,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// isUnavailable reports whether err means the database could not be reached,
// as opposed to the query being rejected. Class 08 is connection exceptions,
// class 57 covers shutdown and admin cancellation.
func isUnavailable(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57")
	}
	return false
}

// isUniqueViolation checks if a pgx error is a unique constraint violation,
// optionally on a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" { // unique_violation
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
