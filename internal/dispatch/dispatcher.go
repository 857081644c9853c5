// Package dispatch admits analysis batches into the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aurahealth/retina-batch/internal/cache"
	"github.com/aurahealth/retina-batch/internal/events"
	"github.com/aurahealth/retina-batch/internal/store"
	"github.com/aurahealth/retina-batch/pkg/models"
)

var (
	ErrEmptyBatch       = errors.New("batch contains no images")
	ErrBatchTooLarge    = errors.New("batch exceeds maximum size")
	ErrInvalidImageType = errors.New("invalid image type")
	ErrDuplicateImage   = errors.New("duplicate image in batch")
)

// statusTTL bounds how long a cached job status can outlive the job row.
const statusTTL = 30 * time.Minute

// EnqueueParams holds validated parameters for batch admission.
type EnqueueParams struct {
	TenantID  uuid.UUID
	BatchID   *string
	ImageType string
	ImageIDs  []uuid.UUID
}

// Dispatcher validates incoming batches and creates their jobs atomically.
type Dispatcher struct {
	store        store.Store
	cache        cache.Cache
	publisher    events.Publisher
	maxBatchSize int
}

func NewDispatcher(st store.Store, ca cache.Cache, pub events.Publisher, maxBatchSize int) *Dispatcher {
	return &Dispatcher{
		store:        st,
		cache:        ca,
		publisher:    pub,
		maxBatchSize: maxBatchSize,
	}
}

// Enqueue creates one job with a pending task per image. The job row and all
// task rows commit in a single transaction, so a job is never observable with
// only some of its tasks.
//
// Enqueue is idempotent per (tenant, batch): if an active job already exists
// for the same batch the existing job is returned instead of an error, so
// client retries after a lost response are safe.
func (d *Dispatcher) Enqueue(ctx context.Context, params EnqueueParams) (*models.AnalysisJob, error) {
	if len(params.ImageIDs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(params.ImageIDs) > d.maxBatchSize {
		return nil, fmt.Errorf("%w: %d images, maximum %d", ErrBatchTooLarge, len(params.ImageIDs), d.maxBatchSize)
	}
	imageType := params.ImageType
	if imageType == "" {
		imageType = models.ImageTypeFundus
	}
	if imageType != models.ImageTypeFundus && imageType != models.ImageTypeOCT {
		return nil, fmt.Errorf("%w: %q", ErrInvalidImageType, params.ImageType)
	}
	if dup := firstDuplicate(params.ImageIDs); dup != uuid.Nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateImage, dup)
	}

	now := time.Now().UTC()
	job := &models.AnalysisJob{
		ID:         uuid.New(),
		TenantID:   params.TenantID,
		BatchID:    params.BatchID,
		ImageType:  imageType,
		TotalTasks: len(params.ImageIDs),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for attempt := 0; ; attempt++ {
		err := d.store.CreateJobWithTasks(ctx, job, params.ImageIDs)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicateBatch) || params.BatchID == nil {
			return nil, fmt.Errorf("creating job: %w", err)
		}

		existing, lookupErr := d.store.GetActiveJobByBatchID(ctx, params.TenantID, *params.BatchID)
		if lookupErr == nil {
			slog.Info("returning existing job for batch",
				"tenant_id", params.TenantID, "batch_id", *params.BatchID, "job_id", existing.ID)
			return existing, nil
		}
		if !errors.Is(lookupErr, store.ErrNotFound) || attempt > 0 {
			return nil, fmt.Errorf("looking up existing job for batch: %w", lookupErr)
		}
		// The conflicting job went terminal between the insert and the
		// lookup, freeing the batch key. Retry the insert once.
	}

	slog.Info("batch enqueued",
		"tenant_id", params.TenantID, "job_id", job.ID, "tasks", job.TotalTasks, "image_type", imageType)
	return job, nil
}

// Cancel fails every still-pending task of the job. Claimed tasks keep their
// leases and finish naturally, so results already in flight are not lost. If
// cancellation makes the job terminal, the completion event fires here.
func (d *Dispatcher) Cancel(ctx context.Context, jobID, tenantID uuid.UUID) (*models.AnalysisJob, error) {
	transition, err := d.store.CancelPendingTasks(ctx, jobID, tenantID, "cancelled by client")
	if err != nil {
		return nil, err
	}

	job := transition.Job
	if transition.Notify {
		// Terminal jobs are immutable; cache the row for status fast-paths.
		if payload, err := json.Marshal(job); err == nil {
			_ = d.cache.Set(ctx, cache.JobStatusKey(job.ID), payload, statusTTL)
		}
		if err := d.publisher.Publish(ctx, job.CompletionEvent()); err != nil {
			slog.Error("publishing completion event", "job_id", job.ID, "error", err)
		}
	}

	slog.Info("job cancelled", "job_id", jobID, "tenant_id", tenantID, "tasks_cancelled", transition.Affected)
	return job, nil
}

// firstDuplicate returns the first image ID that appears more than once, or
// uuid.Nil. Duplicates are rejected rather than collapsed so the created task
// count always equals the submitted image count.
func firstDuplicate(ids []uuid.UUID) uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return id
		}
		seen[id] = struct{}{}
	}
	return uuid.Nil
}
