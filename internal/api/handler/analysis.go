package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/aurahealth/retina-batch/internal/api/middleware"
	"github.com/aurahealth/retina-batch/internal/api/response"
	"github.com/aurahealth/retina-batch/internal/cache"
	"github.com/aurahealth/retina-batch/internal/dispatch"
	"github.com/aurahealth/retina-batch/internal/store"
	"github.com/aurahealth/retina-batch/pkg/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	resultsCacheTTL = 30 * time.Minute
)

// BatchDispatcher is the slice of the dispatcher the handlers depend on.
type BatchDispatcher interface {
	Enqueue(ctx context.Context, params dispatch.EnqueueParams) (*models.AnalysisJob, error)
	Cancel(ctx context.Context, jobID, tenantID uuid.UUID) (*models.AnalysisJob, error)
}

// JobReader is the read-side store slice the handlers depend on.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.AnalysisJob, error)
	ListJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.AnalysisJob, error)
	ListJobResults(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID) ([]*models.ImageResult, error)
}

// NewEnqueueHandler returns the handler for POST /api/v1/batches/{batchID}/analysis.
func NewEnqueueHandler(d BatchDispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		batchID := chi.URLParam(r, "batchID")
		if batchID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "batch ID is required", nil)
			return
		}

		var req struct {
			ImageIDs  []string `json:"image_ids"`
			ImageType string   `json:"image_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		imageIDs := make([]uuid.UUID, 0, len(req.ImageIDs))
		for _, raw := range req.ImageIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_IMAGE_ID",
					"image_ids must be valid UUIDs", map[string]string{"image_id": raw})
				return
			}
			imageIDs = append(imageIDs, id)
		}

		job, err := d.Enqueue(r.Context(), dispatch.EnqueueParams{
			TenantID:  tenantID,
			BatchID:   &batchID,
			ImageType: req.ImageType,
			ImageIDs:  imageIDs,
		})
		if err != nil {
			switch {
			case errors.Is(err, dispatch.ErrEmptyBatch):
				response.Error(w, http.StatusBadRequest, "EMPTY_BATCH", "Batch contains no images", nil)
			case errors.Is(err, dispatch.ErrBatchTooLarge):
				response.Error(w, http.StatusBadRequest, "BATCH_TOO_LARGE", err.Error(), nil)
			case errors.Is(err, dispatch.ErrInvalidImageType):
				response.Error(w, http.StatusBadRequest, "INVALID_IMAGE_TYPE",
					"image_type must be Fundus or OCT", nil)
			case errors.Is(err, dispatch.ErrDuplicateImage):
				response.Error(w, http.StatusBadRequest, "DUPLICATE_IMAGE_ID",
					"image_ids must not contain duplicates", nil)
			case errors.Is(err, store.ErrUnavailable):
				response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
					"Job store is temporarily unavailable, retry later", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to enqueue batch", nil)
			}
			return
		}

		response.Accepted(w, map[string]any{"job": job.Status()})
	}
}

// NewJobStatusHandler returns the handler for GET /api/v1/analysis/{jobID}/status.
// Terminal jobs are immutable and served from the cache when a completion
// transition left their row there; everything else reads the job row.
func NewJobStatusHandler(jobs JobReader, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID format", nil)
			return
		}

		if payload, hit, err := ca.Get(r.Context(), cache.JobStatusKey(jobID)); err == nil && hit {
			var cached models.AnalysisJob
			if json.Unmarshal(payload, &cached) == nil && cached.TenantID == tenantID && cached.IsTerminal() {
				response.JSON(w, cached.Status())
				return
			}
		}

		job, err := jobs.GetJob(r.Context(), jobID, tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load job", nil)
			return
		}
		response.JSON(w, job.Status())
	}
}

// NewListJobsHandler returns the handler for GET /api/v1/analysis/jobs.
func NewListJobsHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be a positive integer", nil)
				return
			}
			limit = n
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}

		list, err := jobs.ListJobs(r.Context(), tenantID, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list jobs", nil)
			return
		}

		statuses := make([]models.JobStatus, 0, len(list))
		for _, job := range list {
			statuses = append(statuses, job.Status())
		}
		response.Collection(w, statuses, response.PaginationMeta{
			Page:    1,
			Limit:   limit,
			Total:   len(statuses),
			HasNext: len(statuses) == limit,
		})
	}
}

// NewJobResultsHandler returns the handler for GET /api/v1/analysis/{jobID}/results.
// Terminal result sets are immutable and cached; mid-flight the store is read
// directly and returns the results produced so far.
func NewJobResultsHandler(jobs JobReader, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, job, ok := fetchJob(w, r, jobs)
		if !ok {
			return
		}

		cacheKey := cache.JobResultsKey(job.ID)
		if job.IsTerminal() {
			if payload, hit, err := ca.Get(r.Context(), cacheKey); err == nil && hit {
				var results []*models.ImageResult
				if json.Unmarshal(payload, &results) == nil {
					response.JSON(w, results)
					return
				}
			}
		}

		results, err := jobs.ListJobResults(r.Context(), job.ID, tenantID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load results", nil)
			return
		}
		if results == nil {
			results = []*models.ImageResult{}
		}

		if job.IsTerminal() {
			if payload, err := json.Marshal(results); err == nil {
				_ = ca.Set(r.Context(), cacheKey, payload, resultsCacheTTL)
			}
		}

		response.JSON(w, results)
	}
}

// NewCancelJobHandler returns the handler for DELETE /api/v1/analysis/{jobID}.
func NewCancelJobHandler(d BatchDispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID format", nil)
			return
		}

		job, err := d.Cancel(r.Context(), jobID, tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to cancel job", nil)
			return
		}

		response.Accepted(w, map[string]any{"job": job.Status()})
	}
}

// fetchJob parses {jobID}, loads the job scoped to the caller's tenant, and
// writes the error response itself when something is off.
func fetchJob(w http.ResponseWriter, r *http.Request, jobs JobReader) (uuid.UUID, *models.AnalysisJob, bool) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return uuid.Nil, nil, false
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID format", nil)
		return uuid.Nil, nil, false
	}

	job, err := jobs.GetJob(r.Context(), jobID, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return uuid.Nil, nil, false
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Failed to load job", nil)
		return uuid.Nil, nil, false
	}
	return tenantID, job, true
}
