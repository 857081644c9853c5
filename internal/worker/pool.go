// Package worker runs the task-processing pool: claim, analyze, record.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aurahealth/retina-batch/internal/analyzer"
	"github.com/aurahealth/retina-batch/internal/cache"
	"github.com/aurahealth/retina-batch/internal/config"
	"github.com/aurahealth/retina-batch/internal/events"
	"github.com/aurahealth/retina-batch/internal/imagestore"
	"github.com/aurahealth/retina-batch/internal/store"
	"github.com/aurahealth/retina-batch/pkg/models"
)

const terminalStatusTTL = 30 * time.Minute

// Pool processes image tasks with a fixed number of worker goroutines. All
// coordination between workers (and between replicas of this service) happens
// in the database through conditional updates; the pool itself holds no state.
type Pool struct {
	store     store.Store
	analyzer  models.Analyzer
	images    imagestore.Store
	cache     cache.Cache
	publisher events.Publisher
	cfg       config.WorkerConfig

	inferenceTimeout time.Duration
}

func NewPool(st store.Store, an models.Analyzer, img imagestore.Store, ca cache.Cache,
	pub events.Publisher, cfg config.WorkerConfig, inferenceTimeout time.Duration) *Pool {
	return &Pool{
		store:            st,
		analyzer:         an,
		images:           img,
		cache:            ca,
		publisher:        pub,
		cfg:              cfg,
		inferenceTimeout: inferenceTimeout,
	}
}

// Run blocks until ctx is cancelled, running cfg.Concurrency worker loops.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("worker pool starting",
		"concurrency", p.cfg.Concurrency, "poll_interval", p.cfg.PollInterval, "analyzer", p.analyzer.Name())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			return p.runLoop(ctx, worker)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) runLoop(ctx context.Context, worker int) error {
	log := slog.With("worker", worker)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.drain(ctx, log)
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain claims and processes batches until the queue has nothing claimable.
func (p *Pool) drain(ctx context.Context, log *slog.Logger) {
	reclaimed, err := p.store.ReclaimExpiredLeases(ctx)
	if err != nil {
		log.Error("reclaiming expired leases", "error", err)
	} else if reclaimed > 0 {
		log.Warn("reclaimed expired leases", "tasks", reclaimed)
	}

	for ctx.Err() == nil {
		leaseUntil := time.Now().UTC().Add(p.cfg.LeaseDuration)
		tasks, err := p.store.ClaimTasks(ctx, p.cfg.ClaimBatchSize, leaseUntil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("claiming tasks", "error", err)
			}
			return
		}
		if len(tasks) == 0 {
			return
		}

		log.Info("claimed tasks", "job_id", tasks[0].JobID, "count", len(tasks))
		for _, task := range tasks {
			if ctx.Err() != nil {
				// Unprocessed claims are reclaimed after the lease lapses.
				return
			}
			p.processTask(ctx, log, task)
		}
	}
}

func (p *Pool) processTask(ctx context.Context, log *slog.Logger, task *models.ImageTask) {
	log = log.With("task_id", task.ID, "job_id", task.JobID, "image_id", task.ImageID)

	exists, err := p.images.Exists(ctx, task.ImageID)
	if err != nil {
		p.retryOrFail(ctx, log, task, fmt.Errorf("checking image: %w", err), true)
		return
	}
	if !exists {
		// The image can never appear later; failing now is correct even on
		// the first attempt.
		p.fail(ctx, log, task, "image not found in image store")
		return
	}

	inferCtx, cancel := context.WithTimeout(ctx, p.inferenceTimeout)
	result, err := p.analyzer.Analyze(inferCtx, models.AnalyzeRequest{
		ImageURL:  p.images.URL(task.ImageID),
		ImageType: task.ImageType,
	})
	cancel()
	if err != nil {
		p.retryOrFail(ctx, log, task, err, analyzer.IsRetryable(err))
		return
	}

	transition, err := p.store.CompleteTask(ctx, task.ID, store.TaskSuccess{
		ResultRef:  result.Ref,
		RiskLevel:  result.RiskLevel,
		RiskScore:  result.RiskScore,
		Confidence: result.Confidence,
	})
	if errors.Is(err, store.ErrNotClaimed) {
		// Lease expired mid-analysis and another worker owns the task now.
		// Drop the result; the other claim will produce its own.
		log.Warn("discarding result for lapsed claim")
		return
	}
	if err != nil {
		log.Error("recording task success", "error", err)
		return
	}

	log.Info("task succeeded", "risk_level", result.RiskLevel, "attempt", task.AttemptCount+1)
	p.afterTransition(ctx, log, transition)
}

// retryOrFail releases a retryably-failed task with backoff, or fails it when
// attempts are exhausted or the error is permanent.
func (p *Pool) retryOrFail(ctx context.Context, log *slog.Logger, task *models.ImageTask, cause error, retryable bool) {
	attempt := task.AttemptCount + 1
	if retryable && attempt < p.cfg.MaxAttempts {
		notBefore := time.Now().UTC().Add(backoffDelay(attempt))
		err := p.store.ReleaseTask(ctx, task.ID, cause.Error(), notBefore)
		if errors.Is(err, store.ErrNotClaimed) {
			return
		}
		if err != nil {
			log.Error("releasing task for retry", "error", err)
			return
		}
		log.Warn("task released for retry", "attempt", attempt, "not_before", notBefore, "cause", cause)
		return
	}
	p.fail(ctx, log, task, cause.Error())
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, task *models.ImageTask, reason string) {
	transition, err := p.store.FailTask(ctx, task.ID, reason)
	if errors.Is(err, store.ErrNotClaimed) {
		return
	}
	if err != nil {
		log.Error("recording task failure", "error", err)
		return
	}
	log.Warn("task failed permanently", "reason", reason, "attempt", task.AttemptCount+1)
	p.afterTransition(ctx, log, transition)
}

// afterTransition publishes the completion event when this transition made
// the job terminal. The completion_notified flag was won transactionally, so
// at most one worker gets Notify=true per job.
func (p *Pool) afterTransition(ctx context.Context, log *slog.Logger, transition *store.TaskTransition) {
	job := transition.Job
	if !transition.Notify {
		return
	}

	// Terminal jobs are immutable; cache the row for status fast-paths.
	if payload, err := json.Marshal(job); err == nil {
		_ = p.cache.Set(ctx, cache.JobStatusKey(job.ID), payload, terminalStatusTTL)
	}

	if err := p.publisher.Publish(ctx, job.CompletionEvent()); err != nil {
		log.Error("publishing completion event", "job_id", job.ID, "error", err)
		return
	}
	log.Info("job completed",
		"job_id", job.ID, "outcome", job.State(), "succeeded", job.SucceededTasks, "failed", job.FailedTasks)
}
