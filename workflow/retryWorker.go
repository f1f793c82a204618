package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/booking_backend/appctx"
	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RetryWorker polls due jobs and executes them. It holds no state between polls,
// so any number of instances can run against the same table.
type RetryWorker struct {
	Queue    *RetryQueue
	Logger   *logrus.Logger
	WorkerID string

	BatchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
	Concurrency  int
}

func NewRetryWorker(queue *RetryQueue, logger *logrus.Logger, settings config.Settings) *RetryWorker {
	return &RetryWorker{
		Queue:        queue,
		Logger:       logger,
		WorkerID:     uuid.NewString(),
		BatchSize:    settings.RetryBatchSize,
		PollInterval: settings.RetryPollInterval,
		LockTTL:      settings.RetryLockTTL,
		Concurrency:  settings.RetryConcurrency,
	}
}

func (w *RetryWorker) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			config.LogError(w.Logger, "retryWorker.go", "Run", "RunOnce", w.WorkerID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

// RunOnce claims one batch of due jobs and executes it. It returns the number of
// jobs that were executed.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	ctx = appctx.WithoutTenantScope(ctx)
	claimed, exhausted, err := w.claim(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range exhausted {
		w.Queue.alert(ctx, job, fmt.Errorf("max attempts exceeded (%d)", job.MaxAttempts))
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	limit := w.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, job := range claimed {
		job := job
		g.Go(func() error {
			w.execute(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

// claim marks due jobs PROCESSING in one transaction. Jobs whose attempt budget is
// already spent go straight to DEAD_LETTERED and are returned as exhausted.
func (w *RetryWorker) claim(ctx context.Context) ([]models.RetryJob, []models.RetryJob, error) {
	now := time.Now().UTC()
	lockTTL := w.LockTTL
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	staleBefore := now.Add(-lockTTL)
	batch := w.BatchSize
	if batch <= 0 {
		batch = 50
	}
	db := w.Queue.DB

	var claimed, exhausted []models.RetryJob
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING and due
		// - PROCESSING with a stale lock (worker died mid-job)
		q := tx.
			Where(`
				(status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
				OR
				(status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
			`, models.RetryJobStatusPending, now, models.RetryJobStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(batch)
		if db.Dialector.Name() != config.DriverSQLite {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var due []models.RetryJob
		if err := q.Find(&due).Error; err != nil {
			return err
		}

		for _, job := range due {
			if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
				msg := fmt.Sprintf("max attempts exceeded (%d)", job.MaxAttempts)
				if err := tx.Model(&models.RetryJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
					"status":           models.RetryJobStatusDeadLettered,
					"last_error":       &msg,
					"dead_lettered_at": &now,
					"next_attempt_at":  nil,
					"locked_at":        nil,
					"locked_by":        nil,
				}).Error; err != nil {
					return err
				}
				job.Status = models.RetryJobStatusDeadLettered
				exhausted = append(exhausted, job)
				continue
			}

			if err := tx.Model(&models.RetryJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
				"status":          models.RetryJobStatusProcessing,
				"locked_at":       &now,
				"locked_by":       w.WorkerID,
				"attempts":        gorm.Expr("attempts + 1"),
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
			job.Status = models.RetryJobStatusProcessing
			job.Attempts++
			job.LockedAt = &now
			job.LockedBy = &w.WorkerID
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for _, job := range exhausted {
		retryJobsTotal.WithLabelValues(job.OperationType, "dead_lettered").Inc()
	}
	return claimed, exhausted, nil
}

func (w *RetryWorker) execute(ctx context.Context, job models.RetryJob) {
	op, ok := w.Queue.operation(job.OperationType)
	if !ok {
		w.fail(ctx, job, Fatal("retry", fmt.Errorf("no operation registered for %q", job.OperationType)))
		return
	}
	jobCtx := appctx.WithTenantScope(ctx, job.TenantId)
	if job.CorrelationId != "" {
		jobCtx = appctx.SetCorrelationId(jobCtx, job.CorrelationId)
	}
	if err := op(jobCtx, job); err != nil {
		w.fail(ctx, job, err)
		return
	}

	now := time.Now().UTC()
	err := w.Queue.DB.WithContext(ctx).
		Model(&models.RetryJob{}).
		Where("id = ? AND locked_by = ?", job.ID, w.WorkerID).
		Updates(map[string]interface{}{
			"status":          models.RetryJobStatusCompleted,
			"completed_at":    &now,
			"last_error":      nil,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
	if err != nil {
		config.LogError(w.Logger, "retryWorker.go", "execute", "Marking job completed", job.ID, err)
		return
	}
	retryJobsTotal.WithLabelValues(job.OperationType, "completed").Inc()
}

// fail either schedules the next attempt or dead-letters the job.
func (w *RetryWorker) fail(ctx context.Context, job models.RetryJob, cause error) {
	if !IsTransient(cause) || (job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts) {
		if _, err := w.Queue.deadLetter(ctx, job, w.WorkerID, cause); err != nil {
			config.LogError(w.Logger, "retryWorker.go", "fail", "Dead-lettering job", job.ID, err)
		}
		return
	}

	next := time.Now().UTC().Add(w.Queue.Backoff(job.Attempts))
	msg := cause.Error()
	err := w.Queue.DB.WithContext(ctx).
		Model(&models.RetryJob{}).
		Where("id = ? AND locked_by = ?", job.ID, w.WorkerID).
		Updates(map[string]interface{}{
			"status":          models.RetryJobStatusPending,
			"last_error":      &msg,
			"next_attempt_at": &next,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
	if err != nil {
		config.LogError(w.Logger, "retryWorker.go", "fail", "Scheduling retry", job.ID, err)
		return
	}
	retryJobsTotal.WithLabelValues(job.OperationType, "retry_scheduled").Inc()

	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":           "RetryWorker",
			"tenant_id":       job.TenantId,
			"job_id":          job.ID,
			"operation_type":  job.OperationType,
			"attempt":         job.Attempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Warn("retry job failed: " + msg)
	}
}
