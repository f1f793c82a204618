package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/booking_backend/appctx"
	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Operation performs one unit of deferred work. It is called with the job's own
// idempotency key on every attempt and must be safe to repeat.
type Operation func(ctx context.Context, job models.RetryJob) error

type EnqueueParams struct {
	TenantId       string
	OperationType  string
	IdempotencyKey string
	Payload        json.RawMessage
	CorrelationId  string
	// MaxAttempts overrides the queue default when > 0.
	MaxAttempts int
	// Attempts already spent before the job was enqueued (1 after a failed inline call).
	Attempts  int
	LastError error
}

type DispatchOutcome string

const (
	DispatchCompleted    DispatchOutcome = "COMPLETED"
	DispatchDeferred     DispatchOutcome = "DEFERRED"
	DispatchDeadLettered DispatchOutcome = "DEAD_LETTERED"
)

var retryJobUniqueColumns = []clause.Column{{Name: "tenant_id"}, {Name: "operation_type"}, {Name: "idempotency_key"}}

// RetryQueue is the durable job table plus the registry of operations that can run from it.
type RetryQueue struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	Alerter     Alerter
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int

	mu  sync.RWMutex
	ops map[string]Operation
}

func NewRetryQueue(db *gorm.DB, logger *logrus.Logger, alerter Alerter, settings config.Settings) *RetryQueue {
	return &RetryQueue{
		DB:          db,
		Logger:      logger,
		Alerter:     alerter,
		BaseBackoff: settings.RetryBaseBackoff,
		MaxBackoff:  settings.RetryMaxBackoff,
		MaxAttempts: settings.RetryMaxAttempts,
		ops:         map[string]Operation{},
	}
}

func (q *RetryQueue) Register(operationType string, op Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ops == nil {
		q.ops = map[string]Operation{}
	}
	q.ops[operationType] = op
}

func (q *RetryQueue) operation(operationType string) (Operation, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	op, ok := q.ops[operationType]
	return op, ok
}

// Backoff returns the delay after the given number of spent attempts:
// base * 2^(attempts-1), capped at MaxBackoff.
func (q *RetryQueue) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	backoff := q.BaseBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if q.MaxBackoff > 0 && backoff >= q.MaxBackoff {
			return q.MaxBackoff
		}
	}
	if q.MaxBackoff > 0 && backoff > q.MaxBackoff {
		return q.MaxBackoff
	}
	return backoff
}

func (q *RetryQueue) maxAttempts(p EnqueueParams) int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	if q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return 10
}

func validateEnqueue(p EnqueueParams) error {
	if p.TenantId == "" || p.OperationType == "" || p.IdempotencyKey == "" {
		return validationErrorf("tenant_id, operation_type and idempotency_key are required to enqueue")
	}
	return nil
}

func (q *RetryQueue) newJob(p EnqueueParams, status models.RetryJobStatus) models.RetryJob {
	now := time.Now().UTC()
	next := now.Add(q.Backoff(p.Attempts))
	job := models.RetryJob{
		TenantId:       p.TenantId,
		OperationType:  p.OperationType,
		IdempotencyKey: p.IdempotencyKey,
		Payload:        p.Payload,
		Status:         status,
		Attempts:       p.Attempts,
		MaxAttempts:    q.maxAttempts(p),
		NextAttemptAt:  &next,
		CorrelationId:  p.CorrelationId,
	}
	if p.LastError != nil {
		msg := p.LastError.Error()
		job.LastError = &msg
	}
	return job
}

// Enqueue inserts a PENDING job. Enqueueing the same (tenant, operation, key) twice is a
// no-op; created reports whether this call inserted the row.
func (q *RetryQueue) Enqueue(ctx context.Context, p EnqueueParams) (*models.RetryJob, bool, error) {
	return q.EnqueueTx(q.DB.WithContext(ctx), p)
}

// EnqueueTx is Enqueue inside the caller's transaction, so the job commits with the
// business write that produced it.
func (q *RetryQueue) EnqueueTx(tx *gorm.DB, p EnqueueParams) (*models.RetryJob, bool, error) {
	if err := validateEnqueue(p); err != nil {
		return nil, false, err
	}
	job := q.newJob(p, models.RetryJobStatusPending)
	res := tx.Clauses(clause.OnConflict{Columns: retryJobUniqueColumns, DoNothing: true}).Create(&job)
	if res.Error != nil {
		return nil, false, fmt.Errorf("enqueue %s/%s: %w", p.OperationType, p.IdempotencyKey, res.Error)
	}
	if res.RowsAffected > 0 {
		retryJobsTotal.WithLabelValues(p.OperationType, "enqueued").Inc()
		return &job, true, nil
	}
	var existing models.RetryJob
	if err := tx.Where("tenant_id = ? AND operation_type = ? AND idempotency_key = ?",
		p.TenantId, p.OperationType, p.IdempotencyKey).Take(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// EnqueueOrReopen is Enqueue for work that must run again even if an earlier job with
// the same key already finished: a terminal job is reset to PENDING.
func (q *RetryQueue) EnqueueOrReopen(ctx context.Context, p EnqueueParams) (*models.RetryJob, error) {
	job, created, err := q.Enqueue(ctx, p)
	if err != nil || created || !job.IsTerminal() {
		return job, err
	}
	now := time.Now().UTC()
	err = q.DB.WithContext(ctx).
		Model(&models.RetryJob{}).
		Where("id = ? AND status IN ?", job.ID, []models.RetryJobStatus{models.RetryJobStatusCompleted, models.RetryJobStatusDeadLettered}).
		Updates(map[string]interface{}{
			"status":           models.RetryJobStatusPending,
			"attempts":         0,
			"next_attempt_at":  &now,
			"completed_at":     nil,
			"dead_lettered_at": nil,
			"locked_at":        nil,
			"locked_by":        nil,
		}).Error
	if err != nil {
		return nil, err
	}
	retryJobsTotal.WithLabelValues(p.OperationType, "reopened").Inc()
	return q.Get(ctx, job.ID)
}

// Dispatch runs the operation inline once. A transient failure becomes a durable job;
// a fatal one is written straight to DEAD_LETTERED and alerted. The error is non-nil
// only when the outcome could not be persisted.
func (q *RetryQueue) Dispatch(ctx context.Context, p EnqueueParams) (DispatchOutcome, error) {
	if err := validateEnqueue(p); err != nil {
		return "", err
	}
	op, ok := q.operation(p.OperationType)
	if !ok {
		cause := Fatal("dispatch", fmt.Errorf("no operation registered for %q", p.OperationType))
		if err := q.deadLetterNew(ctx, p, cause); err != nil {
			return "", err
		}
		return DispatchDeadLettered, nil
	}

	inline := q.newJob(p, models.RetryJobStatusProcessing)
	inline.Attempts = 1
	err := op(appctx.SetTenantId(ctx, p.TenantId), inline)
	if err == nil {
		retryJobsTotal.WithLabelValues(p.OperationType, "inline_completed").Inc()
		return DispatchCompleted, nil
	}

	if IsTransient(err) {
		p.Attempts = 1
		p.LastError = err
		if _, _, enqErr := q.Enqueue(ctx, p); enqErr != nil {
			return "", fmt.Errorf("%v; enqueue retry: %w", err, enqErr)
		}
		if q.Logger != nil {
			q.Logger.WithFields(logrus.Fields{
				"field":           "RetryQueue.Dispatch",
				"tenant_id":       p.TenantId,
				"operation_type":  p.OperationType,
				"idempotency_key": p.IdempotencyKey,
			}).Warn("inline attempt failed, deferred to retry queue: " + err.Error())
		}
		return DispatchDeferred, nil
	}

	if err := q.deadLetterNew(ctx, p, err); err != nil {
		return "", err
	}
	return DispatchDeadLettered, nil
}

// deadLetterNew records work that failed fatally before it ever had a job row.
// An existing row for the same key is moved to DEAD_LETTERED.
func (q *RetryQueue) deadLetterNew(ctx context.Context, p EnqueueParams, cause error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	p.LastError = cause
	job := q.newJob(p, models.RetryJobStatusDeadLettered)
	now := time.Now().UTC()
	job.NextAttemptAt = nil
	job.DeadLetteredAt = &now

	err := q.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   retryJobUniqueColumns,
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_error", "dead_lettered_at", "next_attempt_at", "locked_at", "locked_by", "updated_at"}),
	}).Create(&job).Error
	if err != nil {
		return fmt.Errorf("dead-letter %s/%s: %w", p.OperationType, p.IdempotencyKey, err)
	}
	retryJobsTotal.WithLabelValues(p.OperationType, "dead_lettered").Inc()
	q.alert(ctx, job, cause)
	return nil
}

// deadLetter moves a live job to DEAD_LETTERED and alerts. A job that another
// worker already finished is left alone and reported as not moved. A non-empty
// lockedBy only moves the job while that worker still holds its claim.
func (q *RetryQueue) deadLetter(ctx context.Context, job models.RetryJob, lockedBy string, cause error) (bool, error) {
	now := time.Now().UTC()
	msg := cause.Error()
	db := q.DB.WithContext(appctx.WithoutTenantScope(ctx)).
		Model(&models.RetryJob{}).
		Where("id = ? AND status IN ?", job.ID, []models.RetryJobStatus{models.RetryJobStatusPending, models.RetryJobStatusProcessing})
	if lockedBy != "" {
		db = db.Where("locked_by = ?", lockedBy)
	}
	res := db.Updates(map[string]interface{}{
		"status":           models.RetryJobStatusDeadLettered,
		"last_error":       &msg,
		"dead_lettered_at": &now,
		"next_attempt_at":  nil,
		"locked_at":        nil,
		"locked_by":        nil,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	job.Status = models.RetryJobStatusDeadLettered
	retryJobsTotal.WithLabelValues(job.OperationType, "dead_lettered").Inc()
	q.alert(ctx, job, cause)
	return true, nil
}

func (q *RetryQueue) alert(ctx context.Context, job models.RetryJob, cause error) {
	if q.Alerter == nil {
		return
	}
	_ = q.Alerter.Alert(ctx, Alert{
		Kind:           AlertDeadLettered,
		TenantId:       job.TenantId,
		JobId:          job.ID,
		OperationType:  job.OperationType,
		IdempotencyKey: job.IdempotencyKey,
		Attempts:       job.Attempts,
		Reason:         cause.Error(),
		CorrelationId:  job.CorrelationId,
		At:             time.Now().UTC(),
	})
}

// Requeue is the operator action for a dead-lettered job: back to PENDING with a
// fresh attempt budget. The idempotency key is unchanged.
func (q *RetryQueue) Requeue(ctx context.Context, jobID int) (*models.RetryJob, error) {
	ctx = appctx.WithoutTenantScope(ctx)
	now := time.Now().UTC()
	res := q.DB.WithContext(ctx).
		Model(&models.RetryJob{}).
		Where("id = ? AND status = ?", jobID, models.RetryJobStatusDeadLettered).
		Updates(map[string]interface{}{
			"status":           models.RetryJobStatusPending,
			"attempts":         0,
			"next_attempt_at":  &now,
			"dead_lettered_at": nil,
			"locked_at":        nil,
			"locked_by":        nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 && job.Status == models.RetryJobStatusCompleted {
		return job, validationErrorf("retry job %d is %s; only DEAD_LETTERED jobs can be requeued", jobID, job.Status)
	}
	if res.RowsAffected > 0 {
		retryJobsTotal.WithLabelValues(job.OperationType, "requeued").Inc()
	}
	return job, nil
}

func (q *RetryQueue) Get(ctx context.Context, jobID int) (*models.RetryJob, error) {
	var job models.RetryJob
	err := q.DB.WithContext(appctx.WithoutTenantScope(ctx)).Where("id = ?", jobID).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRetryJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs by status, oldest first. An empty status lists every job and
// an empty tenantId lists every tenant. The tenant filter comes from the tenant guard.
func (q *RetryQueue) List(ctx context.Context, tenantId string, status models.RetryJobStatus, limit int) ([]models.RetryJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if tenantId != "" {
		ctx = appctx.WithTenantScope(ctx, tenantId)
	} else {
		ctx = appctx.WithoutTenantScope(ctx)
	}
	db := q.DB.WithContext(ctx).Order("id ASC").Limit(limit)
	if status != "" {
		db = db.Where("status = ?", status)
	}
	var jobs []models.RetryJob
	if err := db.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
