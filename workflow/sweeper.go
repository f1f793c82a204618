package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/booking_backend/appctx"
	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/sirupsen/logrus"
)

const sweeperLockKey = "lock:sweeper"

// SweepReport counts what one pass changed.
type SweepReport struct {
	StaleReplayed    int `json:"stale_replayed"`
	StaleFlagged     int `json:"stale_flagged"`
	FailedRequeued   int `json:"failed_requeued"`
	JobsDeadLettered int `json:"jobs_dead_lettered"`
	RecordsPurged    int `json:"records_purged"`
	JobsPurged       int `json:"jobs_purged"`
}

// Sweeper finds state left behind by crashes and exhausted retries and settles it.
// Every action is conditional on the row still being in the state that was read,
// so concurrent sweepers are harmless; the Redis lock only avoids wasted work.
type Sweeper struct {
	Store   *IdempotencyStore
	Queue   *RetryQueue
	Gateway *Gateway
	Alerter Alerter
	Locker  *redislock.Client
	Logger  *logrus.Logger

	Interval   time.Duration
	StaleAfter time.Duration
	Retention  time.Duration
	BatchSize  int
}

func NewSweeper(gateway *Gateway, alerter Alerter, locker *redislock.Client, logger *logrus.Logger, settings config.Settings) *Sweeper {
	return &Sweeper{
		Store:      gateway.Store,
		Queue:      gateway.Queue,
		Gateway:    gateway,
		Alerter:    alerter,
		Locker:     locker,
		Logger:     logger,
		Interval:   settings.SweepInterval,
		StaleAfter: settings.SweepStaleAfter,
		Retention:  settings.IdempotencyRetention,
		BatchSize:  settings.SweepBatchSize,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLocked(ctx, interval)
		}
	}
}

func (s *Sweeper) sweepLocked(ctx context.Context, ttl time.Duration) {
	var lock *redislock.Lock
	if s.Locker != nil {
		var err error
		lock, err = s.Locker.Obtain(ctx, sweeperLockKey, ttl, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			// Another instance is sweeping.
			return
		}
		if err != nil {
			s.log().Warn("error obtaining sweeper lock; sweeping without it: " + err.Error())
			lock = nil
		}
	}
	defer func() {
		if lock != nil {
			_ = lock.Release(context.WithoutCancel(ctx))
		}
	}()

	report, err := s.SweepOnce(ctx)
	if err != nil && ctx.Err() == nil {
		config.LogError(s.Logger, "sweeper.go", "sweepLocked", "SweepOnce", report, err)
		return
	}
	if report != (SweepReport{}) {
		s.log().WithFields(logrus.Fields{
			"stale_replayed":     report.StaleReplayed,
			"stale_flagged":      report.StaleFlagged,
			"failed_requeued":    report.FailedRequeued,
			"jobs_dead_lettered": report.JobsDeadLettered,
			"records_purged":     report.RecordsPurged,
			"jobs_purged":        report.JobsPurged,
		}).Info("sweep finished")
	}
}

func (s *Sweeper) log() *logrus.Entry {
	logger := s.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithField("field", "Sweeper")
}

func (s *Sweeper) batch() int {
	if s.BatchSize <= 0 {
		return 200
	}
	return s.BatchSize
}

// SweepOnce runs every sweep step once, across all tenants.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	ctx = appctx.WithoutTenantScope(ctx)
	var report SweepReport
	steps := []func(context.Context, *SweepReport) error{
		s.releaseStaleRecords,
		s.requeueFailedRecords,
		s.deadLetterExhaustedJobs,
		s.purgeCompleted,
	}
	for _, step := range steps {
		if err := step(ctx, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// releaseStaleRecords handles events whose owner died while PROCESSING.
func (s *Sweeper) releaseStaleRecords(ctx context.Context, report *SweepReport) error {
	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	staleBefore := time.Now().UTC().Add(-staleAfter)

	var stale []models.IdempotencyRecord
	if err := s.Store.DB.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", models.IdempotencyStatusProcessing, staleBefore).
		Order("id ASC").
		Limit(s.batch()).
		Find(&stale).Error; err != nil {
		return err
	}

	for _, rec := range stale {
		replayable := s.Gateway.Replayable(rec.EventType)
		moved, err := s.Store.ReleaseStale(ctx, rec.TenantId, rec.EventId, staleBefore, !replayable)
		if err != nil {
			return err
		}
		if !moved {
			continue
		}
		if !replayable {
			report.StaleFlagged++
			sweepActionsTotal.WithLabelValues("stale_flagged").Inc()
			if s.Alerter != nil {
				_ = s.Alerter.Alert(ctx, Alert{
					Kind:     AlertNeedsReview,
					TenantId: rec.TenantId,
					EventId:  rec.EventId,
					Reason:   "event stuck in PROCESSING and its handler cannot be replayed safely",
					At:       time.Now().UTC(),
				})
			}
			continue
		}
		env := Envelope{EventId: rec.EventId, Type: rec.EventType, TenantId: rec.TenantId}
		if _, err := s.Queue.EnqueueOrReopen(ctx, s.Gateway.replayParams(env, "", 0, errors.New("stale in PROCESSING"))); err != nil {
			return err
		}
		report.StaleReplayed++
		sweepActionsTotal.WithLabelValues("stale_replayed").Inc()
	}
	return nil
}

// requeueFailedRecords gives a replay job to FAILED events that lost theirs,
// for example when the enqueue after a transient failure did not commit.
func (s *Sweeper) requeueFailedRecords(ctx context.Context, report *SweepReport) error {
	var orphans []models.IdempotencyRecord
	if err := s.Store.DB.WithContext(ctx).
		Where("status = ? AND needs_review = ?", models.IdempotencyStatusFailed, false).
		Where(`NOT EXISTS (
			SELECT 1 FROM retry_jobs j
			WHERE j.tenant_id = idempotency_records.tenant_id
			  AND j.operation_type = ?
			  AND j.idempotency_key = idempotency_records.event_id
		)`, OperationReplayEvent).
		Order("id ASC").
		Limit(s.batch()).
		Find(&orphans).Error; err != nil {
		return err
	}
	for _, rec := range orphans {
		env := Envelope{EventId: rec.EventId, Type: rec.EventType, TenantId: rec.TenantId}
		_, created, err := s.Queue.Enqueue(ctx, s.Gateway.replayParams(env, "", 0, nil))
		if err != nil {
			return err
		}
		if created {
			report.FailedRequeued++
			sweepActionsTotal.WithLabelValues("failed_requeued").Inc()
		}
	}
	return nil
}

// deadLetterExhaustedJobs catches PENDING jobs whose budget is spent but that no
// worker has claimed, for example after max_attempts was lowered.
func (s *Sweeper) deadLetterExhaustedJobs(ctx context.Context, report *SweepReport) error {
	var jobs []models.RetryJob
	if err := s.Queue.DB.WithContext(ctx).
		Where("status = ? AND max_attempts > 0 AND attempts >= max_attempts", models.RetryJobStatusPending).
		Order("id ASC").
		Limit(s.batch()).
		Find(&jobs).Error; err != nil {
		return err
	}
	for _, job := range jobs {
		moved, err := s.Queue.deadLetter(ctx, job, "", errors.New("max attempts exceeded"))
		if err != nil {
			return err
		}
		if moved {
			report.JobsDeadLettered++
			sweepActionsTotal.WithLabelValues("jobs_dead_lettered").Inc()
		}
	}
	return nil
}

// purgeCompleted deletes COMPLETED ledger rows and jobs past retention in batches.
// FAILED records and DEAD_LETTERED jobs are never purged.
func (s *Sweeper) purgeCompleted(ctx context.Context, report *SweepReport) error {
	retention := s.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	for {
		var ids []int
		if err := s.Store.DB.WithContext(ctx).
			Model(&models.IdempotencyRecord{}).
			Where("status = ? AND processed_at IS NOT NULL AND processed_at <= ?", models.IdempotencyStatusCompleted, cutoff).
			Order("id ASC").
			Limit(s.batch()).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		res := s.Store.DB.WithContext(ctx).
			Where("id IN ? AND status = ?", ids, models.IdempotencyStatusCompleted).
			Delete(&models.IdempotencyRecord{})
		if res.Error != nil {
			return res.Error
		}
		report.RecordsPurged += int(res.RowsAffected)
		sweepActionsTotal.WithLabelValues("records_purged").Add(float64(res.RowsAffected))
		if len(ids) < s.batch() {
			break
		}
	}

	for {
		var ids []int
		if err := s.Queue.DB.WithContext(ctx).
			Model(&models.RetryJob{}).
			Where("status = ? AND completed_at IS NOT NULL AND completed_at <= ?", models.RetryJobStatusCompleted, cutoff).
			Order("id ASC").
			Limit(s.batch()).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		res := s.Queue.DB.WithContext(ctx).
			Where("id IN ? AND status = ?", ids, models.RetryJobStatusCompleted).
			Delete(&models.RetryJob{})
		if res.Error != nil {
			return res.Error
		}
		report.JobsPurged += int(res.RowsAffected)
		sweepActionsTotal.WithLabelValues("jobs_purged").Add(float64(res.RowsAffected))
		if len(ids) < s.batch() {
			break
		}
	}
	return nil
}
