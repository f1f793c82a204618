package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/mmdatafocus/booking_backend/models"
	"gorm.io/gorm"
)

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// NewEvent is what the gateway knows about an event at first sighting.
type NewEvent struct {
	TenantId  string
	EventId   string
	Provider  string
	EventType string
	Payload   []byte
}

// IdempotencyStore is the atomic dedup ledger keyed by (tenant_id, event_id).
type IdempotencyStore struct {
	DB *gorm.DB
}

func NewIdempotencyStore(db *gorm.DB) *IdempotencyStore {
	return &IdempotencyStore{DB: db}
}

// RecordIfNew inserts a PROCESSING row and reports whether this is the first sighting.
// A unique violation means duplicate (false, nil). Every other error is returned unchanged
// and must not be read as "duplicate". No read precedes the insert.
func (s *IdempotencyStore) RecordIfNew(ctx context.Context, ev NewEvent) (bool, error) {
	if ev.TenantId == "" || ev.EventId == "" {
		return false, validationErrorf("tenant_id and event_id are required")
	}
	rec := models.IdempotencyRecord{
		TenantId:  ev.TenantId,
		EventId:   ev.EventId,
		Provider:  ev.Provider,
		EventType: ev.EventType,
		Payload:   ev.Payload,
		Status:    models.IdempotencyStatusProcessing,
	}
	err := s.DB.WithContext(ctx).Create(&rec).Error
	if err == nil {
		recordsCreatedTotal.Inc()
		return true, nil
	}
	if isDuplicateKeyErr(err) {
		return false, nil
	}
	return false, err
}

func (s *IdempotencyStore) Get(ctx context.Context, tenantId, eventId string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.DB.WithContext(ctx).
		Where("tenant_id = ? AND event_id = ?", tenantId, eventId).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *IdempotencyStore) MarkCompleted(ctx context.Context, tenantId, eventId, resultRef string) error {
	now := time.Now().UTC()
	var ref *string
	if resultRef != "" {
		ref = &resultRef
	}
	return s.update(ctx, tenantId, eventId, map[string]interface{}{
		"status":       models.IdempotencyStatusCompleted,
		"result_ref":   ref,
		"processed_at": &now,
		"last_error":   nil,
		"needs_review": false,
	})
}

// MarkFailed makes the event eligible for sweeper-driven reprocessing. It is not "duplicate forever".
func (s *IdempotencyStore) MarkFailed(ctx context.Context, tenantId, eventId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.update(ctx, tenantId, eventId, map[string]interface{}{
		"status":     models.IdempotencyStatusFailed,
		"last_error": &msg,
	})
}

// FlagForReview parks a failed event for an operator; the sweeper no longer re-drives it.
func (s *IdempotencyStore) FlagForReview(ctx context.Context, tenantId, eventId, reason string) error {
	return s.update(ctx, tenantId, eventId, map[string]interface{}{
		"status":       models.IdempotencyStatusFailed,
		"needs_review": true,
		"last_error":   &reason,
	})
}

// ReleaseStale moves a PROCESSING row untouched since staleBefore out of PROCESSING,
// either to FAILED (replay) or to FAILED+needs_review. It reports false when the row
// moved on in the meantime.
func (s *IdempotencyStore) ReleaseStale(ctx context.Context, tenantId, eventId string, staleBefore time.Time, review bool) (bool, error) {
	reason := "stale in PROCESSING"
	res := s.DB.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("tenant_id = ? AND event_id = ? AND status = ? AND updated_at <= ?",
			tenantId, eventId, models.IdempotencyStatusProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":       models.IdempotencyStatusFailed,
			"needs_review": review,
			"last_error":   &reason,
		})
	if res.Error != nil {
		return false, fmt.Errorf("release stale record %s/%s: %w", tenantId, eventId, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ReopenForReplay clears the review flag so the event can be re-driven.
func (s *IdempotencyStore) ReopenForReplay(ctx context.Context, tenantId, eventId, reason string) error {
	return s.update(ctx, tenantId, eventId, map[string]interface{}{
		"status":       models.IdempotencyStatusFailed,
		"needs_review": false,
		"last_error":   &reason,
	})
}

func (s *IdempotencyStore) update(ctx context.Context, tenantId, eventId string, fields map[string]interface{}) error {
	res := s.DB.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("tenant_id = ? AND event_id = ?", tenantId, eventId).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update idempotency record %s/%s: %w", tenantId, eventId, res.Error)
	}
	return nil
}
