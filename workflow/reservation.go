package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/booking_backend/appctx"
	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("booking-backend")

// Lock resource type for reservation slots.
const slotResourceType = "slot"

type ReserveRequest struct {
	TenantId       string `json:"tenant_id" validate:"required"`
	ResourceId     string `json:"resource_id" validate:"required"`
	SlotKey        string `json:"slot_key" validate:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ReserveResult is a confirmed reservation. Replayed is true when the idempotency
// key already had a confirmed reservation and no new capacity was consumed.
type ReserveResult struct {
	Attempt  models.ReservationAttempt
	Replayed bool
}

// Executor performs capacity-bounded writes. Every read that decides a write
// happens after the slot lock is held.
type Executor struct {
	DB               *gorm.DB
	Locks            *LockCoordinator
	Logger           *logrus.Logger
	OperationTimeout time.Duration
}

func NewExecutor(db *gorm.DB, locks *LockCoordinator, logger *logrus.Logger, opTimeout time.Duration) *Executor {
	return &Executor{DB: db, Locks: locks, Logger: logger, OperationTimeout: opTimeout}
}

func slotLockKey(resourceId, slotKey string) string {
	return resourceId + "|" + slotKey
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.OperationTimeout)
}

// Reserve confirms one unit of a slot's capacity, or returns *ConflictError when
// the slot is full. A keyed rejection is stored, so the same key keeps getting
// the conflict even after capacity frees up. A key whose reservation was
// cancelled gets ErrReservationCancelled.
func (e *Executor) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if req.TenantId == "" || req.ResourceId == "" || req.SlotKey == "" {
		return nil, validationErrorf("tenant_id, resource_id and slot_key are required")
	}
	ctx = appctx.SetTenantId(ctx, req.TenantId)
	ctx, span := tracer.Start(ctx, "workflow.Reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantId),
		attribute.String("resource_id", req.ResourceId),
		attribute.String("slot_key", req.SlotKey),
	)

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var result ReserveResult
	var rejected *ConflictError
	err := e.Locks.WithResourceLock(ctx, req.TenantId, slotResourceType, slotLockKey(req.ResourceId, req.SlotKey), func(tx *gorm.DB) error {
		if req.IdempotencyKey != "" {
			var existing models.ReservationAttempt
			err := tx.Where("tenant_id = ? AND idempotency_key = ?", req.TenantId, req.IdempotencyKey).Take(&existing).Error
			if err == nil {
				switch existing.Status {
				case models.ReservationStatusConfirmed:
					result = ReserveResult{Attempt: existing, Replayed: true}
					return nil
				case models.ReservationStatusCancelled:
					return Fatal("reserve", fmt.Errorf("%w: %s", ErrReservationCancelled, req.IdempotencyKey))
				default:
					// The key was already turned away; the answer does not change when the slot frees up.
					capacity, confirmed, err := slotUsage(tx, req.TenantId, existing.ResourceId, existing.SlotKey)
					if err != nil {
						return err
					}
					rejected = &ConflictError{
						TenantId:   req.TenantId,
						ResourceId: existing.ResourceId,
						SlotKey:    existing.SlotKey,
						Capacity:   capacity,
						Confirmed:  confirmed,
						Replayed:   true,
					}
					return nil
				}
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		capacity, confirmed, err := slotUsage(tx, req.TenantId, req.ResourceId, req.SlotKey)
		if err != nil {
			return err
		}

		attempt := models.ReservationAttempt{
			TenantId:   req.TenantId,
			ResourceId: req.ResourceId,
			SlotKey:    req.SlotKey,
			Status:     models.ReservationStatusConfirmed,
		}
		if confirmed >= capacity {
			rejected = &ConflictError{
				TenantId:   req.TenantId,
				ResourceId: req.ResourceId,
				SlotKey:    req.SlotKey,
				Capacity:   capacity,
				Confirmed:  confirmed,
			}
			if req.IdempotencyKey == "" {
				return nil
			}
			attempt.Status = models.ReservationStatusRejected
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			attempt.IdempotencyKey = &key
		}
		if err := tx.Create(&attempt).Error; err != nil {
			if isDuplicateKeyErr(err) {
				// Same key already booked a different slot.
				return Fatal("reserve", fmt.Errorf("idempotency key %q already used by another reservation", req.IdempotencyKey))
			}
			return err
		}
		if rejected == nil {
			result = ReserveResult{Attempt: attempt}
		}
		return nil
	})
	// A rejection commits its REJECTED row, so the conflict surfaces only after the lock is released.
	if err == nil && rejected != nil {
		err = rejected
	}

	switch {
	case err == nil && result.Replayed:
		reservationOutcomesTotal.WithLabelValues("replayed").Inc()
	case err == nil:
		reservationOutcomesTotal.WithLabelValues("confirmed").Inc()
	case IsConflict(err):
		reservationOutcomesTotal.WithLabelValues("conflict").Inc()
		span.SetAttributes(attribute.Bool("conflict", true))
	default:
		reservationOutcomesTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.Logger != nil {
			e.Logger.WithFields(logrus.Fields{
				"field":       "Reserve",
				"tenant_id":   req.TenantId,
				"resource_id": req.ResourceId,
				"slot_key":    req.SlotKey,
			}).Error(err)
		}
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// slotUsage reads a slot's capacity and confirmed count. Callers hold the slot lock.
func slotUsage(tx *gorm.DB, tenantId, resourceId, slotKey string) (int, int, error) {
	var resource models.Resource
	err := tx.Where("tenant_id = ? AND resource_id = ?", tenantId, resourceId).Take(&resource).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, Fatal("reserve", fmt.Errorf("%w: %s", ErrResourceNotFound, resourceId))
	}
	if err != nil {
		return 0, 0, err
	}
	var confirmed int64
	if err := tx.Model(&models.ReservationAttempt{}).
		Where("tenant_id = ? AND resource_id = ? AND slot_key = ? AND status = ?",
			tenantId, resourceId, slotKey, models.ReservationStatusConfirmed).
		Count(&confirmed).Error; err != nil {
		return 0, 0, err
	}
	return resource.Capacity, int(confirmed), nil
}

// Cancel frees the capacity held by the reservation made with idempotencyKey.
// Cancelling an already cancelled reservation is a no-op, and a rejected one
// is returned unchanged since it never held capacity.
func (e *Executor) Cancel(ctx context.Context, tenantId, idempotencyKey string) (*models.ReservationAttempt, error) {
	if tenantId == "" || idempotencyKey == "" {
		return nil, validationErrorf("tenant_id and idempotency_key are required")
	}
	ctx = appctx.SetTenantId(ctx, tenantId)
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	// resource_id and slot_key never change, so reading them before the lock is safe.
	var found models.ReservationAttempt
	err := e.DB.WithContext(ctx).Where("tenant_id = ? AND idempotency_key = ?", tenantId, idempotencyKey).Take(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}

	var out models.ReservationAttempt
	err = e.Locks.WithResourceLock(ctx, tenantId, slotResourceType, slotLockKey(found.ResourceId, found.SlotKey), func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND tenant_id = ?", found.ID, tenantId).Take(&out).Error; err != nil {
			return err
		}
		if out.Status != models.ReservationStatusConfirmed {
			return nil
		}
		now := time.Now().UTC()
		out.Status = models.ReservationStatusCancelled
		out.CancelledAt = &now
		return tx.Model(&models.ReservationAttempt{}).
			Where("id = ? AND tenant_id = ?", out.ID, tenantId).
			Updates(map[string]interface{}{
				"status":       models.ReservationStatusCancelled,
				"cancelled_at": &now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Availability is an unlocked snapshot for display. It must never gate a write.
func (e *Executor) Availability(ctx context.Context, tenantId, resourceId, slotKey string) (models.Availability, error) {
	out := models.Availability{TenantId: tenantId, ResourceId: resourceId, SlotKey: slotKey}
	if tenantId == "" || resourceId == "" || slotKey == "" {
		return out, validationErrorf("tenant_id, resource_id and slot_key are required")
	}
	db := e.DB.WithContext(appctx.SetTenantId(ctx, tenantId))

	var resource models.Resource
	err := db.Where("tenant_id = ? AND resource_id = ?", tenantId, resourceId).Take(&resource).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, ErrResourceNotFound
	}
	if err != nil {
		return out, err
	}
	var confirmed int64
	if err := db.Model(&models.ReservationAttempt{}).
		Where("tenant_id = ? AND resource_id = ? AND slot_key = ? AND status = ?",
			tenantId, resourceId, slotKey, models.ReservationStatusConfirmed).
		Count(&confirmed).Error; err != nil {
		return out, err
	}
	out.Capacity = resource.Capacity
	out.Confirmed = int(confirmed)
	return out, nil
}

// UpsertResource declares (or re-declares) a resource's per-slot capacity.
func (e *Executor) UpsertResource(ctx context.Context, r models.Resource) (*models.Resource, error) {
	if r.TenantId == "" || r.ResourceId == "" {
		return nil, validationErrorf("tenant_id and resource_id are required")
	}
	if r.Capacity <= 0 {
		return nil, validationErrorf("capacity must be positive, got %d", r.Capacity)
	}
	db := e.DB.WithContext(appctx.SetTenantId(ctx, r.TenantId))
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "resource_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "capacity", "updated_at"}),
	}).Create(&r).Error
	if err != nil {
		config.LogError(e.Logger, "reservation.go", "UpsertResource", "Upserting resource", r, err)
		return nil, err
	}
	return &r, nil
}
