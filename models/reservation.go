package models

import "time"

type ReservationStatus string

const (
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
	// ReservationStatusRejected records a keyed attempt turned away by a full slot. It holds no capacity.
	ReservationStatusRejected ReservationStatus = "REJECTED"
)

// Resource declares how many confirmed reservations one slot of it can hold.
type Resource struct {
	ID         int       `gorm:"primary_key" json:"id"`
	TenantId   string    `gorm:"size:64;not null;uniqueIndex:uniq_resource_tenant,priority:1" json:"tenant_id"`
	ResourceId string    `gorm:"size:128;not null;uniqueIndex:uniq_resource_tenant,priority:2" json:"resource_id"`
	Name       string    `gorm:"size:255" json:"name"`
	Capacity   int       `gorm:"not null" json:"capacity"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReservationAttempt is one booking of a slot. Only CONFIRMED rows consume capacity.
// Rows are only written while the slot's advisory lock is held.
type ReservationAttempt struct {
	ID             int               `gorm:"primary_key" json:"id"`
	TenantId       string            `gorm:"size:64;not null;index:idx_reservation_slot,priority:1;uniqueIndex:uniq_reservation_idem,priority:1" json:"tenant_id"`
	ResourceId     string            `gorm:"size:128;not null;index:idx_reservation_slot,priority:2" json:"resource_id"`
	SlotKey        string            `gorm:"size:128;not null;index:idx_reservation_slot,priority:3" json:"slot_key"`
	Status         ReservationStatus `gorm:"size:20;not null;index:idx_reservation_slot,priority:4" json:"status"`
	IdempotencyKey *string           `gorm:"size:255;uniqueIndex:uniq_reservation_idem,priority:2" json:"idempotency_key"`
	CancelledAt    *time.Time        `json:"cancelled_at"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// Availability is an advisory snapshot of one slot; never used to decide a reservation.
type Availability struct {
	TenantId   string `json:"tenant_id"`
	ResourceId string `json:"resource_id"`
	SlotKey    string `json:"slot_key"`
	Capacity   int    `json:"capacity"`
	Confirmed  int    `json:"confirmed"`
}

func (a Availability) Remaining() int {
	if a.Confirmed >= a.Capacity {
		return 0
	}
	return a.Capacity - a.Confirmed
}
