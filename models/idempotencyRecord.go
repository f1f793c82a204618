package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusNew        IdempotencyStatus = "NEW"
	IdempotencyStatusProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyStatusCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyStatusFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyRecord is the dedup ledger for inbound provider events.
// Unique constraint: (tenant_id, event_id). The row's existence is what "seen before" means.
type IdempotencyRecord struct {
	ID          int               `gorm:"primary_key" json:"id"`
	TenantId    string            `gorm:"size:64;not null;uniqueIndex:uniq_idem_tenant_event,priority:1;index:idx_idem_tenant_status,priority:1" json:"tenant_id"`
	EventId     string            `gorm:"size:255;not null;uniqueIndex:uniq_idem_tenant_event,priority:2" json:"event_id"`
	Provider    string            `gorm:"size:64;not null" json:"provider"`
	EventType   string            `gorm:"size:100;not null;index" json:"event_type"`
	Payload     []byte            `json:"payload"`
	Status      IdempotencyStatus `gorm:"size:20;not null;index;index:idx_idem_tenant_status,priority:2" json:"status"`
	ResultRef   *string           `gorm:"size:255" json:"result_ref"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	NeedsReview bool              `gorm:"not null;default:false;index" json:"needs_review"`
	ProcessedAt *time.Time        `gorm:"index" json:"processed_at"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime;index" json:"updated_at"`
}
