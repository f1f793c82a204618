package models

import "time"

type RetryJobStatus string

// Retry job statuses. COMPLETED and DEAD_LETTERED are terminal.
const (
	RetryJobStatusPending      RetryJobStatus = "PENDING"
	RetryJobStatusProcessing   RetryJobStatus = "PROCESSING"
	RetryJobStatusCompleted    RetryJobStatus = "COMPLETED"
	RetryJobStatusDeadLettered RetryJobStatus = "DEAD_LETTERED"
)

// RetryJob is durable deferred work. Unique constraint: (tenant_id, operation_type, idempotency_key),
// so enqueueing the same logical work twice is a no-op. IdempotencyKey is passed through to the
// downstream call on every attempt.
type RetryJob struct {
	ID             int            `gorm:"primary_key;index:idx_retry_due,priority:3" json:"id"`
	TenantId       string         `gorm:"size:64;not null;uniqueIndex:uniq_retry_job,priority:1" json:"tenant_id"`
	OperationType  string         `gorm:"size:64;not null;uniqueIndex:uniq_retry_job,priority:2" json:"operation_type"`
	IdempotencyKey string         `gorm:"size:255;not null;uniqueIndex:uniq_retry_job,priority:3" json:"idempotency_key"`
	Payload        []byte         `json:"payload"`
	Status         RetryJobStatus `gorm:"size:20;not null;default:'PENDING';index:idx_retry_due,priority:1" json:"status"`
	Attempts       int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts    int            `gorm:"not null" json:"max_attempts"`
	NextAttemptAt  *time.Time     `gorm:"index:idx_retry_due,priority:2" json:"next_attempt_at"`
	LastError      *string        `gorm:"type:text" json:"last_error"`
	LockedAt       *time.Time     `gorm:"index" json:"locked_at"`
	LockedBy       *string        `gorm:"size:100" json:"locked_by"`
	CompletedAt    *time.Time     `gorm:"index" json:"completed_at"`
	DeadLetteredAt *time.Time     `json:"dead_lettered_at"`
	CorrelationId  string         `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (j RetryJob) IsTerminal() bool {
	return j.Status == RetryJobStatusCompleted || j.Status == RetryJobStatusDeadLettered
}
