package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates/updates the ledger, reservation and job tables.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&IdempotencyRecord{},
		&Resource{},
		&ReservationAttempt{},
		&RetryJob{},
	)
}
