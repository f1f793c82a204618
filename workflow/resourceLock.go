package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mmdatafocus/booking_backend/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultLockWait = 5 * time.Second

// LockID derives the advisory lock id for a resource. The tenant is part of the
// hashed input, so identical keys of two tenants never share a lock.
func LockID(tenantId, resourceType, resourceKey string) int64 {
	return int64(xxhash.Sum64String(tenantId + "\x00" + resourceType + "\x00" + resourceKey))
}

// LockCoordinator runs a function inside a transaction that holds a per-resource
// advisory lock. The lock never outlives the transaction.
type LockCoordinator struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	WaitTimeout time.Duration
}

func NewLockCoordinator(db *gorm.DB, logger *logrus.Logger, wait time.Duration) *LockCoordinator {
	if wait <= 0 {
		wait = defaultLockWait
	}
	return &LockCoordinator{DB: db, Logger: logger, WaitTimeout: wait}
}

// WithResourceLock serializes fn against every other caller on the same
// (tenantId, resourceType, resourceKey). A lock that is not granted within the
// wait bound fails with ErrLockTimeout and fn is never called.
func (c *LockCoordinator) WithResourceLock(ctx context.Context, tenantId, resourceType, resourceKey string, fn func(tx *gorm.DB) error) error {
	if tenantId == "" {
		return validationErrorf("tenant_id is required for a resource lock")
	}
	if resourceType == "" || resourceKey == "" {
		return validationErrorf("resource type and key are required for a resource lock")
	}
	id := LockID(tenantId, resourceType, resourceKey)
	wait := c.waitFor(ctx)

	var err error
	switch c.DB.Dialector.Name() {
	case config.DriverPostgres:
		err = c.withPostgresLock(ctx, id, wait, fn)
	case config.DriverMySQL:
		err = c.withMySQLLock(ctx, id, wait, fn)
	default:
		// sqlite: the pool holds a single connection, so the transaction is exclusive.
		start := time.Now()
		err = c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			lockWaitSeconds.WithLabelValues(config.DriverSQLite).Observe(time.Since(start).Seconds())
			return fn(tx)
		})
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrLockTimeout) {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	return err
}

// waitFor is the configured wait, shortened by the caller's deadline.
func (c *LockCoordinator) waitFor(ctx context.Context) time.Duration {
	wait := c.WaitTimeout
	if wait <= 0 {
		wait = defaultLockWait
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < wait {
			wait = left
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (c *LockCoordinator) withPostgresLock(ctx context.Context, id int64, wait time.Duration, fn func(tx *gorm.DB) error) error {
	return c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		start := time.Now()
		if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", wait.Milliseconds())).Error; err != nil {
			return err
		}
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", id).Error; err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
				return fmt.Errorf("%w: lock %d after %s", ErrLockTimeout, id, wait)
			}
			return err
		}
		lockWaitSeconds.WithLabelValues(config.DriverPostgres).Observe(time.Since(start).Seconds())
		return fn(tx)
	})
}

// withMySQLLock pins one pooled connection: GET_LOCK belongs to the session, so the
// transaction must run on the same connection and the lock is released only after
// commit or rollback.
func (c *LockCoordinator) withMySQLLock(ctx context.Context, id int64, wait time.Duration, fn func(tx *gorm.DB) error) error {
	name := fmt.Sprintf("rl:%d", id)
	secs := int(math.Ceil(wait.Seconds()))

	return c.DB.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		start := time.Now()
		var got sql.NullInt64
		if err := conn.Raw("SELECT GET_LOCK(?, ?)", name, secs).Scan(&got).Error; err != nil {
			return err
		}
		if !got.Valid || got.Int64 != 1 {
			return fmt.Errorf("%w: lock %s after %s", ErrLockTimeout, name, wait)
		}
		lockWaitSeconds.WithLabelValues(config.DriverMySQL).Observe(time.Since(start).Seconds())

		defer func() {
			// The caller's context may already be done; the release must still run.
			var released sql.NullInt64
			relErr := conn.WithContext(context.WithoutCancel(ctx)).Raw("SELECT RELEASE_LOCK(?)", name).Scan(&released).Error
			if relErr != nil {
				config.LogError(c.Logger, "resourceLock.go", "withMySQLLock", "RELEASE_LOCK", name, relErr)
			}
		}()
		return conn.Transaction(fn)
	})
}
