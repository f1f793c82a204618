package workflow

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// serverDatabases opens every real database configured for integration runs.
// Tenants are random per test, so no cleanup between runs is needed.
func serverDatabases(t *testing.T) map[string]*gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires TEST_POSTGRES_DSN and/or TEST_MYSQL_DSN)")
	}
	dbs := map[string]*gorm.DB{}
	for driver, env := range map[string]string{
		config.DriverPostgres: "TEST_POSTGRES_DSN",
		config.DriverMySQL:    "TEST_MYSQL_DSN",
	} {
		dsn := strings.TrimSpace(os.Getenv(env))
		if dsn == "" {
			continue
		}
		db, err := config.OpenDatabase(driver, dsn)
		require.NoError(t, err, driver)
		require.NoError(t, models.MigrateTable(db), driver)
		t.Cleanup(func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		dbs[driver] = db
	}
	if len(dbs) == 0 {
		t.Skip("no TEST_POSTGRES_DSN or TEST_MYSQL_DSN set")
	}
	return dbs
}

func TestIntegration_ReserveUnderContention(t *testing.T) {
	for driver, db := range serverDatabases(t) {
		t.Run(driver, func(t *testing.T) {
			tenant := "it-" + uuid.NewString()
			svc := NewServices(db, quietLogger(), testSettings(), newFakeRefunds(), &recordingAlerter{}, nil)
			_, err := svc.Executor.UpsertResource(context.Background(), models.Resource{
				TenantId: tenant, ResourceId: "room-1", Name: "Room 1", Capacity: 3,
			})
			require.NoError(t, err)

			var mu sync.Mutex
			outcomes := map[string]int{}
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.Executor.Reserve(context.Background(), ReserveRequest{
						TenantId: tenant, ResourceId: "room-1", SlotKey: "s1", IdempotencyKey: uuid.NewString(),
					})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						outcomes["confirmed"]++
					case IsConflict(err):
						outcomes["conflict"]++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 3, outcomes["confirmed"])
			assert.Equal(t, 22, outcomes["conflict"])
		})
	}
}

func TestIntegration_RecordIfNewUnderContention(t *testing.T) {
	for driver, db := range serverDatabases(t) {
		t.Run(driver, func(t *testing.T) {
			store := NewIdempotencyStore(db)
			ev := NewEvent{TenantId: "it-" + uuid.NewString(), EventId: "evt_1", Provider: "stripe", EventType: EventTypeBookingRequested}

			var mu sync.Mutex
			firsts := 0
			var wg sync.WaitGroup
			for i := 0; i < 30; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					isNew, err := store.RecordIfNew(context.Background(), ev)
					assert.NoError(t, err)
					if isNew {
						mu.Lock()
						firsts++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, firsts)
		})
	}
}

func TestIntegration_LockWaitTimesOut(t *testing.T) {
	for driver, db := range serverDatabases(t) {
		t.Run(driver, func(t *testing.T) {
			tenant := "it-" + uuid.NewString()
			locks := NewLockCoordinator(db, quietLogger(), time.Second)

			held := make(chan struct{})
			release := make(chan struct{})
			done := make(chan error, 1)
			go func() {
				done <- locks.WithResourceLock(context.Background(), tenant, "slot", "k", func(*gorm.DB) error {
					close(held)
					<-release
					return nil
				})
			}()
			<-held

			called := false
			err := locks.WithResourceLock(context.Background(), tenant, "slot", "k", func(*gorm.DB) error {
				called = true
				return nil
			})
			assert.ErrorIs(t, err, ErrLockTimeout)
			assert.True(t, IsTransient(err))
			assert.False(t, called)

			// Another key of the same tenant is not blocked.
			require.NoError(t, locks.WithResourceLock(context.Background(), tenant, "slot", "other", func(*gorm.DB) error { return nil }))

			close(release)
			require.NoError(t, <-done)
			require.NoError(t, locks.WithResourceLock(context.Background(), tenant, "slot", "k", func(*gorm.DB) error { return nil }))
		})
	}
}
