package workflow

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/mmdatafocus/booking_backend/provider"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "s3cret"

// newTestDB opens a private in-memory sqlite database with the schema migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := config.OpenDatabase(config.DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, models.MigrateTable(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testSettings() config.Settings {
	return config.Settings{
		LockWaitTimeout:  5 * time.Second,
		OperationTimeout: 10 * time.Second,

		RetryBaseBackoff:  time.Millisecond,
		RetryMaxBackoff:   10 * time.Millisecond,
		RetryMaxAttempts:  5,
		RetryBatchSize:    50,
		RetryPollInterval: 5 * time.Millisecond,
		RetryLockTTL:      time.Minute,
		RetryConcurrency:  4,

		SweepInterval:        time.Minute,
		SweepStaleAfter:      time.Minute,
		SweepBatchSize:       100,
		IdempotencyRetention: time.Hour,
	}
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) all() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// fakeRefunds counts refund calls per idempotency key. fail, when set, decides the
// outcome of the nth call for a key.
type fakeRefunds struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(key string, n int) error
}

func newFakeRefunds() *fakeRefunds {
	return &fakeRefunds{calls: map[string]int{}}
}

func (f *fakeRefunds) Refund(_ context.Context, key string, _ provider.RefundRequest) (*provider.RefundResponse, error) {
	f.mu.Lock()
	f.calls[key]++
	n := f.calls[key]
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		if err := fail(key, n); err != nil {
			return nil, err
		}
	}
	return &provider.RefundResponse{RefundId: "rf_" + key, Status: "succeeded", AlreadyApplied: n > 1}, nil
}

func (f *fakeRefunds) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type testEnv struct {
	DB       *gorm.DB
	Services *Services
	Alerts   *recordingAlerter
	Refunds  *fakeRefunds
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	alerts := &recordingAlerter{}
	refunds := newFakeRefunds()
	svc := NewServices(db, quietLogger(), testSettings(), refunds, alerts, nil)
	svc.Gateway.Secrets = func(string) string { return testSecret }
	return &testEnv{DB: db, Services: svc, Alerts: alerts, Refunds: refunds}
}

func (e *testEnv) resource(t *testing.T, tenantId, resourceId string, capacity int) {
	t.Helper()
	_, err := e.Services.Executor.UpsertResource(context.Background(), models.Resource{
		TenantId:   tenantId,
		ResourceId: resourceId,
		Name:       resourceId,
		Capacity:   capacity,
	})
	require.NoError(t, err)
}

func (e *testEnv) job(t *testing.T, tenantId, operationType, key string) models.RetryJob {
	t.Helper()
	var job models.RetryJob
	require.NoError(t, e.DB.
		Where("tenant_id = ? AND operation_type = ? AND idempotency_key = ?", tenantId, operationType, key).
		Take(&job).Error)
	return job
}

func (e *testEnv) record(t *testing.T, tenantId, eventId string) models.IdempotencyRecord {
	t.Helper()
	rec, err := e.Services.Store.Get(context.Background(), tenantId, eventId)
	require.NoError(t, err)
	return *rec
}
