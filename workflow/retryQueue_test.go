package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/booking_backend/appctx"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyOp fails with failWith for the first failures calls and succeeds after.
type flakyOp struct {
	mu       sync.Mutex
	failures int
	failWith error
	keys     []string
}

func (f *flakyOp) run(_ context.Context, job models.RetryJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, job.IdempotencyKey)
	if len(f.keys) <= f.failures {
		return f.failWith
	}
	return nil
}

func (f *flakyOp) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

// drain runs the worker until no job is due or the budget of passes is spent.
func drain(t *testing.T, w *RetryWorker, passes int) {
	t.Helper()
	for i := 0; i < passes; i++ {
		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		time.Sleep(15 * time.Millisecond)
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	q := &RetryQueue{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	assert.Equal(t, time.Duration(0), q.Backoff(0))
	assert.Equal(t, time.Second, q.Backoff(1))
	assert.Equal(t, 2*time.Second, q.Backoff(2))
	assert.Equal(t, 4*time.Second, q.Backoff(3))
	assert.Equal(t, 8*time.Second, q.Backoff(4))
	assert.Equal(t, 10*time.Second, q.Backoff(5))
	assert.Equal(t, 10*time.Second, q.Backoff(50))
}

func TestEnqueue_SameKeyIsOneJob(t *testing.T) {
	env := newTestEnv(t)
	p := EnqueueParams{TenantId: "t1", OperationType: "notify", IdempotencyKey: "k1", Payload: []byte(`{}`)}

	first, created, err := env.Services.Queue.Enqueue(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := env.Services.Queue.Enqueue(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	var n int64
	require.NoError(t, env.DB.Model(&models.RetryJob{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	_, _, err = env.Services.Queue.Enqueue(context.Background(), EnqueueParams{TenantId: "t1", OperationType: "notify"})
	assert.True(t, IsValidation(err))
}

func TestRetryWorker_FailFailSucceed(t *testing.T) {
	env := newTestEnv(t)
	op := &flakyOp{failures: 2, failWith: errors.New("connection reset")}
	env.Services.Queue.Register("notify", op.run)

	_, _, err := env.Services.Queue.Enqueue(context.Background(), EnqueueParams{
		TenantId: "t1", OperationType: "notify", IdempotencyKey: "k1", Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	drain(t, env.Services.Worker, 5)

	job := env.job(t, "t1", "notify", "k1")
	assert.Equal(t, models.RetryJobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.LockedBy)
	assert.Equal(t, []string{"k1", "k1", "k1"}, op.calls())
	assert.Empty(t, env.Alerts.all())
}

func TestRetryWorker_ExhaustedJobIsDeadLettered(t *testing.T) {
	env := newTestEnv(t)
	op := &flakyOp{failures: 100, failWith: errors.New("timeout")}
	env.Services.Queue.Register("notify", op.run)

	_, _, err := env.Services.Queue.Enqueue(context.Background(), EnqueueParams{
		TenantId: "t1", OperationType: "notify", IdempotencyKey: "k1", Payload: []byte(`{}`), MaxAttempts: 3,
	})
	require.NoError(t, err)

	drain(t, env.Services.Worker, 6)

	job := env.job(t, "t1", "notify", "k1")
	assert.Equal(t, models.RetryJobStatusDeadLettered, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.NotNil(t, job.DeadLetteredAt)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "timeout")
	assert.Len(t, op.calls(), 3)

	alerts := env.Alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDeadLettered, alerts[0].Kind)
	assert.Equal(t, job.ID, alerts[0].JobId)
	assert.Equal(t, "k1", alerts[0].IdempotencyKey)
}

func TestRetryWorker_FatalErrorDeadLettersImmediately(t *testing.T) {
	env := newTestEnv(t)
	op := &flakyOp{failures: 100, failWith: Fatal("notify", errors.New("rejected"))}
	env.Services.Queue.Register("notify", op.run)

	_, _, err := env.Services.Queue.Enqueue(context.Background(), EnqueueParams{
		TenantId: "t1", OperationType: "notify", IdempotencyKey: "k1", Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	drain(t, env.Services.Worker, 3)

	job := env.job(t, "t1", "notify", "k1")
	assert.Equal(t, models.RetryJobStatusDeadLettered, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Len(t, env.Alerts.all(), 1)
}

func TestRetryWorker_ReclaimsStaleLock(t *testing.T) {
	env := newTestEnv(t)
	op := &flakyOp{}
	env.Services.Queue.Register("notify", op.run)

	lockedAt := time.Now().UTC().Add(-2 * time.Minute)
	owner := "dead-worker"
	require.NoError(t, env.DB.Create(&models.RetryJob{
		TenantId: "t1", OperationType: "notify", IdempotencyKey: "k1",
		Status: models.RetryJobStatusProcessing, Attempts: 1, MaxAttempts: 5,
		LockedAt: &lockedAt, LockedBy: &owner,
	}).Error)

	n, err := env.Services.Worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job := env.job(t, "t1", "notify", "k1")
	assert.Equal(t, models.RetryJobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestRetryWorker_UnknownOperationDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Services.Queue.Enqueue(context.Background(), EnqueueParams{
		TenantId: "t1", OperationType: "nobody-home", IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	drain(t, env.Services.Worker, 1)
	assert.Equal(t, models.RetryJobStatusDeadLettered, env.job(t, "t1", "nobody-home", "k1").Status)
}

func TestDispatch_Outcomes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ok := &flakyOp{}
	env.Services.Queue.Register("ok", ok.run)
	outcome, err := env.Services.Queue.Dispatch(ctx, EnqueueParams{TenantId: "t1", OperationType: "ok", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, DispatchCompleted, outcome)
	var n int64
	require.NoError(t, env.DB.Model(&models.RetryJob{}).Where("operation_type = ?", "ok").Count(&n).Error)
	assert.Zero(t, n)

	flaky := &flakyOp{failures: 1, failWith: errors.New("503")}
	env.Services.Queue.Register("flaky", flaky.run)
	outcome, err = env.Services.Queue.Dispatch(ctx, EnqueueParams{TenantId: "t1", OperationType: "flaky", IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, DispatchDeferred, outcome)
	job := env.job(t, "t1", "flaky", "k2")
	assert.Equal(t, models.RetryJobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)

	bad := &flakyOp{failures: 1, failWith: Fatal("bad", errors.New("invalid card"))}
	env.Services.Queue.Register("bad", bad.run)
	outcome, err = env.Services.Queue.Dispatch(ctx, EnqueueParams{TenantId: "t1", OperationType: "bad", IdempotencyKey: "k3"})
	require.NoError(t, err)
	assert.Equal(t, DispatchDeadLettered, outcome)
	assert.Equal(t, models.RetryJobStatusDeadLettered, env.job(t, "t1", "bad", "k3").Status)

	outcome, err = env.Services.Queue.Dispatch(ctx, EnqueueParams{TenantId: "t1", OperationType: "unregistered", IdempotencyKey: "k4"})
	require.NoError(t, err)
	assert.Equal(t, DispatchDeadLettered, outcome)

	assert.Len(t, env.Alerts.all(), 2)
}

func TestRequeue_OnlyDeadLettered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.Services.Queue

	_, err := q.Requeue(ctx, 999)
	assert.ErrorIs(t, err, ErrRetryJobNotFound)

	require.NoError(t, q.deadLetterNew(ctx, EnqueueParams{TenantId: "t1", OperationType: "notify", IdempotencyKey: "k1"}, errors.New("boom")))
	dead := env.job(t, "t1", "notify", "k1")

	job, err := q.Requeue(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RetryJobStatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, "k1", job.IdempotencyKey)

	// Requeueing a job that is already pending is a no-op.
	_, err = q.Requeue(ctx, dead.ID)
	require.NoError(t, err)

	op := &flakyOp{}
	q.Register("notify", op.run)
	drain(t, env.Services.Worker, 1)
	_, err = q.Requeue(ctx, dead.ID)
	assert.True(t, IsValidation(err))
}

func TestEnqueueOrReopen_ResetsTerminalJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.Services.Queue
	p := EnqueueParams{TenantId: "t1", OperationType: "notify", IdempotencyKey: "k1"}

	require.NoError(t, q.deadLetterNew(ctx, p, errors.New("boom")))
	job, err := q.EnqueueOrReopen(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, models.RetryJobStatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Nil(t, job.DeadLetteredAt)

	// A live job is left as is.
	again, err := q.EnqueueOrReopen(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
}

func TestList_FiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := env.Services.Queue

	_, _, err := q.Enqueue(ctx, EnqueueParams{TenantId: "t1", OperationType: "notify", IdempotencyKey: "a"})
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, EnqueueParams{TenantId: "t2", OperationType: "notify", IdempotencyKey: "b"})
	require.NoError(t, err)
	require.NoError(t, q.deadLetterNew(ctx, EnqueueParams{TenantId: "t1", OperationType: "notify", IdempotencyKey: "c"}, errors.New("x")))

	all, err := q.List(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	dead, err := q.List(ctx, "", models.RetryJobStatusDeadLettered, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "c", dead[0].IdempotencyKey)
}

func TestList_ScopedToTenant(t *testing.T) {
	env := newTestEnv(t)
	q := env.Services.Queue
	// Ops callers arrive with tenant scoping switched off.
	ctx := appctx.WithoutTenantScope(context.Background())

	for _, p := range []EnqueueParams{
		{TenantId: "t1", OperationType: "notify", IdempotencyKey: "a"},
		{TenantId: "t2", OperationType: "notify", IdempotencyKey: "b"},
		{TenantId: "t1", OperationType: "notify", IdempotencyKey: "c"},
	} {
		_, _, err := q.Enqueue(ctx, p)
		require.NoError(t, err)
	}

	t1, err := q.List(ctx, "t1", "", 0)
	require.NoError(t, err)
	require.Len(t, t1, 2)
	for _, job := range t1 {
		assert.Equal(t, "t1", job.TenantId)
	}

	t2, err := q.List(ctx, "t2", models.RetryJobStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, t2, 1)
	assert.Equal(t, "b", t2[0].IdempotencyKey)

	none, err := q.List(ctx, "t3", "", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetryWorker_FailLeavesReclaimedJobAlone(t *testing.T) {
	env := newTestEnv(t)
	w := env.Services.Worker
	lockedAt := time.Now().UTC()
	owner := "other-worker"
	require.NoError(t, env.DB.Create(&models.RetryJob{
		TenantId: "t1", OperationType: "notify", IdempotencyKey: "k1",
		Status: models.RetryJobStatusProcessing, Attempts: 2, MaxAttempts: 5,
		LockedAt: &lockedAt, LockedBy: &owner,
	}).Error)
	job := env.job(t, "t1", "notify", "k1")

	// This worker lost its claim after the lock TTL; its fatal outcome is dropped.
	w.fail(context.Background(), job, Fatal("notify", errors.New("rejected")))
	job = env.job(t, "t1", "notify", "k1")
	assert.Equal(t, models.RetryJobStatusProcessing, job.Status)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, owner, *job.LockedBy)
	assert.Empty(t, env.Alerts.all())

	// Once it holds the claim, the same outcome dead-letters the job.
	require.NoError(t, env.DB.Model(&models.RetryJob{}).Where("id = ?", job.ID).Update("locked_by", w.WorkerID).Error)
	w.fail(context.Background(), job, Fatal("notify", errors.New("rejected")))
	assert.Equal(t, models.RetryJobStatusDeadLettered, env.job(t, "t1", "notify", "k1").Status)
	assert.Len(t, env.Alerts.all(), 1)
}
