package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/storage"
)

func setupStore(t *testing.T) *storage.GormStorage {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestGormStorage_EnqueueAndDequeueTask(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	task := &core.Task{
		ID:   "task-1",
		Name: core.TaskExecuteJob,
		Args: []byte(`{"jobId":"job-1"}`),
	}
	require.NoError(t, store.EnqueueTask(ctx, task))

	dequeued, err := store.DequeueTask(ctx, "dispatcher-1")
	require.NoError(t, err)
	require.NotNil(t, dequeued)

	assert.Equal(t, "task-1", dequeued.ID)
	assert.Equal(t, core.TaskRunning, dequeued.Status)
	assert.Equal(t, "dispatcher-1", dequeued.LockedBy)
	assert.Equal(t, 1, dequeued.Attempt)
}

func TestGormStorage_DequeueSkipsFutureTasks(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	require.NoError(t, store.EnqueueTask(ctx, &core.Task{
		ID:    "task-future",
		Name:  core.TaskExecuteJob,
		RunAt: &runAt,
	}))

	dequeued, err := store.DequeueTask(ctx, "dispatcher-1")
	require.NoError(t, err)
	assert.Nil(t, dequeued)
}

func TestGormStorage_DequeueOrdersByRunAt(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	early := time.Now().Add(-2 * time.Hour)
	late := time.Now().Add(-time.Hour)
	require.NoError(t, store.EnqueueTask(ctx, &core.Task{ID: "late", Name: "x", RunAt: &late}))
	require.NoError(t, store.EnqueueTask(ctx, &core.Task{ID: "early", Name: "x", RunAt: &early}))

	dequeued, err := store.DequeueTask(ctx, "dispatcher-1")
	require.NoError(t, err)
	require.NotNil(t, dequeued)
	assert.Equal(t, "early", dequeued.ID)
}

func TestGormStorage_CompleteTaskValidatesOwnership(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnqueueTask(ctx, &core.Task{ID: "task-1", Name: "x"}))
	_, err := store.DequeueTask(ctx, "dispatcher-1")
	require.NoError(t, err)

	err = store.CompleteTask(ctx, "task-1", "dispatcher-2")
	assert.ErrorIs(t, err, core.ErrTaskNotOwned)

	require.NoError(t, store.CompleteTask(ctx, "task-1", "dispatcher-1"))
}

func TestGormStorage_FailTaskRecordsError(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnqueueTask(ctx, &core.Task{ID: "task-1", Name: "x"}))
	_, err := store.DequeueTask(ctx, "dispatcher-1")
	require.NoError(t, err)

	require.NoError(t, store.FailTask(ctx, "task-1", "dispatcher-1", "handler exploded"))

	// Dead tasks are not re-dequeued.
	next, err := store.DequeueTask(ctx, "dispatcher-1")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestGormStorage_ReleaseStaleTaskLocks(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnqueueTask(ctx, &core.Task{ID: "task-1", Name: "x"}))
	dequeued, err := store.DequeueTask(ctx, "dead-dispatcher")
	require.NoError(t, err)
	require.NotNil(t, dequeued)

	// Backdate the lock far past expiry.
	expired := time.Now().Add(-time.Hour)
	require.NoError(t, store.DB().Model(&core.Task{}).
		Where("id = ?", "task-1").
		Update("locked_until", expired).Error)

	released, err := store.ReleaseStaleTaskLocks(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	reclaimed, err := store.DequeueTask(ctx, "dispatcher-2")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "task-1", reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempt)
}

func TestGormStorage_CreateAndGetJob(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := &core.Job{
		CallbackName: "scrape-listing",
		Params:       []byte(`{"url":"https://example.com"}`),
		Credentials:  core.Credentials{APIKey: "key", ProjectID: "proj"},
		MaxRetries:   2,
		Timeout:      core.DefaultJobTimeout,
	}
	require.NoError(t, store.CreateJob(ctx, job))
	require.NotEmpty(t, job.ID)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Equal(t, "scrape-listing", got.CallbackName)
	assert.Equal(t, "key", got.Credentials.APIKey)

	missing, err := store.GetJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGormStorage_JobLifecycleTransitions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := &core.Job{CallbackName: "task", MaxRetries: 1}
	require.NoError(t, store.CreateJob(ctx, job))

	startedAt := time.Now()
	require.NoError(t, store.MarkJobRunning(ctx, job.ID, "sess-1", startedAt))

	got, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, core.StatusRunning, got.Status)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "sess-1", *got.SessionID)
	require.NotNil(t, got.StartedAt)

	// Running jobs are not eligible for MarkJobRunning again.
	err := store.MarkJobRunning(ctx, job.ID, "sess-2", time.Now())
	assert.ErrorIs(t, err, core.ErrStaleTransition)

	ms := int64(1234)
	require.NoError(t, store.CompleteJob(ctx, job.ID, []byte(`{"ok":true}`), &ms, time.Now()))
	got, _ = store.GetJob(ctx, job.ID)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, []byte(`{"ok":true}`), got.Result)
	require.NotNil(t, got.SessionDurationMs)
	assert.Equal(t, ms, *got.SessionDurationMs)
	require.NotNil(t, got.CompletedAt)
}

func TestGormStorage_TerminalJobsAreImmutable(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := &core.Job{CallbackName: "task"}
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.CancelJob(ctx, job.ID, time.Now()))

	assert.ErrorIs(t, store.CompleteJob(ctx, job.ID, nil, nil, time.Now()), core.ErrStaleTransition)
	assert.ErrorIs(t, store.FailJobPermanently(ctx, job.ID, "late", time.Now()), core.ErrStaleTransition)
	assert.ErrorIs(t, store.RequeueJob(ctx, job.ID, "late", 1), core.ErrStaleTransition)
	assert.ErrorIs(t, store.CancelJob(ctx, job.ID, time.Now()), core.ErrStaleTransition)

	got, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, core.StatusCancelled, got.Status)
}

func TestGormStorage_RequeueJobClearsSession(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	job := &core.Job{CallbackName: "task", MaxRetries: 3}
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.MarkJobRunning(ctx, job.ID, "sess-1", time.Now()))

	require.NoError(t, store.RequeueJob(ctx, job.ID, "browser crashed", 1))

	got, _ := store.GetJob(ctx, job.ID)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "browser crashed", got.LastError)
	assert.Nil(t, got.SessionID)
	assert.Nil(t, got.StartedAt)
}

func TestGormStorage_ListJobsFiltersByStatus(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	a := &core.Job{CallbackName: "task"}
	b := &core.Job{CallbackName: "task"}
	require.NoError(t, store.CreateJob(ctx, a))
	require.NoError(t, store.CreateJob(ctx, b))
	require.NoError(t, store.CancelJob(ctx, b.ID, time.Now()))

	pending, err := store.ListJobs(ctx, core.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	all, err := store.ListJobs(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGormStorage_SessionCleanupBookkeeping(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess := &core.Session{ProviderID: "bb-1", Status: core.SessionRunning}
	require.NoError(t, store.CreateSession(ctx, sess))

	require.NoError(t, store.RecordCleanupAttempt(ctx, sess.ID, 1))
	got, _ := store.GetSession(ctx, sess.ID)
	assert.Equal(t, 1, got.CleanupAttempts)
	assert.Equal(t, core.CleanupPending, got.CleanupStatus)

	require.NoError(t, store.MarkCleanupFailed(ctx, sess.ID, "connection refused", false))
	got, _ = store.GetSession(ctx, sess.ID)
	assert.Equal(t, core.CleanupPending, got.CleanupStatus)
	assert.Equal(t, "connection refused", got.CleanupError)

	endedAt := time.Now()
	require.NoError(t, store.MarkCleanupSucceeded(ctx, sess.ID, core.SessionCompleted, endedAt))
	got, _ = store.GetSession(ctx, sess.ID)
	assert.Equal(t, core.CleanupSuccess, got.CleanupStatus)
	assert.Equal(t, core.SessionCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
}

func TestGormStorage_MarkCleanupFailedPreservesStatus(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	sess := &core.Session{ProviderID: "bb-1", Status: core.SessionRunning}
	require.NoError(t, store.CreateSession(ctx, sess))

	require.NoError(t, store.MarkCleanupFailed(ctx, sess.ID, "still refusing", true))

	got, _ := store.GetSession(ctx, sess.ID)
	assert.Equal(t, core.CleanupFailed, got.CleanupStatus)
	// Provider status must survive so the operator can find the live resource.
	assert.Equal(t, core.SessionRunning, got.Status)

	failed, err := store.ListFailedCleanups(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, sess.ID, failed[0].ID)
}

func TestGormStorage_DeliveryLedger(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	d1 := &core.WebhookDelivery{JobID: "job-1", URL: "https://example.com/hook", Attempt: 1}
	require.NoError(t, store.CreateDelivery(ctx, d1))
	status := 500
	require.NoError(t, store.MarkDeliveryFailed(ctx, d1.ID, &status, "oops", "unexpected status 500"))

	d2 := &core.WebhookDelivery{JobID: "job-1", URL: "https://example.com/hook", Attempt: 2}
	require.NoError(t, store.CreateDelivery(ctx, d2))
	require.NoError(t, store.MarkDeliverySent(ctx, d2.ID, 200, "ok", time.Now()))

	deliveries, err := store.ListDeliveries(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	assert.Equal(t, core.DeliveryFailed, deliveries[0].Status)
	require.NotNil(t, deliveries[0].ResponseStatus)
	assert.Equal(t, 500, *deliveries[0].ResponseStatus)

	assert.Equal(t, core.DeliverySent, deliveries[1].Status)
	require.NotNil(t, deliveries[1].SentAt)
}

func TestGormStorage_DueCrons(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due := &core.CronDefinition{Name: "due", Expression: "* * * * *", Enabled: true, CallbackName: "task", NextRunAt: &past}
	notDue := &core.CronDefinition{Name: "not-due", Expression: "0 0 * * *", Enabled: true, CallbackName: "task", NextRunAt: &future}
	disabled := &core.CronDefinition{Name: "disabled", Expression: "* * * * *", Enabled: false, CallbackName: "task", NextRunAt: &past}

	require.NoError(t, store.CreateCron(ctx, due))
	require.NoError(t, store.CreateCron(ctx, notDue))
	require.NoError(t, store.CreateCron(ctx, disabled))

	got, err := store.DueCrons(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "due", got[0].Name)
}

func TestGormStorage_MarkCronRun(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	next := time.Now().Add(time.Minute)
	def := &core.CronDefinition{Name: "hourly", Expression: "0 * * * *", Enabled: true, CallbackName: "task", NextRunAt: &next}
	require.NoError(t, store.CreateCron(ctx, def))

	lastRun := time.Now()
	newNext := lastRun.Add(time.Hour)
	require.NoError(t, store.MarkCronRun(ctx, def.ID, lastRun, newNext))
	require.NoError(t, store.MarkCronRun(ctx, def.ID, lastRun, newNext))

	got, err := store.GetCron(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RunCount)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
}
