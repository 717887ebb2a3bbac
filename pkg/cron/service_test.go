package cron_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/cron"
	"github.com/shrey150/stagehand-jobs/pkg/jobstore"
	"github.com/shrey150/stagehand-jobs/pkg/storage"
)

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduledCall
}

type scheduledCall struct {
	Delay time.Duration
	Name  string
	Args  any
}

func (f *fakeScheduler) RunAfter(_ context.Context, delay time.Duration, name string, args any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scheduledCall{Delay: delay, Name: name, Args: args})
	return uuid.NewString(), nil
}

func setupCron(t *testing.T) (*cron.Service, *storage.GormStorage, *fakeScheduler) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))

	sched := &fakeScheduler{}
	jobs := jobstore.NewService(store, sched)
	return cron.New(store, jobs), store, sched
}

func dailySync() cron.Definition {
	return cron.Definition{
		Name:        "daily-sync",
		Expression:  "0 9 * * *",
		Callback:    "sync-inventory",
		Params:      []byte(`{"warehouse":"east"}`),
		Credentials: core.Credentials{APIKey: "key", ProjectID: "proj"},
	}
}

func TestCreate_ComputesNextRun(t *testing.T) {
	svc, store, _ := setupCron(t)
	ctx := context.Background()

	def, err := svc.Create(ctx, dailySync())
	require.NoError(t, err)
	require.NotEmpty(t, def.ID)
	assert.True(t, def.Enabled)
	require.NotNil(t, def.NextRunAt)
	assert.True(t, def.NextRunAt.After(time.Now()))
	assert.Equal(t, 9, def.NextRunAt.Hour())
	assert.Equal(t, 0, def.NextRunAt.Minute())

	got, err := store.GetCron(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "daily-sync", got.Name)
}

func TestCreate_RejectsInvalidExpression(t *testing.T) {
	svc, _, _ := setupCron(t)

	def := dailySync()
	def.Expression = "not a cron"
	_, err := svc.Create(context.Background(), def)
	assert.ErrorIs(t, err, core.ErrInvalidExpression)

	// Six-field (seconds) expressions are rejected; minute granularity only.
	def.Expression = "0 0 9 * * *"
	_, err = svc.Create(context.Background(), def)
	assert.ErrorIs(t, err, core.ErrInvalidExpression)
}

func TestCreate_RejectsDuplicateName(t *testing.T) {
	svc, _, _ := setupCron(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, dailySync())
	require.NoError(t, err)

	_, err = svc.Create(ctx, dailySync())
	assert.ErrorIs(t, err, core.ErrDuplicateName)
}

func TestCreate_RejectsInvalidCallbackName(t *testing.T) {
	svc, _, _ := setupCron(t)

	def := dailySync()
	def.Callback = "bad name"
	_, err := svc.Create(context.Background(), def)
	assert.ErrorIs(t, err, core.ErrInvalidCallbackName)
}

func TestUpdate_RecomputesNextRun(t *testing.T) {
	svc, _, _ := setupCron(t)
	ctx := context.Background()

	def := dailySync()
	def.Expression = "0 * * * *" // hourly
	created, err := svc.Create(ctx, def)
	require.NoError(t, err)

	updated, err := svc.Update(ctx, created.ID, cron.Definition{Expression: "0 9 * * *"})
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", updated.Expression)
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, 9, updated.NextRunAt.Hour())
}

func TestUpdate_RejectsInvalidExpression(t *testing.T) {
	svc, _, _ := setupCron(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, dailySync())
	require.NoError(t, err)

	_, err = svc.Update(ctx, created.ID, cron.Definition{Expression: "61 * * * *"})
	assert.ErrorIs(t, err, core.ErrInvalidExpression)

	_, err = svc.Update(ctx, "nope", cron.Definition{Expression: "0 9 * * *"})
	assert.ErrorIs(t, err, core.ErrCronNotFound)
}

func TestSetEnabled_PauseAndResume(t *testing.T) {
	svc, store, sched := setupCron(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, cron.Definition{
		Name:        "every-minute",
		Expression:  "* * * * *",
		Callback:    "sync-inventory",
		Credentials: core.Credentials{APIKey: "key"},
	})
	require.NoError(t, err)

	require.NoError(t, svc.SetEnabled(ctx, created.ID, false))

	// A paused definition never fires even when due.
	require.NoError(t, svc.Tick(ctx, time.Now().Add(time.Hour)))
	assert.Empty(t, sched.calls)

	require.NoError(t, svc.SetEnabled(ctx, created.ID, true))
	got, _ := store.GetCron(ctx, created.ID)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now()))
}

func TestTick_SpawnsJobFromTemplate(t *testing.T) {
	svc, store, sched := setupCron(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, dailySync())
	require.NoError(t, err)

	// Force the definition due.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.DB().Model(&core.CronDefinition{}).
		Where("id = ?", created.ID).
		Update("next_run_at", past).Error)

	now := time.Now()
	require.NoError(t, svc.Tick(ctx, now))

	// The spawn goes through the job store, which queues an execution task.
	require.Len(t, sched.calls, 1)
	assert.Equal(t, core.TaskExecuteJob, sched.calls[0].Name)

	spawned, err := store.ListJobs(ctx, core.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, spawned, 1)
	job := spawned[0]
	assert.Equal(t, "sync-inventory", job.CallbackName)
	assert.Equal(t, []byte(`{"warehouse":"east"}`), job.Params)
	assert.Equal(t, "key", job.Credentials.APIKey)
	// Recurring jobs get no retry budget; the next occurrence is the retry.
	assert.Equal(t, 0, job.MaxRetries)
	require.NotNil(t, job.CronID)
	assert.Equal(t, created.ID, *job.CronID)

	got, _ := store.GetCron(ctx, created.ID)
	assert.Equal(t, int64(1), got.RunCount)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(now))
}

func TestTick_NothingDueIsNoOp(t *testing.T) {
	svc, _, sched := setupCron(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, dailySync())
	require.NoError(t, err)

	require.NoError(t, svc.Tick(ctx, time.Now()))
	assert.Empty(t, sched.calls)
}

func TestTick_BrokenDefinitionDoesNotBlockOthers(t *testing.T) {
	svc, store, sched := setupCron(t)
	ctx := context.Background()

	// One definition with an unschedulable callback name bypasses Create's
	// validation by writing directly, simulating older corrupted rows.
	past := time.Now().Add(-time.Minute)
	broken := &core.CronDefinition{
		Name: "broken", Expression: "* * * * *", Enabled: true,
		CallbackName: "", NextRunAt: &past,
	}
	require.NoError(t, store.CreateCron(ctx, broken))

	healthy, err := svc.Create(ctx, dailySync())
	require.NoError(t, err)
	require.NoError(t, store.DB().Model(&core.CronDefinition{}).
		Where("id = ?", healthy.ID).
		Update("next_run_at", past).Error)

	require.NoError(t, svc.Tick(ctx, time.Now()))

	// The healthy definition still fired.
	require.Len(t, sched.calls, 1)
	jobs, _ := store.ListJobs(ctx, core.StatusPending, 10)
	require.Len(t, jobs, 1)
	assert.Equal(t, "sync-inventory", jobs[0].CallbackName)
}

func TestDelete_RemovesDefinition(t *testing.T) {
	svc, _, _ := setupCron(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, dailySync())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, created.ID))
	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, svc.Delete(ctx, created.ID), core.ErrCronNotFound)
}

func TestGetByName(t *testing.T) {
	svc, _, _ := setupCron(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, dailySync())
	require.NoError(t, err)

	got, err := svc.GetByName(ctx, "daily-sync")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)

	missing, err := svc.GetByName(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
