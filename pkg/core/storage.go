package core

import (
	"context"
	"time"
)

// Scheduler is the durable delayed-execution primitive: run the named
// registered function with args after the given delay, at least once,
// surviving process restarts. Components depend on this interface rather
// than the concrete dispatcher so tests can record scheduled invocations.
type Scheduler interface {
	RunAfter(ctx context.Context, delay time.Duration, name string, args any) (string, error)
}

// Storage defines the persistence layer for all orchestration tables.
// Lookups return (nil, nil) when the record does not exist. Guarded status
// mutations return ErrStaleTransition when the record left the expected
// state between read and write.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Scheduled tasks (the durable-scheduler substrate).
	EnqueueTask(ctx context.Context, task *Task) error
	DequeueTask(ctx context.Context, workerID string) (*Task, error)
	CompleteTask(ctx context.Context, taskID string, workerID string) error
	FailTask(ctx context.Context, taskID string, workerID string, errMsg string) error
	ReleaseStaleTaskLocks(ctx context.Context, staleDuration time.Duration) (int64, error)

	// Jobs.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	MarkJobRunning(ctx context.Context, jobID string, sessionID string, startedAt time.Time) error
	CompleteJob(ctx context.Context, jobID string, result []byte, durationMs *int64, completedAt time.Time) error
	RequeueJob(ctx context.Context, jobID string, errMsg string, retryCount int) error
	FailJobPermanently(ctx context.Context, jobID string, errMsg string, completedAt time.Time) error
	CancelJob(ctx context.Context, jobID string, completedAt time.Time) error

	// Sessions.
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus, usage SessionUsage, expiresAt *time.Time) error
	RecordCleanupAttempt(ctx context.Context, sessionID string, attempt int) error
	MarkCleanupSucceeded(ctx context.Context, sessionID string, status SessionStatus, endedAt time.Time) error
	MarkCleanupFailed(ctx context.Context, sessionID string, cleanupErr string, permanent bool) error
	ListFailedCleanups(ctx context.Context, limit int) ([]*Session, error)

	// Webhook deliveries (append-only ledger).
	CreateDelivery(ctx context.Context, d *WebhookDelivery) error
	MarkDeliverySent(ctx context.Context, deliveryID string, httpStatus int, body string, sentAt time.Time) error
	MarkDeliveryFailed(ctx context.Context, deliveryID string, httpStatus *int, body string, errMsg string) error
	ListDeliveries(ctx context.Context, jobID string) ([]*WebhookDelivery, error)

	// Cron definitions.
	CreateCron(ctx context.Context, def *CronDefinition) error
	GetCron(ctx context.Context, cronID string) (*CronDefinition, error)
	GetCronByName(ctx context.Context, name string) (*CronDefinition, error)
	UpdateCron(ctx context.Context, def *CronDefinition) error
	DeleteCron(ctx context.Context, cronID string) error
	ListCrons(ctx context.Context, limit int) ([]*CronDefinition, error)
	DueCrons(ctx context.Context, now time.Time, limit int) ([]*CronDefinition, error)
	MarkCronRun(ctx context.Context, cronID string, lastRun time.Time, nextRun time.Time) error
}
