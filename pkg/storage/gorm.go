// Package storage provides storage implementations for the stagehand-jobs
// package.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/security"
)

// taskLockDuration is how long a dequeued task stays owned by a dispatcher
// before stale-lock reclamation may hand it to another one.
const taskLockDuration = 5 * time.Minute

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Task{},
		&core.Job{},
		&core.Session{},
		&core.WebhookDelivery{},
		&core.CronDefinition{},
	)
}

// ──────────────────────────────────────────────
// Scheduled tasks
// ──────────────────────────────────────────────

// EnqueueTask persists a scheduled invocation.
func (s *GormStorage) EnqueueTask(ctx context.Context, task *core.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = core.TaskPending
	}
	return s.db.WithContext(ctx).Create(task).Error
}

// DequeueTask fetches and locks the next due task.
func (s *GormStorage) DequeueTask(ctx context.Context, workerID string) (*core.Task, error) {
	var task core.Task
	now := time.Now()
	lockUntil := now.Add(taskLockDuration)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("status = ?", core.TaskPending).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("run_at ASC, created_at ASC").
			First(&task)

		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		task.Status = core.TaskRunning
		task.LockedBy = workerID
		task.LockedUntil = &lockUntil
		task.Attempt++

		return tx.Save(&task).Error
	})

	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, nil
	}
	return &task, nil
}

// CompleteTask marks a task as done. Validates ownership before completing.
func (s *GormStorage) CompleteTask(ctx context.Context, taskID string, workerID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Task{}).
		Where("id = ? AND locked_by = ?", taskID, workerID).
		Updates(map[string]any{
			"status":       core.TaskDone,
			"locked_by":    "",
			"locked_until": nil,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrTaskNotOwned
	}
	return nil
}

// FailTask marks a task as dead. Tasks do not retry at this layer; each
// component schedules its own follow-up invocations.
func (s *GormStorage) FailTask(ctx context.Context, taskID string, workerID string, errMsg string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Task{}).
		Where("id = ? AND locked_by = ?", taskID, workerID).
		Updates(map[string]any{
			"status":       core.TaskDead,
			"last_error":   security.SanitizeErrorMessage(errMsg),
			"locked_by":    "",
			"locked_until": nil,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrTaskNotOwned
	}
	return nil
}

// ReleaseStaleTaskLocks requeues tasks whose dispatcher disappeared,
// preserving at-least-once delivery across crashes.
func (s *GormStorage) ReleaseStaleTaskLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleDuration)
	result := s.db.WithContext(ctx).
		Model(&core.Task{}).
		Where("status = ?", core.TaskRunning).
		Where("locked_until < ?", cutoff).
		Updates(map[string]any{
			"status":       core.TaskPending,
			"locked_by":    nil,
			"locked_until": nil,
		})
	return result.RowsAffected, result.Error
}

// ──────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────

// CreateJob inserts a new job record.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs ordered by creation descending, optionally filtered
// by status. The status filter hits the status index, not a scan.
func (s *GormStorage) ListJobs(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&jobList).Error
	return jobList, err
}

// nonTerminal guards status mutations so a terminal record is never
// overwritten by a late writer.
var nonTerminal = []core.JobStatus{core.StatusPending, core.StatusQueued, core.StatusRunning}

// MarkJobRunning transitions pending/queued to running and links the session.
func (s *GormStorage) MarkJobRunning(ctx context.Context, jobID string, sessionID string, startedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ?", jobID, []core.JobStatus{core.StatusPending, core.StatusQueued}).
		Updates(map[string]any{
			"status":     core.StatusRunning,
			"session_id": sessionID,
			"started_at": startedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrStaleTransition
	}
	return nil
}

// CompleteJob transitions a non-terminal job to completed.
func (s *GormStorage) CompleteJob(ctx context.Context, jobID string, result []byte, durationMs *int64, completedAt time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ?", jobID, nonTerminal).
		Updates(map[string]any{
			"status":              core.StatusCompleted,
			"result":              result,
			"session_duration_ms": durationMs,
			"completed_at":        completedAt,
		})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrStaleTransition
	}
	return nil
}

// RequeueJob returns a failed attempt to pending with an incremented retry
// count. Only the last error is retained. The session link is cleared; the
// failed attempt's session is being torn down and the next attempt creates
// its own.
func (s *GormStorage) RequeueJob(ctx context.Context, jobID string, errMsg string, retryCount int) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ?", jobID, nonTerminal).
		Updates(map[string]any{
			"status":      core.StatusPending,
			"retry_count": retryCount,
			"last_error":  security.SanitizeErrorMessage(errMsg),
			"session_id":  nil,
			"started_at":  nil,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrStaleTransition
	}
	return nil
}

// FailJobPermanently transitions a non-terminal job to failed.
func (s *GormStorage) FailJobPermanently(ctx context.Context, jobID string, errMsg string, completedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ?", jobID, nonTerminal).
		Updates(map[string]any{
			"status":       core.StatusFailed,
			"last_error":   security.SanitizeErrorMessage(errMsg),
			"completed_at": completedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrStaleTransition
	}
	return nil
}

// CancelJob transitions a non-terminal job to cancelled.
func (s *GormStorage) CancelJob(ctx context.Context, jobID string, completedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ?", jobID, nonTerminal).
		Updates(map[string]any{
			"status":       core.StatusCancelled,
			"completed_at": completedAt,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrStaleTransition
	}
	return nil
}

// ──────────────────────────────────────────────
// Sessions
// ──────────────────────────────────────────────

// CreateSession inserts a session record.
func (s *GormStorage) CreateSession(ctx context.Context, session *core.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(session).Error
}

// GetSession retrieves a session by local record ID.
func (s *GormStorage) GetSession(ctx context.Context, sessionID string) (*core.Session, error) {
	var session core.Session
	err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSessionStatus overwrites provider-reported fields from a status poll.
func (s *GormStorage) UpdateSessionStatus(ctx context.Context, sessionID string, status core.SessionStatus, usage core.SessionUsage, expiresAt *time.Time) error {
	return s.db.WithContext(ctx).
		Model(&core.Session{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"status":            status,
			"usage_duration_ms": usage.DurationMs,
			"usage_proxy_bytes": usage.ProxyBytes,
			"expires_at":        expiresAt,
		}).Error
}

// RecordCleanupAttempt marks the start of cleanup attempt N.
func (s *GormStorage) RecordCleanupAttempt(ctx context.Context, sessionID string, attempt int) error {
	return s.db.WithContext(ctx).
		Model(&core.Session{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"cleanup_attempts": attempt,
			"cleanup_status":   core.CleanupPending,
		}).Error
}

// MarkCleanupSucceeded closes out the cleanup state machine.
func (s *GormStorage) MarkCleanupSucceeded(ctx context.Context, sessionID string, status core.SessionStatus, endedAt time.Time) error {
	return s.db.WithContext(ctx).
		Model(&core.Session{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"cleanup_status":       core.CleanupSuccess,
			"cleanup_completed_at": endedAt,
			"status":               status,
			"ended_at":             endedAt,
		}).Error
}

// MarkCleanupFailed records a cleanup failure. The provider-side status
// column is deliberately not touched: after a permanent failure the record
// must keep showing that the remote resource may still be live.
func (s *GormStorage) MarkCleanupFailed(ctx context.Context, sessionID string, cleanupErr string, permanent bool) error {
	updates := map[string]any{
		"cleanup_error": security.SanitizeErrorMessage(cleanupErr),
	}
	if permanent {
		updates["cleanup_status"] = core.CleanupFailed
	}
	return s.db.WithContext(ctx).
		Model(&core.Session{}).
		Where("id = ?", sessionID).
		Updates(updates).Error
}

// ListFailedCleanups returns sessions whose cleanup budget is exhausted,
// for operator tooling.
func (s *GormStorage) ListFailedCleanups(ctx context.Context, limit int) ([]*core.Session, error) {
	var sessions []*core.Session
	err := s.db.WithContext(ctx).
		Where("cleanup_status = ?", core.CleanupFailed).
		Order("created_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// ──────────────────────────────────────────────
// Webhook deliveries
// ──────────────────────────────────────────────

// CreateDelivery appends a delivery-attempt record.
func (s *GormStorage) CreateDelivery(ctx context.Context, d *core.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = core.DeliveryPending
	}
	return s.db.WithContext(ctx).Create(d).Error
}

// MarkDeliverySent records a successful delivery.
func (s *GormStorage) MarkDeliverySent(ctx context.Context, deliveryID string, httpStatus int, body string, sentAt time.Time) error {
	return s.db.WithContext(ctx).
		Model(&core.WebhookDelivery{}).
		Where("id = ?", deliveryID).
		Updates(map[string]any{
			"status":          core.DeliverySent,
			"response_status": httpStatus,
			"response_body":   security.TruncateResponseBody(body),
			"sent_at":         sentAt,
		}).Error
}

// MarkDeliveryFailed records a failed delivery attempt.
func (s *GormStorage) MarkDeliveryFailed(ctx context.Context, deliveryID string, httpStatus *int, body string, errMsg string) error {
	return s.db.WithContext(ctx).
		Model(&core.WebhookDelivery{}).
		Where("id = ?", deliveryID).
		Updates(map[string]any{
			"status":          core.DeliveryFailed,
			"response_status": httpStatus,
			"response_body":   security.TruncateResponseBody(body),
			"error":           security.SanitizeErrorMessage(errMsg),
		}).Error
}

// ListDeliveries returns all delivery attempts for a job, oldest first.
func (s *GormStorage) ListDeliveries(ctx context.Context, jobID string) ([]*core.WebhookDelivery, error) {
	var deliveries []*core.WebhookDelivery
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&deliveries).Error
	return deliveries, err
}

// ──────────────────────────────────────────────
// Cron definitions
// ──────────────────────────────────────────────

// CreateCron inserts a recurrence definition.
func (s *GormStorage) CreateCron(ctx context.Context, def *core.CronDefinition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(def).Error
}

// GetCron retrieves a definition by ID.
func (s *GormStorage) GetCron(ctx context.Context, cronID string) (*core.CronDefinition, error) {
	var def core.CronDefinition
	err := s.db.WithContext(ctx).First(&def, "id = ?", cronID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// GetCronByName retrieves a definition by its unique name.
func (s *GormStorage) GetCronByName(ctx context.Context, name string) (*core.CronDefinition, error) {
	var def core.CronDefinition
	err := s.db.WithContext(ctx).First(&def, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// UpdateCron saves a modified definition.
func (s *GormStorage) UpdateCron(ctx context.Context, def *core.CronDefinition) error {
	return s.db.WithContext(ctx).Save(def).Error
}

// DeleteCron removes a definition.
func (s *GormStorage) DeleteCron(ctx context.Context, cronID string) error {
	return s.db.WithContext(ctx).Delete(&core.CronDefinition{}, "id = ?", cronID).Error
}

// ListCrons returns definitions ordered by creation descending.
func (s *GormStorage) ListCrons(ctx context.Context, limit int) ([]*core.CronDefinition, error) {
	var defs []*core.CronDefinition
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&defs).Error
	return defs, err
}

// DueCrons returns enabled definitions whose next run time has arrived,
// bounded per tick. Uses the (enabled, next_run_at) index.
func (s *GormStorage) DueCrons(ctx context.Context, now time.Time, limit int) ([]*core.CronDefinition, error) {
	var defs []*core.CronDefinition
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("next_run_at IS NOT NULL AND next_run_at <= ?", now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&defs).Error
	return defs, err
}

// MarkCronRun advances the bookkeeping after a successful spawn.
func (s *GormStorage) MarkCronRun(ctx context.Context, cronID string, lastRun time.Time, nextRun time.Time) error {
	return s.db.WithContext(ctx).
		Model(&core.CronDefinition{}).
		Where("id = ?", cronID).
		Updates(map[string]any{
			"last_run_at": lastRun,
			"next_run_at": nextRun,
			"run_count":   gorm.Expr("run_count + 1"),
		}).Error
}
