// Package jobstore owns the job lifecycle: scheduling, status reads,
// cancellation, and the two terminal-report operations with their retry
// decision.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/security"
)

// DefaultListLimit bounds List when the caller does not provide a limit.
const DefaultListLimit = 50

// ScheduleRequest carries everything needed to insert a new job.
type ScheduleRequest struct {
	Params         json.RawMessage
	Credentials    core.Credentials `validate:"required"`
	Callback       string           `validate:"required"`
	SessionOptions *core.SessionOptions
	WebhookURL     string `validate:"omitempty,url"`
	MaxRetries     int    `validate:"gte=0"`
	Timeout        time.Duration
	CronID         string
}

// JobView joins a job with its current session snapshot.
type JobView struct {
	Job     *core.Job
	Session *core.Session
}

// Service implements the job store. It also satisfies callback.Reporter:
// the report operations below are the completion channel dispatched
// callbacks are contractually required to invoke.
type Service struct {
	storage  core.Storage
	sched    core.Scheduler
	bus      *core.Bus
	logger   *slog.Logger
	validate *validator.Validate
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithBus attaches a lifecycle event bus.
func WithBus(b *core.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// NewService creates a job store over the given storage and scheduler.
func NewService(storage core.Storage, sched core.Scheduler, opts ...Option) *Service {
	s := &Service{
		storage:  storage,
		sched:    sched,
		logger:   slog.Default(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule inserts a pending job and queues its first execution attempt
// immediately. The callback reference is not resolved here; a dangling name
// surfaces as a failure at dispatch time, there is no way to check it
// earlier without invoking it.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("jobs: invalid schedule request: %w", err)
	}
	if err := security.ValidateCallbackName(req.Callback); err != nil {
		return "", err
	}
	if len(req.Params) > security.MaxParamsSize {
		return "", fmt.Errorf("jobs: params exceed %d bytes", security.MaxParamsSize)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = core.DefaultJobTimeout
	}

	job := &core.Job{
		CallbackName: req.Callback,
		Params:       req.Params,
		Credentials:  req.Credentials,
		WebhookURL:   req.WebhookURL,
		MaxRetries:   security.ClampRetries(req.MaxRetries),
		Timeout:      timeout,
		Status:       core.StatusPending,
	}
	if req.SessionOptions != nil {
		job.SessionOptions = *req.SessionOptions
	}
	if req.CronID != "" {
		cronID := req.CronID
		job.CronID = &cronID
	}

	if err := s.storage.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("jobs: failed to insert job: %w", err)
	}
	s.bus.Emit(&core.JobScheduled{Job: job, Timestamp: time.Now()})

	if _, err := s.sched.RunAfter(ctx, 0, core.TaskExecuteJob, core.ExecuteJobArgs{JobID: job.ID}); err != nil {
		return "", fmt.Errorf("jobs: failed to queue execution: %w", err)
	}
	return job.ID, nil
}

// GetStatus returns the job joined with its current session snapshot, or
// nil when the job does not exist. Pure read.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*JobView, error) {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	view := &JobView{Job: job}
	if job.SessionID != nil {
		session, err := s.storage.GetSession(ctx, *job.SessionID)
		if err != nil {
			return nil, err
		}
		view.Session = session
	}
	return view, nil
}

// List returns jobs ordered newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.storage.ListJobs(ctx, status, limit)
}

// Cancel marks a job cancelled and releases its session. Cancellation is
// cooperative: an in-flight callback is not signalled, it only discovers
// the cancel when its late report hits the terminal-status guard.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", core.ErrAlreadyTerminal, jobID, job.Status)
	}

	if err := s.storage.CancelJob(ctx, jobID, time.Now()); err != nil {
		if errors.Is(err, core.ErrStaleTransition) {
			return fmt.Errorf("%w: job %s", core.ErrAlreadyTerminal, jobID)
		}
		return err
	}

	if job.SessionID != nil {
		s.scheduleCleanup(ctx, *job.SessionID, job.Credentials)
	}
	s.bus.Emit(&core.JobFailed{Job: job, Error: "cancelled", Timestamp: time.Now()})
	return nil
}

// LinkSession transitions a pending/queued job to running, records its
// session, and arms the timeout watchdog for this attempt. Called once per
// execution attempt by the executor.
func (s *Service) LinkSession(ctx context.Context, jobID string, sessionID string) error {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrJobNotFound
	}

	startedAt := time.Now()
	if err := s.storage.MarkJobRunning(ctx, jobID, sessionID, startedAt); err != nil {
		return err
	}

	if _, err := s.sched.RunAfter(ctx, job.Timeout, core.TaskCheckTimeout, core.CheckTimeoutArgs{
		JobID:     jobID,
		StartedAt: startedAt,
		Timeout:   job.Timeout,
	}); err != nil {
		return fmt.Errorf("jobs: failed to arm timeout watchdog: %w", err)
	}

	s.bus.Emit(&core.JobStarted{Job: job, SessionID: sessionID, Timestamp: startedAt})
	return nil
}

// ReportSuccess records a job's successful outcome, then triggers webhook
// delivery and session cleanup. Reports against a job that already reached
// a terminal state are logged no-ops: the callback may race the watchdog or
// a cancel, and the first terminal write wins.
func (s *Service) ReportSuccess(ctx context.Context, jobID string, result json.RawMessage, usage *core.SessionUsage) error {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		s.logger.Warn("success reported for missing job", "job_id", jobID)
		return core.ErrJobNotFound
	}
	if job.Status.Terminal() {
		s.logger.Warn("success reported for terminal job, ignoring",
			"job_id", jobID, "status", job.Status)
		return nil
	}

	var durationMs *int64
	if usage != nil {
		durationMs = usage.DurationMs
	}
	completedAt := time.Now()
	if err := s.storage.CompleteJob(ctx, jobID, result, durationMs, completedAt); err != nil {
		if errors.Is(err, core.ErrStaleTransition) {
			s.logger.Warn("lost completion race, ignoring", "job_id", jobID)
			return nil
		}
		return err
	}
	s.bus.Emit(&core.JobCompleted{Job: job, Timestamp: completedAt})

	s.notifyAndCleanup(ctx, job)
	return nil
}

// ReportFailure records a failed attempt and makes the retry decision:
// requeue with 2^k-second backoff while budget remains, otherwise fail
// permanently. Either way the attempt's session is torn down.
func (s *Service) ReportFailure(ctx context.Context, jobID string, errMsg string) error {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		s.logger.Warn("failure reported for missing job", "job_id", jobID)
		return core.ErrJobNotFound
	}
	if job.Status.Terminal() {
		s.logger.Warn("failure reported for terminal job, ignoring",
			"job_id", jobID, "status", job.Status)
		return nil
	}

	if job.RetryCount < job.MaxRetries {
		attempt := job.RetryCount + 1
		if err := s.storage.RequeueJob(ctx, jobID, errMsg, attempt); err != nil {
			if errors.Is(err, core.ErrStaleTransition) {
				s.logger.Warn("lost failure race, ignoring", "job_id", jobID)
				return nil
			}
			return err
		}
		if job.SessionID != nil {
			s.scheduleCleanup(ctx, *job.SessionID, job.Credentials)
		}

		delay := core.Backoff(attempt)
		if _, err := s.sched.RunAfter(ctx, delay, core.TaskExecuteJob, core.ExecuteJobArgs{JobID: jobID}); err != nil {
			return fmt.Errorf("jobs: failed to schedule retry: %w", err)
		}
		s.logger.Info("job failed, retry scheduled",
			"job_id", jobID, "attempt", attempt, "max_retries", job.MaxRetries, "delay", delay, "error", errMsg)
		s.bus.Emit(&core.JobRetrying{
			Job: job, Attempt: attempt, Error: errMsg,
			NextRunAt: time.Now().Add(delay), Timestamp: time.Now(),
		})
		return nil
	}

	completedAt := time.Now()
	if err := s.storage.FailJobPermanently(ctx, jobID, errMsg, completedAt); err != nil {
		if errors.Is(err, core.ErrStaleTransition) {
			s.logger.Warn("lost failure race, ignoring", "job_id", jobID)
			return nil
		}
		return err
	}
	s.logger.Info("job permanently failed",
		"job_id", jobID, "retry_count", job.RetryCount, "error", errMsg)
	s.bus.Emit(&core.JobFailed{Job: job, Error: errMsg, Timestamp: completedAt})

	s.notifyAndCleanup(ctx, job)
	return nil
}

// notifyAndCleanup fires the terminal-state side effects: webhook delivery
// if configured, session teardown if a session is linked. Both are
// fire-and-forget; failures there never touch job status.
func (s *Service) notifyAndCleanup(ctx context.Context, job *core.Job) {
	if job.WebhookURL != "" {
		_, err := s.sched.RunAfter(ctx, 0, core.TaskDeliverWebhook, core.DeliverWebhookArgs{
			JobID:   job.ID,
			URL:     job.WebhookURL,
			Attempt: 1,
		})
		if err != nil {
			s.logger.Error("failed to schedule webhook delivery", "job_id", job.ID, "error", err)
		}
	}
	if job.SessionID != nil {
		s.scheduleCleanup(ctx, *job.SessionID, job.Credentials)
	}
}

func (s *Service) scheduleCleanup(ctx context.Context, sessionID string, creds core.Credentials) {
	_, err := s.sched.RunAfter(ctx, 0, core.TaskCleanupSession, core.CleanupSessionArgs{
		SessionID:   sessionID,
		Credentials: creds,
		Attempt:     1,
	})
	if err != nil {
		s.logger.Error("failed to schedule session cleanup", "session_id", sessionID, "error", err)
	}
}
