// Package executor drives a job from pending through session creation and
// callback dispatch, and hosts the timeout watchdog.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shrey150/stagehand-jobs/pkg/callback"
	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/jobstore"
	"github.com/shrey150/stagehand-jobs/pkg/session"
)

// Executor runs the per-job execution chain. All three entry points are
// registered on the durable scheduler; every error inside them routes to
// ReportFailure instead of escaping, so one failure consumes one unit of
// the job's retry budget regardless of where it happened.
type Executor struct {
	storage   core.Storage
	sessions  *session.Registry
	jobs      *jobstore.Service
	callbacks *callback.Registry
	sched     core.Scheduler
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor.
func New(storage core.Storage, sessions *session.Registry, jobs *jobstore.Service, callbacks *callback.Registry, sched core.Scheduler, opts ...Option) *Executor {
	e := &Executor{
		storage:   storage,
		sessions:  sessions,
		jobs:      jobs,
		callbacks: callbacks,
		sched:     sched,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute starts one attempt: provision a session, link it (which arms the
// watchdog), and queue the callback dispatch. Registered under
// core.TaskExecuteJob.
func (e *Executor) Execute(ctx context.Context, args core.ExecuteJobArgs) error {
	job, err := e.storage.GetJob(ctx, args.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		e.logger.Warn("execute requested for missing job", "job_id", args.JobID)
		return nil
	}
	if job.Status != core.StatusPending && job.Status != core.StatusQueued {
		// Cancelled (or otherwise settled) before this attempt started.
		e.logger.Info("skipping execution, job no longer pending", "job_id", job.ID, "status", job.Status)
		return nil
	}

	sess, err := e.sessions.Create(ctx, job.Credentials, job.SessionOptions)
	if err != nil {
		return e.jobs.ReportFailure(ctx, job.ID, err.Error())
	}

	if err := e.jobs.LinkSession(ctx, job.ID, sess.ID); err != nil {
		if errors.Is(err, core.ErrStaleTransition) {
			// The job was cancelled while we provisioned; the fresh session
			// would otherwise leak, so tear it down here.
			e.logger.Info("job settled during session creation, releasing session",
				"job_id", job.ID, "session_id", sess.ID)
			e.sessions.ScheduleCleanup(ctx, sess.ID, job.Credentials)
			return nil
		}
		return e.jobs.ReportFailure(ctx, job.ID, err.Error())
	}

	if _, err := e.sched.RunAfter(ctx, 0, core.TaskDispatchCallback, core.DispatchCallbackArgs{JobID: job.ID}); err != nil {
		return e.jobs.ReportFailure(ctx, job.ID, fmt.Sprintf("failed to dispatch callback: %v", err))
	}
	return nil
}

// Dispatch invokes the job's registered callback with its session connect
// info. The callback's business outcome is not awaited here; it arrives
// later through ReportSuccess/ReportFailure. Registered under
// core.TaskDispatchCallback.
func (e *Executor) Dispatch(ctx context.Context, args core.DispatchCallbackArgs) error {
	job, err := e.storage.GetJob(ctx, args.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		e.logger.Warn("dispatch requested for missing job", "job_id", args.JobID)
		return nil
	}
	if job.Status != core.StatusRunning {
		e.logger.Info("skipping dispatch, job no longer running", "job_id", job.ID, "status", job.Status)
		return nil
	}

	fn, ok := e.callbacks.Lookup(job.CallbackName)
	if !ok {
		return e.jobs.ReportFailure(ctx, job.ID, fmt.Sprintf("no callback registered for %q", job.CallbackName))
	}

	if job.SessionID == nil {
		return e.jobs.ReportFailure(ctx, job.ID, "job is running without a linked session")
	}
	sess, err := e.storage.GetSession(ctx, *job.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return e.jobs.ReportFailure(ctx, job.ID, "linked session record is missing")
	}

	inv := callback.Invocation{
		JobID: job.ID,
		Session: callback.ConnectInfo{
			SessionID:  sess.ID,
			ProviderID: sess.ProviderID,
			ConnectURL: sess.ConnectURL,
			DebugURL:   sess.DebugURL,
		},
		Params: job.Params,
	}

	e.invoke(ctx, fn, inv)
	return nil
}

// invoke runs the callback, converting a panic into a reported failure so
// the contract "exactly one report per dispatch" survives broken user code.
func (e *Executor) invoke(ctx context.Context, fn callback.Func, inv callback.Invocation) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("callback panicked", "job_id", inv.JobID, "panic", r)
			if err := e.jobs.ReportFailure(ctx, inv.JobID, fmt.Sprintf("callback panic: %v", r)); err != nil {
				e.logger.Error("failed to report callback panic", "job_id", inv.JobID, "error", err)
			}
		}
	}()
	fn(ctx, e.jobs, inv)
}

// CheckTimeout is the watchdog: a single delayed re-check armed at
// job-start time. A job that finished in time makes this a no-op, which is
// the common case. Registered under core.TaskCheckTimeout.
func (e *Executor) CheckTimeout(ctx context.Context, args core.CheckTimeoutArgs) error {
	job, err := e.storage.GetJob(ctx, args.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		e.logger.Warn("timeout check for missing job", "job_id", args.JobID)
		return nil
	}
	if job.Status != core.StatusRunning {
		return nil
	}

	// A retried job is a new attempt with its own watchdog; an earlier
	// attempt's watchdog must not fail it.
	if job.StartedAt == nil || job.StartedAt.Unix() != args.StartedAt.Unix() {
		return nil
	}

	if time.Since(args.StartedAt) < args.Timeout {
		return nil
	}

	msg := fmt.Sprintf("Job timed out after %d seconds", int(args.Timeout.Seconds()))
	e.logger.Warn("job exceeded its timeout", "job_id", job.ID, "timeout", args.Timeout)
	return e.jobs.ReportFailure(ctx, job.ID, msg)
}
