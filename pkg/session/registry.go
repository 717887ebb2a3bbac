// Package session tracks remote browser resources and owns the
// cleanup-retry state machine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/provider"
)

// MaxCleanupAttempts bounds the cleanup-retry budget. On exhaustion the
// record is flagged for manual operator intervention, never silently
// marked resolved.
const MaxCleanupAttempts = 3

// Registry persists session records and drives their lifecycle against the
// provider.
type Registry struct {
	storage core.Storage
	api     provider.API
	sched   core.Scheduler
	bus     *core.Bus
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithBus attaches a lifecycle event bus.
func WithBus(b *core.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// NewRegistry creates a session registry.
func NewRegistry(storage core.Storage, api provider.API, sched core.Scheduler, opts ...Option) *Registry {
	r := &Registry{
		storage: storage,
		api:     api,
		sched:   sched,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create provisions a remote session and persists its record. Provider
// failures propagate to the caller; retrying is the executor's job, under
// the owning job's retry budget.
func (r *Registry) Create(ctx context.Context, creds core.Credentials, opts core.SessionOptions) (*core.Session, error) {
	remote, err := r.api.CreateSession(ctx, creds, opts)
	if err != nil {
		return nil, fmt.Errorf("session: failed to create remote session: %w", err)
	}

	session := &core.Session{
		ProviderID: remote.ID,
		ConnectURL: remote.ConnectURL,
		DebugURL:   remote.DebugURL,
		Status:     remote.Status,
		Region:     remote.Region,
		ExpiresAt:  remote.ExpiresAt,
		Usage:      remote.Usage,
	}
	if err := r.storage.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("session: failed to persist session record: %w", err)
	}
	return session, nil
}

// RefreshStatus polls the provider and overwrites the record's
// provider-reported fields. No side effects beyond the record.
func (r *Registry) RefreshStatus(ctx context.Context, sessionID string, creds core.Credentials) (*core.Session, error) {
	session, err := r.storage.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, core.ErrSessionNotFound
	}

	remote, err := r.api.GetSession(ctx, creds, session.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("session: failed to poll provider: %w", err)
	}

	if err := r.storage.UpdateSessionStatus(ctx, sessionID, remote.Status, remote.Usage, remote.ExpiresAt); err != nil {
		return nil, err
	}
	return r.storage.GetSession(ctx, sessionID)
}

// ScheduleCleanup queues the first cleanup attempt for a session.
func (r *Registry) ScheduleCleanup(ctx context.Context, sessionID string, creds core.Credentials) {
	_, err := r.sched.RunAfter(ctx, 0, core.TaskCleanupSession, core.CleanupSessionArgs{
		SessionID:   sessionID,
		Credentials: creds,
		Attempt:     1,
	})
	if err != nil {
		r.logger.Error("failed to schedule session cleanup", "session_id", sessionID, "error", err)
	}
}

// Cleanup runs one attempt of the cleanup state machine. It is registered
// on the durable scheduler under core.TaskCleanupSession; provider failures
// are absorbed into the retry chain and never escape to the dispatcher.
func (r *Registry) Cleanup(ctx context.Context, args core.CleanupSessionArgs) error {
	session, err := r.storage.GetSession(ctx, args.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		r.logger.Warn("cleanup requested for missing session", "session_id", args.SessionID)
		return nil
	}

	// Idempotent short-circuit: a second cleanup after success is a no-op.
	if session.CleanupStatus == core.CleanupSuccess {
		return nil
	}

	// The provider already ended the session; don't issue a redundant
	// release call against a dead resource.
	if session.Status.Closed() {
		now := time.Now()
		if err := r.storage.MarkCleanupSucceeded(ctx, session.ID, session.Status, now); err != nil {
			return err
		}
		return nil
	}

	if err := r.storage.RecordCleanupAttempt(ctx, session.ID, args.Attempt); err != nil {
		return err
	}

	remote, releaseErr := r.api.ReleaseSession(ctx, args.Credentials, session.ProviderID)
	if releaseErr == nil {
		status := core.SessionCompleted
		if remote != nil && remote.Status != "" {
			status = remote.Status
		}
		if err := r.storage.MarkCleanupSucceeded(ctx, session.ID, status, time.Now()); err != nil {
			return err
		}
		r.logger.Info("session released", "session_id", session.ID, "provider_id", session.ProviderID, "attempt", args.Attempt)
		return nil
	}

	if args.Attempt < MaxCleanupAttempts {
		if err := r.storage.MarkCleanupFailed(ctx, session.ID, releaseErr.Error(), false); err != nil {
			return err
		}
		next := args
		next.Attempt++
		if _, err := r.sched.RunAfter(ctx, core.Backoff(args.Attempt), core.TaskCleanupSession, next); err != nil {
			return fmt.Errorf("session: failed to reschedule cleanup: %w", err)
		}
		r.logger.Warn("session cleanup attempt failed, rescheduled",
			"session_id", session.ID, "attempt", args.Attempt, "error", releaseErr)
		return nil
	}

	// Budget exhausted. The remote resource may still be live and billing;
	// the record keeps its last provider status so an operator can find it.
	if err := r.storage.MarkCleanupFailed(ctx, session.ID, releaseErr.Error(), true); err != nil {
		return err
	}
	r.logger.Error("session cleanup permanently failed, manual intervention required",
		"session_id", session.ID, "provider_id", session.ProviderID, "error", releaseErr)

	failed, _ := r.storage.GetSession(ctx, session.ID)
	if failed != nil {
		r.bus.Emit(&core.SessionCleanupFailed{Session: failed, Error: releaseErr.Error(), Timestamp: time.Now()})
	}
	return nil
}

// ListFailedCleanups returns sessions needing manual release, for operator
// tooling.
func (r *Registry) ListFailedCleanups(ctx context.Context, limit int) ([]*core.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.storage.ListFailedCleanups(ctx, limit)
}
