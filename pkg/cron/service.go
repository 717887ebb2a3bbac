// Package cron manages recurrence definitions and spawns jobs when they
// come due.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	robfig "github.com/robfig/cron/v3"

	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/jobstore"
	"github.com/shrey150/stagehand-jobs/pkg/security"
)

// DefaultTickInterval is how often due definitions are scanned for.
const DefaultTickInterval = time.Minute

// tickBatchSize caps how many definitions one tick will fire.
const tickBatchSize = 100

// parser accepts standard five-field cron expressions (minute granularity).
var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)

// Definition is the caller-facing input for creating or updating a
// recurrence rule.
type Definition struct {
	Name           string
	Expression     string
	Callback       string
	Params         json.RawMessage
	Credentials    core.Credentials
	SessionOptions *core.SessionOptions
	WebhookURL     string
}

// Service is the recurrence engine. Schedules are evaluated by polling the
// store for due definitions, so a restart picks up where the previous
// process left off with no in-memory timer state to rebuild.
type Service struct {
	storage core.Storage
	jobs    *jobstore.Service
	logger  *slog.Logger

	tickInterval time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTickInterval overrides the due-scan interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Service) { s.tickInterval = d }
}

// New creates a recurrence service.
func New(storage core.Storage, jobs *jobstore.Service, opts ...Option) *Service {
	s := &Service{
		storage:      storage,
		jobs:         jobs,
		logger:       slog.Default(),
		tickInterval: DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a recurrence definition. The expression is validated
// eagerly so a bad schedule is rejected here rather than discovered when it
// first comes due.
func (s *Service) Create(ctx context.Context, def Definition) (*core.CronDefinition, error) {
	if err := security.ValidateCallbackName(def.Callback); err != nil {
		return nil, err
	}
	sched, err := parser.Parse(def.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", core.ErrInvalidExpression, def.Expression, err)
	}

	existing, err := s.storage.GetCronByName(ctx, def.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q", core.ErrDuplicateName, def.Name)
	}

	next := sched.Next(time.Now())
	record := &core.CronDefinition{
		ID:           uuid.NewString(),
		Name:         def.Name,
		Expression:   def.Expression,
		Enabled:      true,
		CallbackName: def.Callback,
		Params:       def.Params,
		Credentials:  def.Credentials,
		WebhookURL:   def.WebhookURL,
		NextRunAt:    &next,
	}
	if def.SessionOptions != nil {
		record.SessionOptions = *def.SessionOptions
	}
	if err := s.storage.CreateCron(ctx, record); err != nil {
		return nil, err
	}
	s.logger.Info("cron definition created",
		"cron_id", record.ID, "name", record.Name, "expression", record.Expression, "next_run_at", next)
	return record, nil
}

// Update replaces a definition's schedule or template. A changed expression
// takes effect immediately: the next fire time is recomputed from now, not
// from the old schedule's pending occurrence.
func (s *Service) Update(ctx context.Context, cronID string, def Definition) (*core.CronDefinition, error) {
	record, err := s.storage.GetCron(ctx, cronID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrCronNotFound, cronID)
	}

	if def.Callback != "" {
		if err := security.ValidateCallbackName(def.Callback); err != nil {
			return nil, err
		}
		record.CallbackName = def.Callback
	}
	if def.Name != "" && def.Name != record.Name {
		existing, err := s.storage.GetCronByName(ctx, def.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %q", core.ErrDuplicateName, def.Name)
		}
		record.Name = def.Name
	}
	if def.Expression != "" {
		sched, err := parser.Parse(def.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", core.ErrInvalidExpression, def.Expression, err)
		}
		record.Expression = def.Expression
		next := sched.Next(time.Now())
		record.NextRunAt = &next
	}
	if def.Params != nil {
		record.Params = def.Params
	}
	if def.Credentials.APIKey != "" {
		record.Credentials = def.Credentials
	}
	if def.SessionOptions != nil {
		record.SessionOptions = *def.SessionOptions
	}
	if def.WebhookURL != "" {
		record.WebhookURL = def.WebhookURL
	}

	if err := s.storage.UpdateCron(ctx, record); err != nil {
		return nil, err
	}
	s.logger.Info("cron definition updated", "cron_id", record.ID, "name", record.Name, "expression", record.Expression)
	return record, nil
}

// SetEnabled pauses or resumes a definition. Re-enabling recomputes the
// next fire time so a year-long pause does not replay skipped occurrences.
func (s *Service) SetEnabled(ctx context.Context, cronID string, enabled bool) error {
	record, err := s.storage.GetCron(ctx, cronID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: %s", core.ErrCronNotFound, cronID)
	}
	record.Enabled = enabled
	if enabled {
		sched, err := parser.Parse(record.Expression)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", core.ErrInvalidExpression, record.Expression, err)
		}
		next := sched.Next(time.Now())
		record.NextRunAt = &next
	}
	return s.storage.UpdateCron(ctx, record)
}

// Get returns a definition, nil if unknown.
func (s *Service) Get(ctx context.Context, cronID string) (*core.CronDefinition, error) {
	return s.storage.GetCron(ctx, cronID)
}

// GetByName returns a definition by its unique name, nil if unknown.
func (s *Service) GetByName(ctx context.Context, name string) (*core.CronDefinition, error) {
	return s.storage.GetCronByName(ctx, name)
}

// List returns definitions up to limit.
func (s *Service) List(ctx context.Context, limit int) ([]*core.CronDefinition, error) {
	return s.storage.ListCrons(ctx, limit)
}

// Delete removes a definition. Jobs it already spawned are unaffected.
func (s *Service) Delete(ctx context.Context, cronID string) error {
	record, err := s.storage.GetCron(ctx, cronID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: %s", core.ErrCronNotFound, cronID)
	}
	return s.storage.DeleteCron(ctx, cronID)
}

// Tick fires every enabled definition whose next run time has passed.
// Spawned jobs get no retry budget; a failed occurrence is simply a miss,
// the next occurrence will run regardless. One broken definition never
// blocks the others.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	due, err := s.storage.DueCrons(ctx, now, tickBatchSize)
	if err != nil {
		return err
	}
	for _, def := range due {
		if err := s.fire(ctx, def, now); err != nil {
			s.logger.Error("failed to fire cron definition",
				"cron_id", def.ID, "name", def.Name, "error", err)
		}
	}
	return nil
}

func (s *Service) fire(ctx context.Context, def *core.CronDefinition, now time.Time) error {
	sched, err := parser.Parse(def.Expression)
	if err != nil {
		// Should be unreachable past Create/Update validation; park the
		// definition instead of erroring on every tick.
		def.Enabled = false
		if uerr := s.storage.UpdateCron(ctx, def); uerr != nil {
			return uerr
		}
		return fmt.Errorf("%w: %q: %v", core.ErrInvalidExpression, def.Expression, err)
	}

	var opts *core.SessionOptions
	if def.SessionOptions != (core.SessionOptions{}) {
		o := def.SessionOptions
		opts = &o
	}
	jobID, err := s.jobs.Schedule(ctx, jobstore.ScheduleRequest{
		Params:         def.Params,
		Credentials:    def.Credentials,
		Callback:       def.CallbackName,
		SessionOptions: opts,
		WebhookURL:     def.WebhookURL,
		MaxRetries:     0,
		CronID:         def.ID,
	})
	if err != nil {
		return err
	}

	next := sched.Next(now)
	if err := s.storage.MarkCronRun(ctx, def.ID, now, next); err != nil {
		return err
	}
	s.logger.Info("cron fired", "cron_id", def.ID, "name", def.Name, "job_id", jobID, "next_run_at", next)
	return nil
}

// Start runs the tick loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	s.logger.Info("cron engine started", "tick_interval", s.tickInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cron engine stopped")
			return
		case now := <-ticker.C:
			if err := s.Tick(ctx, now); err != nil {
				s.logger.Error("cron tick failed", "error", err)
			}
		}
	}
}
