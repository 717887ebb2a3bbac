// Package jobs orchestrates browser-automation work against a cloud browser
// provider: durable job scheduling with bounded retries, remote session
// provisioning and cleanup, a per-job timeout watchdog, webhook
// notifications, and cron recurrence.
//
// This is the main package users should import. It re-exports the public
// types from the internal pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	db, _ := gorm.Open(sqlite.Open("jobs.db"), &gorm.Config{})
//	engine, _ := jobs.NewEngine(db)
//
//	// Register a callback by name.
//	engine.RegisterCallback("scrape-listing", func(ctx context.Context, rep jobs.Reporter, inv jobs.Invocation) {
//	    // drive the browser via inv.Session.ConnectURL, then:
//	    rep.ReportSuccess(ctx, inv.JobID, result, nil)
//	})
//
//	// Schedule a job.
//	jobID, _ := engine.Jobs().Schedule(ctx, jobs.ScheduleRequest{
//	    Callback:    "scrape-listing",
//	    Credentials: jobs.Credentials{APIKey: key, ProjectID: project},
//	})
//
//	// Run the dispatcher and cron loops.
//	engine.Start(ctx)
package jobs

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/shrey150/stagehand-jobs/pkg/callback"
	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/cron"
	"github.com/shrey150/stagehand-jobs/pkg/executor"
	"github.com/shrey150/stagehand-jobs/pkg/jobstore"
	"github.com/shrey150/stagehand-jobs/pkg/provider"
	"github.com/shrey150/stagehand-jobs/pkg/scheduler"
	"github.com/shrey150/stagehand-jobs/pkg/security"
	"github.com/shrey150/stagehand-jobs/pkg/session"
	"github.com/shrey150/stagehand-jobs/pkg/storage"
	"github.com/shrey150/stagehand-jobs/pkg/webhook"
)

// Type aliases re-exported for callers.
type (
	// Job is one scheduled unit of browser-automation work.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// Session tracks a remote browser session and its cleanup state.
	Session = core.Session

	// SessionStatus is the provider-reported session state.
	SessionStatus = core.SessionStatus

	// SessionOptions configure a remote browser session at creation time.
	SessionOptions = core.SessionOptions

	// SessionUsage carries usage figures reported at completion.
	SessionUsage = core.SessionUsage

	// Credentials authenticate calls to the browser provider.
	Credentials = core.Credentials

	// CronDefinition is a stored recurrence rule.
	CronDefinition = core.CronDefinition

	// WebhookDelivery records a single notification attempt.
	WebhookDelivery = core.WebhookDelivery

	// Storage defines the persistence layer.
	Storage = core.Storage

	// Event is the interface for all lifecycle events.
	Event = core.Event

	// JobScheduled is emitted when a job is inserted.
	JobScheduled = core.JobScheduled

	// JobStarted is emitted when a job transitions to running.
	JobStarted = core.JobStarted

	// JobCompleted is emitted when a job completes successfully.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job fails permanently or is cancelled.
	JobFailed = core.JobFailed

	// JobRetrying is emitted when a failed job re-enters pending.
	JobRetrying = core.JobRetrying

	// SessionCleanupFailed is emitted when cleanup's retry budget runs out.
	SessionCleanupFailed = core.SessionCleanupFailed

	// WebhookDelivered is emitted for each delivery attempt outcome.
	WebhookDelivered = core.WebhookDelivered

	// Bus fans lifecycle events out to subscribers.
	Bus = core.Bus

	// ProviderError is a non-2xx response from the browser provider.
	ProviderError = core.ProviderError

	// Reporter is the completion channel callbacks report through.
	Reporter = callback.Reporter

	// Invocation carries everything a callback needs to run.
	Invocation = callback.Invocation

	// ConnectInfo is the session handle passed to callbacks.
	ConnectInfo = callback.ConnectInfo

	// CallbackFunc is a registered browser-automation callback.
	CallbackFunc = callback.Func

	// ScheduleRequest is the input for scheduling a job.
	ScheduleRequest = jobstore.ScheduleRequest

	// JobView joins a job with its current session snapshot.
	JobView = jobstore.JobView

	// CronSpec is the input for creating or updating a recurrence rule.
	CronSpec = cron.Definition

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage
)

// Status constants.
const (
	StatusPending   = core.StatusPending
	StatusQueued    = core.StatusQueued
	StatusRunning   = core.StatusRunning
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
	StatusCancelled = core.StatusCancelled
)

// Limits.
const (
	MaxCallbackNameLength = security.MaxCallbackNameLength
	MaxParamsSize         = security.MaxParamsSize
	MaxRetries            = security.MaxRetries
	MaxCleanupAttempts    = session.MaxCleanupAttempts
	MaxDeliveryAttempts   = webhook.MaxDeliveryAttempts
	DefaultJobTimeout     = core.DefaultJobTimeout
)

// Error variables.
var (
	ErrJobNotFound         = core.ErrJobNotFound
	ErrSessionNotFound     = core.ErrSessionNotFound
	ErrCronNotFound        = core.ErrCronNotFound
	ErrAlreadyTerminal     = core.ErrAlreadyTerminal
	ErrInvalidExpression   = core.ErrInvalidExpression
	ErrDuplicateName       = core.ErrDuplicateName
	ErrInvalidCallbackName = core.ErrInvalidCallbackName
	ErrCallbackNotFound    = core.ErrCallbackNotFound
)

// Engine wires every component together over one storage backend and one
// durable scheduler. Construct it, register callbacks, then Start it.
type Engine struct {
	storage   core.Storage
	sched     *scheduler.Scheduler
	bus       *core.Bus
	callbacks *callback.Registry
	sessions  *session.Registry
	jobs      *jobstore.Service
	executor  *executor.Executor
	notifier  *webhook.Notifier
	crons     *cron.Service
	logger    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	logger       *slog.Logger
	providerURL  string
	httpClient   *http.Client
	pollInterval time.Duration
	concurrency  int
	tickInterval time.Duration
}

// WithEngineLogger sets the logger for every component.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = l }
}

// WithProviderBaseURL points the provider client at a different endpoint.
func WithProviderBaseURL(url string) EngineOption {
	return func(c *engineConfig) { c.providerURL = url }
}

// WithProviderHTTPClient overrides the HTTP client for provider calls and
// webhook deliveries.
func WithProviderHTTPClient(hc *http.Client) EngineOption {
	return func(c *engineConfig) { c.httpClient = hc }
}

// WithDispatcherPollInterval sets how often the scheduler polls for due
// tasks.
func WithDispatcherPollInterval(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.pollInterval = d }
}

// WithDispatcherConcurrency sets how many tasks run concurrently.
func WithDispatcherConcurrency(n int) EngineOption {
	return func(c *engineConfig) { c.concurrency = n }
}

// WithCronTickInterval sets how often due recurrence rules are scanned for.
func WithCronTickInterval(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.tickInterval = d }
}

// NewEngine builds a fully wired engine on a GORM database, running
// migrations for every table it owns.
func NewEngine(db *gorm.DB, opts ...EngineOption) (*Engine, error) {
	store := storage.NewGormStorage(db)
	if err := store.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return NewEngineWithStorage(store, opts...), nil
}

// NewEngineWithStorage builds an engine on an already-migrated storage
// backend.
func NewEngineWithStorage(store core.Storage, opts ...EngineOption) *Engine {
	cfg := &engineConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	var schedOpts []scheduler.Option
	schedOpts = append(schedOpts, scheduler.WithLogger(cfg.logger))
	if cfg.pollInterval > 0 {
		schedOpts = append(schedOpts, scheduler.WithPollInterval(cfg.pollInterval))
	}
	if cfg.concurrency > 0 {
		schedOpts = append(schedOpts, scheduler.WithConcurrency(cfg.concurrency))
	}
	sched := scheduler.New(store, schedOpts...)

	var clientOpts []provider.ClientOption
	if cfg.providerURL != "" {
		clientOpts = append(clientOpts, provider.WithBaseURL(cfg.providerURL))
	}
	if cfg.httpClient != nil {
		clientOpts = append(clientOpts, provider.WithHTTPClient(cfg.httpClient))
	}
	api := provider.NewClient(clientOpts...)

	bus := core.NewBus()
	callbacks := callback.NewRegistry()
	sessions := session.NewRegistry(store, api, sched,
		session.WithLogger(cfg.logger), session.WithBus(bus))
	jobSvc := jobstore.NewService(store, sched,
		jobstore.WithLogger(cfg.logger), jobstore.WithBus(bus))
	exec := executor.New(store, sessions, jobSvc, callbacks, sched,
		executor.WithLogger(cfg.logger))

	var notifierOpts []webhook.Option
	notifierOpts = append(notifierOpts, webhook.WithLogger(cfg.logger), webhook.WithBus(bus))
	if cfg.httpClient != nil {
		notifierOpts = append(notifierOpts, webhook.WithHTTPClient(cfg.httpClient))
	}
	notifier := webhook.New(store, sched, notifierOpts...)

	var cronOpts []cron.Option
	cronOpts = append(cronOpts, cron.WithLogger(cfg.logger))
	if cfg.tickInterval > 0 {
		cronOpts = append(cronOpts, cron.WithTickInterval(cfg.tickInterval))
	}
	crons := cron.New(store, jobSvc, cronOpts...)

	sched.Register(core.TaskExecuteJob, exec.Execute)
	sched.Register(core.TaskDispatchCallback, exec.Dispatch)
	sched.Register(core.TaskCheckTimeout, exec.CheckTimeout)
	sched.Register(core.TaskCleanupSession, sessions.Cleanup)
	sched.Register(core.TaskDeliverWebhook, notifier.Deliver)

	return &Engine{
		storage:   store,
		sched:     sched,
		bus:       bus,
		callbacks: callbacks,
		sessions:  sessions,
		jobs:      jobSvc,
		executor:  exec,
		notifier:  notifier,
		crons:     crons,
		logger:    cfg.logger,
	}
}

// RegisterCallback registers a named browser-automation callback. Names
// must be registered before jobs referencing them come due.
func (e *Engine) RegisterCallback(name string, fn CallbackFunc) error {
	return e.callbacks.Register(name, fn)
}

// Jobs returns the job store service.
func (e *Engine) Jobs() *jobstore.Service { return e.jobs }

// Sessions returns the session registry.
func (e *Engine) Sessions() *session.Registry { return e.sessions }

// Crons returns the recurrence engine.
func (e *Engine) Crons() *cron.Service { return e.crons }

// Webhooks returns the webhook notifier.
func (e *Engine) Webhooks() *webhook.Notifier { return e.notifier }

// Events returns the lifecycle event bus.
func (e *Engine) Events() *core.Bus { return e.bus }

// Start runs the task dispatcher and the cron tick loop until ctx is
// cancelled.
func (e *Engine) Start(ctx context.Context) error {
	go e.crons.Start(ctx)
	return e.sched.Start(ctx)
}

// ValidateCallbackName validates a callback name.
func ValidateCallbackName(name string) error {
	return security.ValidateCallbackName(name)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// ClampRetries ensures a retry budget is within limits.
func ClampRetries(n int) int {
	return security.ClampRetries(n)
}

// Backoff returns the delay before retry attempt n (1-based).
func Backoff(attempt int) time.Duration {
	return core.Backoff(attempt)
}
