// Package scheduler implements the durable delayed-execution substrate:
// persisted tasks dispatched to named registered functions, at least once,
// surviving process restarts.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/security"
)

// Config holds dispatcher configuration.
type Config struct {
	// PollInterval is how often the dispatcher checks for due tasks.
	PollInterval time.Duration

	// Concurrency is the number of task-processing goroutines.
	Concurrency int

	// StaleLockAfter is how long past lock expiry a task is reclaimed.
	StaleLockAfter time.Duration

	// DispatcherID identifies this process in task locks.
	DispatcherID string

	// StorageRetry shields dispatcher bookkeeping from transient DB errors.
	StorageRetry RetryConfig
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithPollInterval sets how often the dispatcher polls for due tasks.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.config.PollInterval = d }
}

// WithConcurrency sets the number of task-processing goroutines.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.config.Concurrency = n
		}
	}
}

// Scheduler persists delayed invocations and dispatches them to registered
// functions. It implements core.Scheduler.
type Scheduler struct {
	storage  core.Storage
	config   Config
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]*handler
	wg       sync.WaitGroup
}

// New creates a scheduler over the given storage.
func New(storage core.Storage, opts ...Option) *Scheduler {
	s := &Scheduler{
		storage: storage,
		config: Config{
			PollInterval:   100 * time.Millisecond,
			Concurrency:    10,
			StaleLockAfter: 10 * time.Minute,
			DispatcherID:   uuid.New().String(),
			StorageRetry:   DefaultRetryConfig(),
		},
		logger:   slog.Default(),
		handlers: make(map[string]*handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a name to a function with signature
// func(ctx context.Context, args T) error. Panics on an invalid function,
// registration happens at wiring time where a panic is a programming error.
func (s *Scheduler) Register(name string, fn any) {
	if err := security.ValidateTaskName(name); err != nil {
		panic(fmt.Sprintf("scheduler: invalid task name %q: %v", name, err))
	}
	h, err := newHandler(fn)
	if err != nil {
		panic(fmt.Sprintf("scheduler: handler for %q: %v", name, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// RunAfter durably schedules the named function to run with args after the
// given delay. Returns the task ID.
func (s *Scheduler) RunAfter(ctx context.Context, delay time.Duration, name string, args any) (string, error) {
	s.mu.RLock()
	_, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("scheduler: no function registered for %q", name)
	}

	argsBytes, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("scheduler: failed to marshal args: %w", err)
	}

	task := &core.Task{
		ID:     uuid.New().String(),
		Name:   name,
		Args:   argsBytes,
		Status: core.TaskPending,
	}
	if delay > 0 {
		runAt := time.Now().Add(delay)
		task.RunAt = &runAt
	}

	if err := s.storage.EnqueueTask(ctx, task); err != nil {
		return "", fmt.Errorf("scheduler: failed to enqueue task: %w", err)
	}
	return task.ID, nil
}

// Start begins dispatching due tasks. Blocks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	tasksChan := make(chan *core.Task, s.config.Concurrency)

	for i := 0; i < s.config.Concurrency; i++ {
		s.wg.Add(1)
		go s.processLoop(ctx, tasksChan)
	}

	go s.runJanitor(ctx)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(tasksChan)
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			task, err := s.dequeueWithRetry(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					s.logger.Error("failed to dequeue task after retries", "error", err)
				}
				continue
			}
			if task != nil {
				select {
				case tasksChan <- task:
				case <-ctx.Done():
				}
			}
		}
	}
}

func (s *Scheduler) dequeueWithRetry(ctx context.Context) (*core.Task, error) {
	var task *core.Task
	err := retryWithBackoff(ctx, s.config.StorageRetry, func() error {
		var dequeueErr error
		task, dequeueErr = s.storage.DequeueTask(ctx, s.config.DispatcherID)
		return dequeueErr
	})
	return task, err
}

func (s *Scheduler) processLoop(ctx context.Context, tasks <-chan *core.Task) {
	defer s.wg.Done()

	for task := range tasks {
		s.processTask(ctx, task)
	}
}

// processTask runs one task. Errors never escape into the dispatch loop:
// a failing task is marked dead with its error recorded, and the owning
// component's own retry chain (if any) decides what happens next.
func (s *Scheduler) processTask(ctx context.Context, task *core.Task) {
	s.mu.RLock()
	h, ok := s.handlers[task.Name]
	s.mu.RUnlock()
	if !ok {
		s.logger.Error("no function registered for task", "task", task.Name, "task_id", task.ID)
		s.failWithRetry(ctx, task.ID, fmt.Sprintf("no function registered for %s", task.Name))
		return
	}

	err := s.executeTask(ctx, task, h)
	if err != nil {
		s.logger.Error("task failed", "task", task.Name, "task_id", task.ID, "error", err)
		s.failWithRetry(ctx, task.ID, err.Error())
		return
	}

	if err := s.completeWithRetry(ctx, task.ID); err != nil {
		s.logger.Error("failed to complete task after retries", "task_id", task.ID, "error", err)
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *core.Task, h *handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.execute(ctx, task.Args)
}

func (s *Scheduler) completeWithRetry(ctx context.Context, taskID string) error {
	return retryWithBackoff(ctx, s.config.StorageRetry, func() error {
		return s.storage.CompleteTask(ctx, taskID, s.config.DispatcherID)
	})
}

func (s *Scheduler) failWithRetry(ctx context.Context, taskID string, errMsg string) {
	err := retryWithBackoff(ctx, s.config.StorageRetry, func() error {
		return s.storage.FailTask(ctx, taskID, s.config.DispatcherID, errMsg)
	})
	if err != nil {
		s.logger.Error("failed to mark task as dead after retries", "task_id", taskID, "error", err)
	}
}

// runJanitor periodically reclaims tasks whose dispatcher died mid-flight.
func (s *Scheduler) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.storage.ReleaseStaleTaskLocks(ctx, s.config.StaleLockAfter)
			if err != nil {
				s.logger.Warn("failed to release stale task locks", "error", err)
			} else if n > 0 {
				s.logger.Info("released stale task locks", "count", n)
			}
		}
	}
}
