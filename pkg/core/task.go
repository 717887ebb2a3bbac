package core

import "time"

// TaskStatus represents the current state of a scheduled task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskDead    TaskStatus = "dead"
)

// Task is one durable scheduled invocation: run the named function with the
// given args at RunAt. Every wait in the orchestration layer (retry backoff,
// cleanup backoff, webhook backoff, the timeout watchdog delay) is a new
// Task row, never an in-process sleep, so the chain survives restarts.
type Task struct {
	ID   string `gorm:"primaryKey;size:36"`
	Name string `gorm:"index;size:255;not null"`
	Args []byte `gorm:"type:bytes"`

	Status    TaskStatus `gorm:"index;size:20;default:'pending'"`
	Attempt   int        `gorm:"default:0"`
	LastError string     `gorm:"type:text"`

	RunAt       *time.Time `gorm:"index"`
	LockedBy    string     `gorm:"size:255"`
	LockedUntil *time.Time `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Registered task names. Components schedule each other by name through the
// durable scheduler rather than holding direct references, mirroring the
// callback-by-reference pattern used for user code.
const (
	TaskExecuteJob       = "job.execute"
	TaskDispatchCallback = "job.dispatch"
	TaskCheckTimeout     = "job.timeout"
	TaskCleanupSession   = "session.cleanup"
	TaskDeliverWebhook   = "webhook.deliver"
)

// ExecuteJobArgs starts (or retries) a job.
type ExecuteJobArgs struct {
	JobID string `json:"jobId"`
}

// DispatchCallbackArgs invokes the job's registered callback.
type DispatchCallbackArgs struct {
	JobID string `json:"jobId"`
}

// CheckTimeoutArgs carries the watchdog's view of the attempt it guards.
type CheckTimeoutArgs struct {
	JobID     string        `json:"jobId"`
	StartedAt time.Time     `json:"startedAt"`
	Timeout   time.Duration `json:"timeout"`
}

// CleanupSessionArgs releases a remote session, attempt N of the cleanup
// budget. Credentials ride along because background steps never read
// ambient state.
type CleanupSessionArgs struct {
	SessionID   string      `json:"sessionId"`
	Credentials Credentials `json:"credentials"`
	Attempt     int         `json:"attempt"`
}

// DeliverWebhookArgs posts a job's terminal outcome, attempt N of the
// delivery budget.
type DeliverWebhookArgs struct {
	JobID   string `json:"jobId"`
	URL     string `json:"url"`
	Attempt int    `json:"attempt"`
}
