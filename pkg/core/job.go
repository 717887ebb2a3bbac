// Package core provides the domain models and interfaces for the
// stagehand-jobs orchestration layer.
package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is one no transition ever leaves.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultJobTimeout is applied when a job is scheduled without one.
const DefaultJobTimeout = 5 * time.Minute

// Credentials authenticate calls to the browser provider. They are passed
// per-call and stored on the records that need them for background steps;
// nothing reads them from ambient environment state.
type Credentials struct {
	APIKey    string `json:"apiKey"`
	ProjectID string `json:"projectId,omitempty"`
}

// SessionOptions configure a remote browser session at creation time.
type SessionOptions struct {
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	KeepAlive      bool   `json:"keepAlive,omitempty"`
	Region         string `json:"region,omitempty"`
	Proxy          bool   `json:"proxy,omitempty"`
}

// Job is one scheduled unit of browser-automation work tracked through a
// retryable lifecycle.
type Job struct {
	ID           string `gorm:"primaryKey;size:36"`
	CallbackName string `gorm:"size:255;not null"`
	Params       []byte `gorm:"type:bytes"`

	Credentials    Credentials    `gorm:"embedded;embeddedPrefix:cred_"`
	SessionOptions SessionOptions `gorm:"embedded;embeddedPrefix:session_"`
	WebhookURL     string         `gorm:"size:2048"`

	// RetryCount never exceeds MaxRetries; MaxRetries and Timeout are
	// immutable after creation.
	RetryCount int           `gorm:"default:0"`
	MaxRetries int           `gorm:"default:0"`
	Timeout    time.Duration `gorm:"default:0"`

	Status    JobStatus `gorm:"index;size:20;default:'pending'"`
	SessionID *string   `gorm:"index;size:36"` // active session record, 1:1 while running
	CronID    *string   `gorm:"index;size:36"` // recurrence definition that spawned this job

	Result            []byte `gorm:"type:bytes"`
	LastError         string `gorm:"type:text"`
	SessionDurationMs *int64

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"index;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}
