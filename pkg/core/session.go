package core

import "time"

// SessionStatus is the provider-reported state of a remote browser session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "RUNNING"
	SessionError     SessionStatus = "ERROR"
	SessionTimedOut  SessionStatus = "TIMED_OUT"
	SessionCompleted SessionStatus = "COMPLETED"
)

// Closed reports whether the provider considers the session ended.
func (s SessionStatus) Closed() bool {
	return s == SessionCompleted || s == SessionTimedOut
}

// CleanupStatus tracks the release of the remote resource. The zero value
// means cleanup has never been attempted.
type CleanupStatus string

const (
	CleanupPending CleanupStatus = "pending"
	CleanupSuccess CleanupStatus = "success"
	CleanupFailed  CleanupStatus = "failed"
)

// SessionUsage holds provider-reported resource metrics.
type SessionUsage struct {
	DurationMs *int64 `json:"durationMs,omitempty"`
	ProxyBytes *int64 `json:"proxyBytes,omitempty"`
}

// Session is the local record of a remote browser resource. Records are
// retained after the resource ends, for audit and operator tooling.
//
// Once CleanupStatus is success the provider-side Status is authoritative
// closed. Once cleanup has permanently failed, Status must keep whatever the
// provider last reported: the remote resource may still be live and billing,
// and the record is the only surface an operator has to find it.
type Session struct {
	ID         string `gorm:"primaryKey;size:36"`
	ProviderID string `gorm:"index;size:255;not null"`
	ConnectURL string `gorm:"size:2048"`
	DebugURL   string `gorm:"size:2048"`

	Status SessionStatus `gorm:"index;size:20"`
	Region string        `gorm:"size:64"`

	Usage SessionUsage `gorm:"embedded;embeddedPrefix:usage_"`

	CleanupAttempts    int           `gorm:"default:0"`
	CleanupStatus      CleanupStatus `gorm:"index;size:20"`
	CleanupError       string        `gorm:"type:text"`
	CleanupCompletedAt *time.Time

	ExpiresAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time `gorm:"index;autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
