package core

import "time"

// DeliveryStatus is the state of one webhook delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// WebhookDelivery records a single notification attempt. Each retry creates
// a new record; the table is an append-only audit trail and is written
// before the request is sent, so a crash mid-send still leaves a trace.
type WebhookDelivery struct {
	ID      string `gorm:"primaryKey;size:36"`
	JobID   string `gorm:"index;size:36;not null"`
	URL     string `gorm:"size:2048"`
	Payload []byte `gorm:"type:bytes"`
	Attempt int    `gorm:"default:1"`

	Status         DeliveryStatus `gorm:"index;size:20;default:'pending'"`
	ResponseStatus *int
	ResponseBody   string `gorm:"type:text"` // truncated, see security.TruncateResponseBody
	Error          string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	SentAt    *time.Time
}
