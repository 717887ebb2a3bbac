package core

import "time"

// CronDefinition is a recurrence rule plus the template for the jobs it
// spawns. Name is unique (enforced by lookup-before-insert, the write rate
// on this table is low). RunCount, LastRunAt and NextRunAt are mutated only
// by the recurrence engine.
type CronDefinition struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string `gorm:"index;size:255;not null"`
	Expression string `gorm:"size:255;not null"`
	Enabled    bool   `gorm:"index;default:true"`

	// Job template.
	CallbackName   string         `gorm:"size:255;not null"`
	Params         []byte         `gorm:"type:bytes"`
	Credentials    Credentials    `gorm:"embedded;embeddedPrefix:cred_"`
	SessionOptions SessionOptions `gorm:"embedded;embeddedPrefix:session_"`
	WebhookURL     string         `gorm:"size:2048"`

	LastRunAt *time.Time
	NextRunAt *time.Time `gorm:"index"`
	RunCount  int64      `gorm:"default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
